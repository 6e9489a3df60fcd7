package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nexus/internal/auth"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a member keypair",
		Long:  "Generates a secp256k1 keypair. The address is your public identity and bearer key for every API call; the private key signs profile writes and never leaves your machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, address, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("Address:     %s\n", address)
			fmt.Printf("Private key: 0x%x\n", priv.Serialize())
			fmt.Println()
			fmt.Println("Keep the private key secret. Export the address for the chat client:")
			fmt.Printf("  export NEXUS_KEY=%s\n", address)
			return nil
		},
	}
}
