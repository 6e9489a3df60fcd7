package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nexus/internal/identity"
)

// RegisterBuiltins installs the default command set. Errors only surface
// for duplicate registration, which would be a wiring bug.
func RegisterBuiltins(reg *Registry, identities *identity.Service) error {
	builtins := []Command{
		{
			Name:        "help",
			Description: "List available commands",
			Usage:       "/help",
			Handler: func(ctx context.Context, inv Invocation) (string, error) {
				return helpText(reg), nil
			},
		},
		{
			Name:        "ping",
			Description: "Check that the server is responsive",
			Usage:       "/ping",
			Handler: func(ctx context.Context, inv Invocation) (string, error) {
				return "pong", nil
			},
		},
		{
			Name:        "identity",
			Description: "Show your identity record",
			Usage:       "/identity",
			Handler: func(ctx context.Context, inv Invocation) (string, error) {
				return identitySummary(ctx, identities, inv.OwnerKey)
			},
		},
	}

	for _, cmd := range builtins {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func helpText(reg *Registry) string {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, cmd := range reg.List() {
		fmt.Fprintf(&sb, "/%s - %s\n", cmd.Name, cmd.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func identitySummary(ctx context.Context, identities *identity.Service, ownerKey string) (string, error) {
	if ownerKey == "" {
		return "", fmt.Errorf("no owner key on this request")
	}

	rec, justCreated := identities.GetOrCreate(ctx, ownerKey)
	if rec == nil {
		return "", fmt.Errorf("identity lookup failed for %s", ownerKey)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Public key: %s\n", rec.PublicKey)
	fmt.Fprintf(&sb, "Member since: %s\n", rec.CreatedAt.UTC().Format("2006-01-02"))
	fmt.Fprintf(&sb, "Config overrides: %d\n", len(rec.ConfigOverrides))
	fmt.Fprintf(&sb, "Prompt overrides: %d", len(rec.PromptOverrides))
	if justCreated {
		sb.WriteString("\nWelcome! This is your first visit.")
	}
	return sb.String(), nil
}
