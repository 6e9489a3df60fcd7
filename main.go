package main

import "github.com/nextlevelbuilder/nexus/cmd"

func main() {
	cmd.Execute()
}
