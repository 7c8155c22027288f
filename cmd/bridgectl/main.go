package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"inference-bridge/cmd/bridgectl/commands"
)

func main() {
	// A missing .env file is fine; BRIDGE_SERVER may come from the shell.
	_ = godotenv.Load()

	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
