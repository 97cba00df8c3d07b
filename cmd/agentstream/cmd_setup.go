package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentstream/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("agentstream setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.API.BaseURL = prompt(scanner, "Backend API base URL", cfg.API.BaseURL)
		cfg.API.TenantID = prompt(scanner, "Tenant id (optional)", cfg.API.TenantID)
		cfg.API.Token = prompt(scanner, "API token (optional)", cfg.API.Token)
		cfg.API.WorkspaceID = prompt(scanner, "Workspace id for intent sync (optional)", cfg.API.WorkspaceID)

		kind := prompt(scanner, "Transport (sse or nats)", cfg.Transport.Kind)
		if kind != "sse" && kind != "nats" {
			fmt.Printf("Unknown transport %q, using sse.\n", kind)
			kind = "sse"
		}
		cfg.Transport.Kind = kind
		if cfg.Transport.Kind == "nats" {
			cfg.Transport.NATSURL = prompt(scanner, "NATS URL", cfg.Transport.NATSURL)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
