package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	initToken    string
	initBaseURL  string
	initRelayURL string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token for the API and relay")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST API base URL")
	initCmd.Flags().StringVar(&initRelayURL, "relay-url", "", "relay WebSocket URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <nickname>",
	Short: "Store the local identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI with a nickname. A user id is generated on first run and kept afterwards.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.User.Nickname = args[0]
		if cfg.User.ID == "" {
			cfg.User.ID = uuid.NewString()
		}
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initRelayURL != "" {
			cfg.Default.RelayURL = initRelayURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity %s (%s) saved to %s\n", cfg.User.Nickname, cfg.User.ID, path)
		return nil
	},
}
