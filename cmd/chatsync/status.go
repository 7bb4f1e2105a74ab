package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and relay reachability",
	Long:  "Display the effective configuration and, when a relay is configured, connect and ping it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Relay URL: %s\n", valueOrDefault(cfg.Default.RelayURL, "(not set)"))
		fmt.Printf("  Database:  %s\n", valueOrDefault(cfg.Default.DBPath, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		fmt.Println()
		fmt.Println("User:")
		if cfg.User.ID != "" {
			fmt.Printf("  Nickname:  %s\n", cfg.User.Nickname)
			fmt.Printf("  User ID:   %s\n", cfg.User.ID)
		} else {
			fmt.Println("  (not initialized)")
		}

		if cfg.Default.RelayURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Relay:")
		logger := newLogger(cfg.Log.Level)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		t, err := connectRelay(ctx, cfg, logger)
		if err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		defer t.Close()

		start := time.Now()
		if err := t.Ping(ctx); err != nil {
			fmt.Printf("  Ping failed: %v\n", err)
			return nil
		}
		fmt.Printf("  Connection: %s\n", t.ConnectionID())
		fmt.Printf("  Round trip: %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
