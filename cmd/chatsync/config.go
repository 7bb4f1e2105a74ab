package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after environment and flag overrides. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'chatsync init <nickname>' to create one.")
		}
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Print(renderConfig(cfg))
		return nil
	},
}

// renderConfig formats cfg section by section using the keys config set
// accepts.
func renderConfig(cfg *Config) string {
	token := "(unset)"
	if cfg.Default.Token != "" {
		token = maskKey(cfg.Default.Token)
	}
	sections := []struct {
		name   string
		fields [][2]string
	}{
		{"default", [][2]string{
			{"base_url", valueOrDefault(cfg.Default.BaseURL, "(unset)")},
			{"relay_url", valueOrDefault(cfg.Default.RelayURL, "(unset)")},
			{"token", token},
			{"db_path", valueOrDefault(cfg.Default.DBPath, "(unset)")},
		}},
		{"user", [][2]string{
			{"id", valueOrDefault(cfg.User.ID, "(unset)")},
			{"nickname", valueOrDefault(cfg.User.Nickname, "(unset)")},
		}},
		{"log", [][2]string{
			{"level", valueOrDefault(cfg.Log.Level, "info")},
		}},
	}

	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", sec.name)
		for _, f := range sec.fields {
			fmt.Fprintf(&b, "%-10s = %s\n", f[0], f[1])
		}
	}
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.relay_url ws://localhost:8787/ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
