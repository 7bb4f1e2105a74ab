package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	chatsync "github.com/kabojnk/ff14-tools"
	"github.com/spf13/cobra"
)

var (
	sendEdit   string
	sendDelete bool
)

func init() {
	sendCmd.Flags().StringVar(&sendEdit, "edit", "", "edit the message with this id instead of sending")
	sendCmd.Flags().BoolVar(&sendDelete, "delete", false, "delete the message given by --edit")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <channel> <text>",
	Short: "Send, edit or delete a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID := args[0]
		text := strings.Join(args[1:], " ")
		if text == "" && !sendDelete {
			return fmt.Errorf("message text is required")
		}

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireUser(cfg); err != nil {
			return err
		}
		logger := newLogger(cfg.Log.Level)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		transport, err := connectRelay(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer transport.Close()

		msgs := chatsync.NewMessageEngine(store, transport, chatsync.WithLogger(logger))
		defer msgs.Close()
		if err := msgs.Join(ctx, channelID); err != nil {
			return fmt.Errorf("join %s: %w", channelID, err)
		}

		switch {
		case sendDelete:
			if sendEdit == "" {
				return fmt.Errorf("--delete needs the message id in --edit")
			}
			if err := msgs.Delete(ctx, channelID, sendEdit); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", sendEdit)
		case sendEdit != "":
			m, err := msgs.Edit(ctx, channelID, sendEdit, text)
			if err != nil {
				return err
			}
			fmt.Printf("Edited %s\n", m.ID)
		default:
			// One CLI invocation is one session.
			m, err := msgs.Send(ctx, channelID, uuid.NewString(), cfg.User.ID, text)
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", m.ID)
		}
		return nil
	},
}
