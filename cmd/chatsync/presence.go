package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	chatsync "github.com/kabojnk/ff14-tools"
	"github.com/spf13/cobra"
)

var (
	presenceStatus string
	presenceText   string
	presenceEmoji  string
)

func init() {
	presenceCmd.Flags().StringVar(&presenceStatus, "status", "", "initial status (online, away, offline); defaults to the stored profile status")
	presenceCmd.Flags().StringVar(&presenceText, "text", "", "custom status text")
	presenceCmd.Flags().StringVar(&presenceEmoji, "emoji", "", "custom status emoji")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Join presence and print roster changes",
	Long: "Track the local user on the presence topic and print the roster on every change.\n" +
		"Each line read from stdin counts as activity. A line of \"/online\", \"/away\" or\n" +
		"\"/offline\" sets that status manually.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireUser(cfg); err != nil {
			return err
		}
		logger := newLogger(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport, err := connectRelay(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer transport.Close()

		opts := []chatsync.Option{chatsync.WithLogger(logger)}
		var store chatsync.Store
		if s, closeStore, err := openStore(cfg); err == nil {
			defer closeStore()
			store = s
			if ss, ok := s.(chatsync.StatusStore); ok {
				opts = append(opts, chatsync.WithStatusStore(ss))
			}
		}
		presence := chatsync.NewPresenceEngine(transport, opts...)
		presence.On(chatsync.EventPresenceChanged, func(string, any) {
			printRoster(presence.Users())
		})

		status := chatsync.NormalizeStatus(presenceStatus)
		if !cmd.Flags().Changed("status") {
			// Starting a session must not overwrite a stored invisible choice.
			status = storedStatus(ctx, store, cfg.User.ID, logger)
		}
		if err := presence.InitSession(ctx, cfg.User.ID, status, optional(presenceText), optional(presenceEmoji)); err != nil {
			return err
		}
		defer presence.Cleanup()

		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if strings.HasPrefix(line, "/") {
					s := chatsync.NormalizeStatus(strings.TrimPrefix(line, "/"))
					if err := presence.UpdatePresence(ctx, s, optional(presenceText), optional(presenceEmoji), true); err != nil {
						logger.Warn("update presence failed", "error", err)
					}
					continue
				}
				presence.Activity(ctx)
			}
		}()

		<-ctx.Done()
		return nil
	},
}

// storedStatus returns the status persisted on the user's profile, or
// online when there is no store or no profile.
func storedStatus(ctx context.Context, store chatsync.Store, userID string, logger *slog.Logger) chatsync.Status {
	if store == nil {
		return chatsync.StatusOnline
	}
	profiles, err := store.FetchProfiles(ctx, []string{userID})
	if err != nil {
		logger.Warn("fetch stored status failed", "user_id", userID, "error", err)
		return chatsync.StatusOnline
	}
	for _, p := range profiles {
		if p.ID == userID {
			return chatsync.NormalizeStatus(string(p.Status))
		}
	}
	return chatsync.StatusOnline
}

func printRoster(users map[string]chatsync.PresenceUser) {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("Roster:")
	for _, id := range ids {
		u := users[id]
		line := fmt.Sprintf("  %-8s %s", u.Status, id)
		if u.CustomStatusEmoji != nil {
			line += " " + *u.CustomStatusEmoji
		}
		if u.CustomStatusText != nil {
			line += " " + *u.CustomStatusText
		}
		fmt.Println(line)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
