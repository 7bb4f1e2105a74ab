package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	chatsync "github.com/kabojnk/ff14-tools"
	"github.com/spf13/cobra"
)

var tailHistory int

func init() {
	tailCmd.Flags().IntVar(&tailHistory, "history", chatsync.DefaultHistoryLimit, "number of messages to load on join")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Follow a channel's messages and typing activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID := args[0]
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

		msgs := chatsync.NewMessageEngine(store, transport,
			chatsync.WithLogger(logger),
			chatsync.WithHistoryLimit(tailHistory))
		defer msgs.Close()
		typing := chatsync.NewTypingEngine(transport, cfg.User.ID, cfg.User.Nickname, chatsync.WithLogger(logger))
		defer typing.Close()

		p := &tailPrinter{msgs: msgs, channelID: channelID, seen: make(map[string]string)}
		msgs.On(chatsync.EventMessagesChanged, func(_ string, payload any) {
			if payload == channelID {
				p.flush()
			}
		})
		typing.On(chatsync.EventTypingChanged, func(_ string, payload any) {
			if payload != channelID {
				return
			}
			var names []string
			for _, u := range typing.Typing(channelID) {
				names = append(names, u.Nickname)
			}
			if len(names) > 0 {
				fmt.Printf("  ... %s typing\n", strings.Join(names, ", "))
			}
		})

		if err := msgs.Join(ctx, channelID); err != nil {
			return fmt.Errorf("join %s: %w", channelID, err)
		}
		if err := typing.Join(ctx, channelID); err != nil {
			return fmt.Errorf("join typing %s: %w", channelID, err)
		}

		ids := make([]string, 0)
		for _, m := range msgs.Messages(channelID) {
			ids = append(ids, m.AuthorID)
		}
		if err := msgs.Profiles().Prime(ctx, ids); err != nil {
			logger.Debug("prime profiles failed", "error", err)
		}
		p.flush()

		<-ctx.Done()
		return nil
	},
}

// tailPrinter prints each message once, and again when its content changes.
type tailPrinter struct {
	msgs      *chatsync.MessageEngine
	channelID string

	mu   sync.Mutex
	seen map[string]string
}

func (p *tailPrinter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{})
	for _, m := range p.msgs.Messages(p.channelID) {
		live[m.ID] = struct{}{}
		prev, ok := p.seen[m.ID]
		if ok && prev == m.Text() {
			continue
		}
		p.seen[m.ID] = m.Text()
		name := authorName(p.msgs.Author(&m), m.AuthorID)
		marker := ""
		if ok || m.EditedAt != nil {
			marker = " (edited)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), name, m.Text(), marker)
	}
	for id := range p.seen {
		if _, ok := live[id]; !ok {
			delete(p.seen, id)
			fmt.Printf("  (message %s deleted)\n", id)
		}
	}
}
