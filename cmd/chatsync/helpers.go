package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	chatsync "github.com/kabojnk/ff14-tools"
	"github.com/kabojnk/ff14-tools/sqlstore"
)

// openStore returns the local SQLite store when a database path is set and
// the REST client otherwise. The returned func releases the store.
func openStore(cfg *Config) (chatsync.Store, func() error, error) {
	if cfg.Default.DBPath != "" {
		s, err := sqlstore.Open(cfg.Default.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no store configured: set default.base_url or pass --db")
	}
	client := chatsync.NewClient(cfg.Default.Token, chatsync.WithBaseURL(cfg.Default.BaseURL))
	return client, func() error { return nil }, nil
}

// connectRelay dials the configured relay with auto-reconnect enabled.
func connectRelay(ctx context.Context, cfg *Config, logger *slog.Logger) (*chatsync.WSTransport, error) {
	if cfg.Default.RelayURL == "" {
		return nil, fmt.Errorf("no relay configured: set default.relay_url")
	}
	t := chatsync.NewWSTransport(cfg.Default.RelayURL, &chatsync.RealtimeConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: true,
		Logger:        logger,
	})
	t.OnReconnecting(func(attempt int, delay time.Duration) {
		logger.Info("reconnecting to relay", "attempt", attempt, "delay", delay)
	})

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.Connect(dialCtx); err != nil {
		return nil, err
	}
	return t, nil
}

// requireUser fails when init has not been run.
func requireUser(cfg *Config) error {
	if cfg.User.ID == "" {
		return fmt.Errorf("no local user. Run 'chatsync init <nickname>' first")
	}
	return nil
}

func authorName(p *chatsync.Profile, fallback string) string {
	if p == nil || p.Nickname == "" {
		return fallback
	}
	return p.Nickname
}
