package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	chatsync "github.com/kabojnk/ff14-tools"
	"github.com/kabojnk/ff14-tools/sqlstore"
	"github.com/spf13/cobra"
)

var relayAddr string

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":8787", "listen address")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay and REST API server",
	Long: "Serve the WebSocket relay on /ws and the REST API on /api.\n" +
		"Messages are kept in memory unless --db points at a SQLite file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg.Log.Level)

		var store chatsync.Store
		if cfg.Default.DBPath != "" {
			s, err := sqlstore.Open(cfg.Default.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()
			store = s
		} else {
			store = chatsync.NewMemoryStore()
		}

		hub := chatsync.NewMemoryHub()
		relay := chatsync.NewRelay(hub,
			chatsync.WithRelayToken(cfg.Default.Token),
			chatsync.WithRelayLogger(logger))
		api := chatsync.NewAPIHandler(store, logger)

		r := mux.NewRouter()
		r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}).Methods(http.MethodGet)
		r.Handle("/ws", relay)
		api.Register(r.PathPrefix("/api").Subrouter())

		srv := &http.Server{
			Addr:              relayAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("relay listening", "addr", relayAddr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("relay shutting down", "connections", relay.Connections())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
