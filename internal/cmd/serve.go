package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP channel and approval API, with scheduled audit retention",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: listen_addr from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := openDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	retention, err := audit.NewRetention(d.audit, cfg.AuditRetentionDays, "")
	if err != nil {
		return err
	}
	if _, err := retention.RunOnce(time.Now()); err != nil {
		log.Warn().Err(err).Msg("initial audit retention pass failed")
	}
	retention.Start()
	defer retention.Stop()

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("LATCH_API_KEYS not set, all /v1 endpoints will return 401")
	}
	srv := server.NewServer(d.runner, d.rules, d, cfg.APIKeys,
		server.WithAudit(d.audit),
		server.WithEvidenceStore(d.evidence),
		server.WithRatchetThreshold(cfg.RatchetThreshold),
	)

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("posture", cfg.Posture().String()).
		Int("audit_retention_days", cfg.AuditRetentionDays).
		Msg("latch_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
