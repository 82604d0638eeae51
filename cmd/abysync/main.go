// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

// Command abysync runs the offline-first POS sync engine against an
// inventory server: a long-running daemon mode, a one-shot manual sync, and
// a queue status readout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Mihigojordan/Aby-Invetor-sub000/possync"
)

type cliConfig struct {
	serverURL   string
	dbPath      string
	jwtSecret   string
	userID      string
	deviceID    string
	metricsAddr string
}

func loadConfig() cliConfig {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := cliConfig{
		serverURL:   getenv("ABYSYNC_SERVER_URL", "http://localhost:8080"),
		dbPath:      getenv("ABYSYNC_DB", "abysync.db"),
		jwtSecret:   os.Getenv("ABYSYNC_JWT_SECRET"),
		userID:      getenv("ABYSYNC_USER_ID", "local-user"),
		deviceID:    os.Getenv("ABYSYNC_DEVICE_ID"),
		metricsAddr: os.Getenv("ABYSYNC_METRICS_ADDR"),
	}
	if cfg.deviceID == "" {
		cfg.deviceID = uuid.New().String()
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildEngine(cfg cliConfig, rec possync.Recorder) (*possync.Engine, *possync.Store, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := possync.OpenStore(cfg.dbPath, possync.EntityNames(possync.DefaultAdapters()), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	engineCfg := possync.DefaultConfig()
	var token possync.TokenFunc
	if cfg.jwtSecret != "" {
		token = possync.NewDeviceAuth(cfg.jwtSecret).TokenSource(cfg.userID, cfg.deviceID, 24*time.Hour)
	}
	remote := possync.NewHTTPRemote(cfg.serverURL, token, engineCfg.HTTPTimeout)

	opts := []possync.Option{possync.WithLogger(logger)}
	if rec != nil {
		opts = append(opts, possync.WithRecorder(rec))
	}
	engine, err := possync.New(store, remote, engineCfg, opts...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return engine, store, nil
}

func newRunCmd() *cobra.Command {
	var probeInterval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			var rec possync.Recorder
			if cfg.metricsAddr != "" {
				reg := prometheus.NewRegistry()
				rec = possync.NewPrometheusRecorder(reg)
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
						slog.Error("metrics server stopped", "error", err)
					}
				}()
			}

			engine, store, err := buildEngine(cfg, rec)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			monitor := possync.NewMonitor(engine, slog.Default())
			go monitor.Probe(ctx, probeInterval, func(ctx context.Context) bool {
				req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.serverURL+"/api/stockins", nil)
				if err != nil {
					return false
				}
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return false
				}
				resp.Body.Close()
				return resp.StatusCode < 500
			})

			// Assume connectivity at startup; the probe corrects us.
			monitor.Events() <- possync.EventOnline

			err = monitor.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", 15*time.Second, "connectivity probe interval")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one manual sync pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(loadConfig(), nil)
			if err != nil {
				return err
			}
			defer store.Close()

			report := engine.TriggerSync(cmd.Context())
			for _, res := range report.Results {
				line := fmt.Sprintf("%-14s applied=%d skipped=%d failed=%d evicted=%d fetched=%d",
					res.Entity, res.Applied, res.Skipped, res.Failed, res.Evicted, res.Fetched)
				if res.Err != nil {
					line += " error=" + res.Err.Error()
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return report.Err()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue depth and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(loadConfig(), nil)
			if err != nil {
				return err
			}
			defer store.Close()

			status, err := engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "abysync",
		Short:         "Offline-first sync engine for the Aby-Invetor POS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newSyncCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
