// Copyright 2025 The Vigil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// vigild is the watched-workflow automation daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/config"
	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/log"
	"github.com/vigil-sh/vigil/internal/manager"
	"github.com/vigil-sh/vigil/internal/metrics"
	"github.com/vigil-sh/vigil/internal/server"
	"github.com/vigil-sh/vigil/internal/store/sqlite"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "vigild",
		Short:        "Watched-workflow automation daemon",
		Long:         "vigild schedules, triggers and executes browser-driven workflows,\ndetects page changes and dispatches post-run actions.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vigild %s (%s)\n", version, commit)
		},
	})

	return root
}

func run(configPath string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	backend, err := sqlite.New(sqlite.Config{Path: cfg.DatabasePath, WAL: true, Bus: bus})
	if err != nil {
		return err
	}
	defer backend.Close()

	collector := metrics.NewCollector()
	collector.Attach(bus)
	defer collector.Detach()

	// The real browser driver attaches out of process; the stub serves
	// deployments running without one.
	b := browser.NewStub()
	defer b.Close()

	m := manager.New(manager.Config{
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		MaxConcurrentSteps:     cfg.MaxConcurrentSteps,
		DetectionInterval:      cfg.DetectionInterval,
		RetentionDays:          cfg.RetentionDays,
		Logger:                 logger,
	}, backend, bus, b)
	m.Pipeline().ExportDir = cfg.ExportDir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	srv := server.New(m, collector.Handler(), logger)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Listen))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
