// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command auditmcp serves the iterative code-audit workflow over
// JSON-RPC 2.0 on stdio. Diagnostics go to stderr and optional log
// files; stdout carries protocol traffic only.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/AleutianAI/AleutianAudit/pkg/logging"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
	"github.com/AleutianAI/AleutianAudit/services/audit/httpapi"
	"github.com/AleutianAI/AleutianAudit/services/audit/mcp"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		logLevel      string
		enableMetrics bool
	)

	root := &cobra.Command{
		Use:           "auditmcp",
		Short:         "Iterative code-audit service (JSON-RPC 2.0 over stdio)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, enableMetrics)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&enableMetrics, "metrics", false, "emit OpenTelemetry metrics to stderr")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "auditmcp %s\n", version)
		},
	})

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit_thought tool on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, enableMetrics)
		},
	}
	root.AddCommand(serve)

	return root
}

// runServe is the main service loop: config, logging, engine, MCP
// stdio server, optional HTTP sidecar, graceful shutdown.
func runServe(configPath, logLevel string, enableMetrics bool) error {
	// Local overrides for development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		// Invalid configuration is fatal at startup by contract.
		fmt.Fprintf(os.Stderr, "auditmcp: %v\n", err)
		os.Exit(1)
	}

	// Interactive terminals get readable text; pipes get JSON.
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  cfg.LogDir,
		Service: "auditmcp",
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer func() { _ = logger.Close() }()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var meterShutdown func(context.Context) error
	if enableMetrics {
		meterShutdown, err = setupMetrics()
		if err != nil {
			log.Warn("Metrics setup failed, continuing without",
				slog.String("error", err.Error()))
		}
	}

	eng, err := engine.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditmcp: %v\n", err)
		os.Exit(1)
	}
	eng.Start(ctx)

	if !eng.AuditorAvailable(ctx) {
		log.Warn("Auditor executable not responding; audits will fail until it is available",
			slog.String("executable", cfg.Auditor.Executable))
	}

	var httpSrv *httpapi.Server
	if cfg.HTTPAddr != "" {
		httpSrv = httpapi.NewServer(eng, cfg.HTTPAddr, log)
		go func() {
			if err := httpSrv.Start(); err != nil {
				log.Error("HTTP sidecar failed", slog.String("error", err.Error()))
			}
		}()
	}

	log.Info("Serving audit_thought on stdio",
		slog.String("version", version),
		slog.String("state_dir", cfg.Sessions.StateDir),
		slog.Int("max_concurrent_audits", cfg.Queue.MaxConcurrent),
	)

	server := mcp.NewServer(eng, version, log)
	serveErr := server.Serve(ctx, os.Stdin, os.Stdout)

	// Shutdown: stop accepting, drain in-flight work, report leaks.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP sidecar shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := eng.Close(); err != nil {
		log.Warn("Engine shutdown reported an error", slog.String("error", err.Error()))
	}
	if meterShutdown != nil {
		if err := meterShutdown(shutdownCtx); err != nil {
			log.Warn("Metrics shutdown failed", slog.String("error", err.Error()))
		}
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	log.Info("Shutdown complete")
	return nil
}

// setupMetrics installs a periodic stderr metrics exporter.
func setupMetrics() (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "auditmcp"),
			attribute.String("service.version", version),
		)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
