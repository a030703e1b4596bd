// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command autoscaler wires the orchestrator and resource-manager
// gateways, the sampling/policy control loop, and the side health/
// metrics endpoint, then runs until a shutdown signal arrives.
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

	"github.com/spf13/cobra"

	"marathon-autoscaler/internal/audit"
	"marathon-autoscaler/internal/config"
	"marathon-autoscaler/internal/health"
	"marathon-autoscaler/internal/httpclient"
	"marathon-autoscaler/internal/logger"
	"marathon-autoscaler/internal/orchestrator"
	"marathon-autoscaler/internal/policy"
	"marathon-autoscaler/internal/resourcemanager"
	"marathon-autoscaler/internal/samplering"
	"marathon-autoscaler/internal/sampling"
	"marathon-autoscaler/internal/supervisor"
	"marathon-autoscaler/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
		port0      int
	)

	cmd := &cobra.Command{
		Use:     "autoscaler",
		Short:   "Closed-loop CPU/memory autoscaler for Marathon applications",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, debug, port0)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "autoscaler.yaml", "path to the YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().IntVar(&port0, "port0", 0, "health/metrics listen port (overrides config/PORT0 if nonzero)")

	return cmd
}

func run(configPath string, debugFlag bool, port0Flag int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if debugFlag {
		cfg.Debug = true
	}
	if port0Flag != 0 {
		cfg.Port0 = port0Flag
	}

	logLevel := cfg.LogLevel
	if cfg.Debug {
		logLevel = "debug"
	}
	logger.Init(logLevel)
	logger.Info("starting autoscaler: config_source=%s marathon_url=%s mesos_url=%s port0=%d", cfg.ConfigSource, cfg.MarathonURL, cfg.MesosURL, cfg.Port0)

	metrics := telemetry.Get()
	checker := health.NewChecker()

	auditLogger, err := audit.NewLogger(audit.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to start audit logger: %w", err)
	}
	defer auditLogger.Close()

	var tokenSource orchestrator.TokenSource
	if cfg.ServiceAccount != nil && cfg.ServiceAccount.PrivateKeyPath != "" {
		jwtClient := httpclient.New(cfg.InsecureSkipVerify, 5*time.Second)
		ts, err := orchestrator.NewServiceAccountTokenSource(cfg.ServiceAccount.AccountID, cfg.ServiceAccount.PrivateKeyPath, cfg.ServiceAccount.LoginEndpoint, jwtClient)
		if err != nil {
			return fmt.Errorf("failed to configure service-account auth: %w", err)
		}
		tokenSource = ts
	}

	orchGateway := orchestrator.New(orchestrator.Config{
		URL:                cfg.MarathonURL,
		User:               cfg.MarathonUser,
		Pass:               cfg.MarathonPass,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RequestTimeout:     5 * time.Second,
		TokenSource:        tokenSource,
	}, metrics)

	resGateway := resourcemanager.New(resourcemanager.Config{
		URL:                cfg.MesosURL,
		User:               cfg.MesosUser,
		Pass:               cfg.MesosPass,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RequestTimeout:     5 * time.Second,
	}, metrics)

	ring := samplering.NewRing()
	sampler := sampling.New(orchGateway, resGateway, ring, nil, metrics)
	engine := policy.New(orchGateway, resGateway, metrics, auditLogger)
	loop := supervisor.New(orchGateway, sampler, engine, ring, checker, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthServer := health.NewServer(cfg.Port0, checker)
	go func() {
		logger.Info("health/metrics server listening on :%d", cfg.Port0)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal %v, shutting down", sig)
		cancel()
	}()

	checker.UpdateComponentStatus("supervisor", true, "running")
	loop.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error: %v", err)
	}

	logger.Info("autoscaler stopped")
	return nil
}
