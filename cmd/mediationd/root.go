// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/config"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/mediation"
	"github.com/luxfi/mediation/pkg/metric"
	"github.com/luxfi/mediation/pkg/tracing"
)

const (
	serviceName     = "mediationd"
	shutdownTimeout = 10 * time.Second
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Ad mediation engine daemon",
		Long:          "mediationd runs the waterfall mediation engine configured from MEDIATION_* environment variables and serves its diagnostics and kill switch API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newLoadCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit: %s, built: %s)\n", serviceName, Version, GitCommit, BuildTime)
			return err
		},
	}
}

// app is everything a command needs, built from the environment
type app struct {
	cfg     config.Config
	log     log.Logger
	metrics *metric.Metrics
	engine  *mediation.Engine
}

func wireApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := log.NewWithLevel(cfg.LogLevel)

	m, err := metric.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	engine, err := mediation.New(cfg,
		mediation.WithLogger(logger),
		mediation.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	if err := engine.Initialize(ctx); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: logger, metrics: m, engine: engine}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := wireApp(ctx)
	if err != nil {
		return err
	}
	defer a.engine.Close()

	shutdownTracing, err := tracing.Setup(ctx, serviceName, a.cfg.OTLPEndpoint, a.cfg.TraceSampleRatio)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.log.Warn("tracing shutdown failed", log.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.DiagnosticsAddr,
		Handler:           NewServer(a.engine, a.metrics, a.log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("diagnostics api listening", log.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.engine.Flusher().Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newLoadCmd() *cobra.Command {
	var (
		format  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "load <placement>",
		Short: "Run one waterfall for a placement and print the attempt trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.engine.Close()

			f, err := auction.ParseFormat(format)
			if err != nil {
				return err
			}
			task, err := a.engine.Load(args[0], f)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := task.Wait(ctx)
			if err != nil {
				task.Cancel()
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(newLoadResponse(res)); err != nil {
				return err
			}
			return res.Err
		},
	}
	cmd.Flags().StringVar(&format, "format", string(auction.FormatInterstitial), "ad format: interstitial, rewarded or banner")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the load to settle")
	return cmd
}
