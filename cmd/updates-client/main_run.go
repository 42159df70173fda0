package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/client"
)

// Run the client until interrupted.
type cmdRun struct {
	global *cmdGlobal

	flagMetrics string
}

func (c *cmdRun) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("run")
	cmd.Short = "Run the updates client"
	cmd.Long = cli.FormatSection("Description", `Run the updates client

Computes the launch result, checks for updates on launch as configured and
keeps running periodic checks until interrupted.

SIGUSR1 runs the periodic check immediately. SIGHUP re-reads the check
schedule from the configuration file.`)

	cmd.Flags().StringVar(&c.flagMetrics, "metrics", "", "Address to serve Prometheus metrics on``")

	cmd.RunE = c.run

	return cmd
}

func (c *cmdRun) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := c.global.loadConfig()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	controller, err := c.global.newController(ctx, cfg, client.Options{Registerer: registry})
	if err != nil {
		return err
	}

	defer func() { _ = controller.Close() }()

	unsubscribe := controller.Subscribe(func(event api.StateChangeEvent) {
		slog.InfoContext(ctx, "State changed", "event", event.Type, "state", event.State, "sequence", event.Context.SequenceNumber)
	})
	defer unsubscribe()

	// Serve metrics.
	if c.flagMetrics != "" {
		server := &http.Server{
			Addr:              c.flagMetrics,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "Metrics server failed", "err", err)
			}
		}()

		defer func() { _ = server.Close() }()
	}

	err = controller.Start(ctx)
	if err != nil {
		return err
	}

	result, err := controller.StartupResult(ctx)
	if err != nil {
		return err
	}

	if result.Emergency {
		return errors.New("no usable update: " + result.Err.Error())
	}

	slog.InfoContext(ctx, "Launch result ready", "update", result.Launch.LaunchedUpdate.ID, "launch_asset", result.Launch.LaunchAssetPath, "embedded", result.Launch.IsUsingEmbeddedAssets)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGUSR1)

	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(context.Background(), "Shutting down")

			return nil

		case sig := <-signals:
			c.handleSignal(ctx, controller, sig)
		}
	}
}

func (c *cmdRun) handleSignal(ctx context.Context, controller *client.Controller, sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		err := controller.RunPeriodicCheck()
		if err != nil {
			slog.WarnContext(ctx, "Unable to run the periodic check", "err", err)
		}

	case syscall.SIGHUP:
		cfg, err := c.global.loadConfig()
		if err != nil {
			slog.WarnContext(ctx, "Unable to reload the configuration", "err", err)

			return
		}

		err = controller.SetCheckSchedule(ctx, cfg.CheckSchedule)
		if err != nil {
			slog.WarnContext(ctx, "Unable to update the check schedule", "err", err)
		}
	}
}
