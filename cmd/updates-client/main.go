// Package main is used for the updates client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/lxc/incus/v6/shared/subprocess"
	"github.com/spf13/cobra"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/client"
	"github.com/lxc/updates-client/internal/config"
)

var version = "dev"

type cmdGlobal struct {
	flagHelp      bool
	flagVersion   bool
	flagConfig    string
	flagDatabase  string
	flagReloadCmd string
	flagDebug     bool
}

func main() {
	// Global flags.
	globalCmd := cmdGlobal{}

	app := &cobra.Command{
		Use:   "updates-client",
		Short: "Over-the-air updates client",
		Long: cli.FormatSection("Description",
			"Over-the-air updates client\n\nThis tool checks an update server for newer application bundles, downloads them and tells the host which bundle to launch."),
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: globalCmd.preRun,
		RunE:              globalCmd.run,
	}

	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help command")
	app.PersistentFlags().BoolVarP(&globalCmd.flagVersion, "version", "v", false, "Print binary version")
	app.PersistentFlags().BoolVarP(&globalCmd.flagDebug, "debug", "d", false, "Show debug messages")
	app.PersistentFlags().StringVarP(&globalCmd.flagConfig, "config", "c", "/etc/updates-client/config.yaml", "Path to the configuration file")
	app.PersistentFlags().StringVar(&globalCmd.flagDatabase, "database", "", "Path to the update database (defaults to the updates directory)")
	app.PersistentFlags().StringVar(&globalCmd.flagReloadCmd, "reload-command", "", "Command run to reload the host application")

	// Run.
	runCmd := cmdRun{global: &globalCmd}
	app.AddCommand(runCmd.command())

	// Check.
	checkCmd := cmdCheck{global: &globalCmd}
	app.AddCommand(checkCmd.command())

	// Fetch.
	fetchCmd := cmdFetch{global: &globalCmd}
	app.AddCommand(fetchCmd.command())

	// Status.
	statusCmd := cmdStatus{global: &globalCmd}
	app.AddCommand(statusCmd.command())

	// Help handling.
	app.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	// Run the main command and handle errors.
	err := app.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func (c *cmdGlobal) preRun(_ *cobra.Command, _ []string) error {
	// Prepare a logger.
	level := slog.LevelInfo
	if c.flagDebug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return nil
}

func (c *cmdGlobal) run(cmd *cobra.Command, _ []string) error {
	if c.flagVersion {
		_, _ = fmt.Println("updates-client version " + version) //nolint:forbidigo

		return nil
	}

	return cmd.Usage()
}

// loadConfig reads the configuration file.
func (c *cmdGlobal) loadConfig() (*api.UpdatesConfig, error) {
	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return nil, errors.New("configuration file '" + c.flagConfig + "' doesn't exist")
		}

		return nil, err
	}

	return cfg, nil
}

// newController loads the configuration and wires a controller for it.
func (c *cmdGlobal) newController(ctx context.Context, cfg *api.UpdatesConfig, opts client.Options) (*client.Controller, error) {
	opts.Config = cfg
	opts.DatabasePath = c.flagDatabase
	opts.Host = &commandHost{command: c.flagReloadCmd}

	return client.New(ctx, opts)
}

// commandHost reloads the host application by running a command.
type commandHost struct {
	command string
}

func (h *commandHost) Reload(ctx context.Context, reason string) error {
	if h.command == "" {
		slog.InfoContext(ctx, "Host reload requested", "reason", reason)

		return nil
	}

	fields := strings.Fields(h.command)

	_, err := subprocess.RunCommandContext(ctx, fields[0], append(fields[1:], reason)...)
	if err != nil {
		return fmt.Errorf("failed to run reload command: %w", err)
	}

	slog.InfoContext(ctx, "Host reloaded", "reason", reason)

	return nil
}
