package main

import (
	"context"
	"fmt"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/client"
)

// Check for an update.
type cmdCheck struct {
	global *cmdGlobal
}

func (c *cmdCheck) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("check")
	cmd.Short = "Check for an update"
	cmd.Long = cli.FormatSection("Description", "Ask the update server whether a newer update is available, without downloading it")

	cmd.RunE = c.run

	return cmd
}

func (c *cmdCheck) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	ctx := context.Background()

	controller, err := c.global.startOffline(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = controller.Close() }()

	result, err := controller.CheckForUpdate(ctx)
	if err != nil {
		return err
	}

	switch result.Kind {
	case client.CheckResultUpdateAvailable:
		fmt.Printf("Update %s available (created %s)\n", result.Manifest.ID, result.Manifest.CreatedAt) //nolint:forbidigo
	case client.CheckResultRollBackToEmbedded:
		fmt.Printf("Roll back to the embedded update (commit time %s)\n", result.CommitTime) //nolint:forbidigo
	case client.CheckResultNoUpdateAvailable:
		fmt.Printf("No update available: %s\n", result.Reason) //nolint:forbidigo
	case client.CheckResultError:
		return fmt.Errorf("failed to check for update: %w", result.Err)
	}

	return nil
}

// startOffline starts a controller that doesn't reach out to the server on launch.
func (c *cmdGlobal) startOffline(ctx context.Context) (*client.Controller, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}

	cfg.CheckOnLaunch = api.CheckOnLaunchNever
	cfg.CheckSchedule = ""

	controller, err := c.newController(ctx, cfg, client.Options{})
	if err != nil {
		return nil, err
	}

	err = controller.Start(ctx)
	if err != nil {
		_ = controller.Close()

		return nil, err
	}

	_, err = controller.StartupResult(ctx)
	if err != nil {
		_ = controller.Close()

		return nil, err
	}

	return controller, nil
}
