package main

import (
	"context"
	"fmt"
	"log/slog"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"

	"github.com/lxc/updates-client/client"
)

// Download an update.
type cmdFetch struct {
	global *cmdGlobal

	flagRelaunch bool
}

func (c *cmdFetch) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("fetch")
	cmd.Short = "Download an update"
	cmd.Long = cli.FormatSection("Description", "Download the newest update if the selection policy accepts it")

	cmd.Flags().BoolVar(&c.flagRelaunch, "relaunch", false, "Reload the host onto the downloaded update")

	cmd.RunE = c.run

	return cmd
}

func (c *cmdFetch) run(cmd *cobra.Command, args []string) error {
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

	result, err := controller.FetchUpdate(ctx, func(p client.Progress) {
		slog.InfoContext(ctx, "Downloaded asset", "asset", p.Key, "loaded", p.Loaded, "total", p.Total)
	})
	if err != nil {
		return err
	}

	switch result.Kind {
	case client.FetchResultSuccess:
		fmt.Printf("Update %s downloaded\n", result.Manifest.ID) //nolint:forbidigo
	case client.FetchResultRollBackToEmbedded:
		fmt.Println("Rolled back to the embedded update") //nolint:forbidigo
	case client.FetchResultFailure:
		fmt.Println("Nothing to download") //nolint:forbidigo

		return nil
	case client.FetchResultError:
		return fmt.Errorf("failed to download update: %w", result.Err)
	}

	if !c.flagRelaunch {
		return nil
	}

	return controller.Relaunch(ctx, "update downloaded")
}
