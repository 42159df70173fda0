package main

import (
	"context"
	"os"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lxc/updates-client/api"
)

// Show the local state.
type cmdStatus struct {
	global *cmdGlobal
}

type statusLaunch struct {
	Update          string            `yaml:"update"`
	CommitTime      string            `yaml:"commit_time"`
	LaunchAssetPath string            `yaml:"launch_asset_path"`
	AssetPaths      map[string]string `yaml:"asset_paths,omitempty"`
	Embedded        bool              `yaml:"embedded"`
}

type statusOutput struct {
	State        api.UpdatesStateValue `yaml:"state"`
	LastEvent    api.StateEventType    `yaml:"last_event"`
	RestartCount int                   `yaml:"restart_count"`
	Launch       *statusLaunch         `yaml:"launch,omitempty"`
	LaunchError  string                `yaml:"launch_error,omitempty"`
	ExtraParams  map[string]string     `yaml:"extra_params,omitempty"`
}

func (c *cmdStatus) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("status")
	cmd.Short = "Show the local update state"
	cmd.Long = cli.FormatSection("Description", "Show which update would be launched along with the state machine snapshot")

	cmd.RunE = c.run

	return cmd
}

func (c *cmdStatus) run(cmd *cobra.Command, args []string) error {
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

	event := controller.State()

	out := statusOutput{
		State:        event.State,
		LastEvent:    event.Type,
		RestartCount: event.Context.RestartCount,
	}

	launch, err := controller.LaunchResult()
	if err != nil {
		out.LaunchError = err.Error()
	} else if launch != nil {
		out.Launch = &statusLaunch{
			LaunchAssetPath: launch.LaunchAssetPath,
			AssetPaths:      launch.AssetPaths,
			Embedded:        launch.IsUsingEmbeddedAssets,
		}

		if launch.LaunchedUpdate != nil {
			out.Launch.Update = launch.LaunchedUpdate.ID
			out.Launch.CommitTime = launch.LaunchedUpdate.CommitTime.String()
		}
	}

	out.ExtraParams, err = controller.ExtraParams(ctx)
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)

	err = encoder.Encode(out)
	if err != nil {
		return err
	}

	return encoder.Close()
}
