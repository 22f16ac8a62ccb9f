package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/nightwatch/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	v *viper.Viper
}

func (c *cli) client() *Client {
	addr := c.v.GetString("server")
	if addr == "" {
		addr = config.Default().Server.Addr
		if cfg, err := config.Load(); err == nil && cfg.Server.Addr != "" {
			addr = cfg.Server.Addr
		}
	}
	return NewClient(addr)
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "nightwatch",
		Short: "Supervise remote coding-agent sessions",
		Long: `nightwatch delegates coding work to a remote agent and keeps watch over it.

It tracks every session through its lifecycle, fans issue labels out into
batches, queues work when the remote pushes back, runs nightly evolution and
QA routines, and opens a remediation session when it sees itself fail.

Run 'nightwatch serve' to start the engine. Every other command except
config, prune and version talks to that server over HTTP.

Configuration:
  ~/.config/nightwatch/config.yaml   user config
  .nightwatch.yaml                   project overrides
  NIGHTWATCH_SERVER                  server address for client commands`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("server", "", "nightwatch server address (default from server.addr)")
	c.v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	c.v.BindEnv("server", "NIGHTWATCH_SERVER")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(c),
		newSessionCmd(c),
		newBatchCmd(c),
		newQueueCmd(c),
		newScheduleCmd(c),
		newPRCmd(c),
		newConfigCmd(),
		newPruneCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
