package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/internal/ipc"
	"taskd/internal/task"
	"taskd/internal/workerpool"
	"taskd/internal/workers"
	"taskd/pkg/logx"
)

const configEnv = "TASKD_CONFIG"

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "taskd",
		Short: "Single-host persistent task scheduler",
		Long: `taskd keeps a durable list of tasks and runs each one in its own process
when it becomes due. One-shot tasks expire after they finish; tasks with a
redo interval are re-armed.

Examples:
  taskd serve --config /etc/taskd/taskd.yaml
  taskd submit echo --opt msg=hello
  taskd submit sleep --opt seconds=30 --at 5m --redo 1h
  taskd list --status doing
  taskd cancel <id>`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(configEnv),
		"config file (.json, .yaml); env "+configEnv)

	root.AddCommand(
		c.serveCmd(),
		c.submitCmd(),
		c.listCmd(),
		c.cancelCmd(),
		c.abortCmd(),
		c.contextCmd(),
		execWorkerCmd(),
	)
	return root
}

// registry holds every worker this binary can run. The daemon and the
// exec-worker child must build the same one.
func registry() (*task.Registry, error) {
	reg := task.NewRegistry()
	if err := workers.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (c *cli) client() (*ipc.Client, error) {
	cfg, err := app.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	return app.Client(cfg)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the worker pool",
		Long: `Run the daemon in the foreground.

SIGHUP re-reads the config and re-runs the bootstrap hooks. SIGTERM drains:
nothing new is dispatched and the daemon exits once no task is scheduled,
queued or running. A second SIGTERM, or SIGABRT, kills running tasks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry()
			if err != nil {
				return err
			}
			// Signals drive shutdown; the context is never canceled.
			ctx := context.Background()
			a, err := app.New(ctx, c.configPath, reg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func execWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "exec-worker",
		Short:  "Run one task read from stdin (used by the worker pool)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry()
			if err != nil {
				return err
			}
			out, err := workerpool.ResultFile()
			if err != nil {
				return err
			}
			code := workerpool.RunChild(cmd.Context(), reg, os.Stdin, out, logx.NewWriter(os.Stderr, "warn"))
			_ = out.Close()
			os.Exit(code)
			return nil
		},
	}
}
