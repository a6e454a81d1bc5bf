package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"emberq/app"
)

// RegisterHandlers is the extension point for binaries that embed this CLI
// with their own task set. The stock binary ships only the debug echo
// handler.
var RegisterHandlers = func(c *app.Container) error {
	return c.Registry.Register("debug.echo", func(ctx context.Context, payload json.RawMessage) error {
		c.Log.Info().RawJSON("payload", orNull(payload)).Msg("echo")
		return nil
	})
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool, scheduler and monitor as one instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		container, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer container.Close()

		if err := RegisterHandlers(container); err != nil {
			return err
		}
		log.Info().Strs("handlers", container.Registry.List()).Msg("handlers registered")

		if flagSchedules != "" {
			if err := registerSchedules(ctx, container); err != nil {
				return err
			}
		}

		return ignoreSignalExit(container.Controller.Run(ctx))
	},
}

func init() {
	workerCmd.Flags().StringVar(&flagSchedules, "schedules", "", "YAML file of recurring job definitions")
}

func orNull(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return payload
}

// ignoreSignalExit maps a signal-driven shutdown to a clean exit code.
func ignoreSignalExit(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
