package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"emberq/app"
	"emberq/types"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run only the periodic scheduler (no worker slots)",
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

		if flagSchedules != "" {
			if err := registerSchedules(ctx, container); err != nil {
				return err
			}
		}

		return ignoreSignalExit(container.Scheduler.Run(ctx))
	},
}

func init() {
	schedulerCmd.Flags().StringVar(&flagSchedules, "schedules", "", "YAML file of recurring job definitions")
}

// scheduleFile is the operator-facing YAML shape. Payload is a YAML string
// holding JSON, so files stay editable without double encoding.
type scheduleFile struct {
	Schedules []struct {
		Name        string `yaml:"name"`
		Spec        string `yaml:"spec"`
		Queue       string `yaml:"queue"`
		Handler     string `yaml:"handler"`
		Payload     string `yaml:"payload"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"schedules"`
}

func registerSchedules(ctx context.Context, container *app.Container) error {
	raw, err := os.ReadFile(flagSchedules)
	if err != nil {
		return fmt.Errorf("schedules file: %w", err)
	}
	var file scheduleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("schedules file %s: %w", flagSchedules, err)
	}

	for _, def := range file.Schedules {
		entry := &types.ScheduleEntry{
			Name:        def.Name,
			Spec:        def.Spec,
			Queue:       def.Queue,
			Handler:     def.Handler,
			MaxAttempts: def.MaxAttempts,
		}
		if def.Payload != "" {
			if !json.Valid([]byte(def.Payload)) {
				return fmt.Errorf("schedule %q: payload is not valid JSON", def.Name)
			}
			entry.Payload = json.RawMessage(def.Payload)
		}
		if err := container.Scheduler.Register(ctx, entry); err != nil {
			return fmt.Errorf("schedule %q: %w", def.Name, err)
		}
		container.Log.Info().Str("schedule", def.Name).Str("spec", def.Spec).Msg("schedule registered")
	}
	return nil
}
