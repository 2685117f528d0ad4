package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/config"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "jobsched",
		Short:         "Persistent job scheduler with retries and a bounded worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(f.envFile)
		},
		// Without a subcommand the scheduler runs.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./config.yaml", "path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "optional dotenv file loaded before env overrides")

	root.AddCommand(
		newServeCmd(f),
		newJobCmd(f),
		newReclaimCmd(f),
		newMigrateCmd(f),
	)
	return root
}

// loadSettings resolves config for one-shot commands. Logs go to stderr so
// stdout stays machine readable.
func loadSettings(f *rootFlags) (config.Settings, logx.Logger, error) {
	_, s, err := config.NewConfigManager(f.configPath).Load()
	if err != nil {
		return config.Settings{}, logx.Logger{}, err
	}
	level := s.Logging.Level
	if level == "" {
		level = "warn"
	}
	return s, logx.NewWriter(logx.Stderr(), level), nil
}

func openStore(ctx context.Context, f *rootFlags) (*storage.Store, config.Settings, logx.Logger, error) {
	s, log, err := loadSettings(f)
	if err != nil {
		return nil, s, log, err
	}
	st, err := app.OpenStore(ctx, s, log)
	return st, s, log, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
