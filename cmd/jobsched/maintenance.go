package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/task/reclaim"
	logx "jobsched/pkg/logx"
)

func newReclaimCmd(f *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Release locks held longer than the lock timeout (one sweep)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, s, log, err := openStore(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := s.Reclaim
			if timeout > 0 {
				cfg.Timeout = timeout
			}
			r := reclaim.New(cfg, st, log.With(logx.String("comp", "reclaim")), nil)
			n, err := r.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d job(s) locked longer than %s\n", n, r.Timeout())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override reclaim.lock_timeout")
	return cmd
}

func newMigrateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the job store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _, _, err := openStore(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", st.Driver())
			return nil
		},
	}
}
