package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/job"
)

func newJobCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create, inspect and delete jobs",
	}
	cmd.AddCommand(newJobCreateCmd(f), newJobListCmd(f), newJobGetCmd(f), newJobDeleteCmd(f))
	return cmd
}

func newJobCreateCmd(f *rootFlags) *cobra.Command {
	var (
		spec       job.Spec
		maxRetries int
		data       string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a one-shot or recurring job",
		Example: `  jobsched job create --name welcome --type email --data '{"to":["a@example.com"],"subject":"Hi"}'
  jobsched job create --name nightly --type processing --cron "0 2 * * *" --data '{"dataId":"42"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("max-retries") {
				spec.MaxRetries = &maxRetries
			}
			if strings.TrimSpace(data) != "" {
				if err := json.Unmarshal([]byte(data), &spec.Data); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			st, s, log, err := openStore(ctx, f)
			if err != nil {
				return err
			}
			defer st.Close()

			reg, err := app.NewRegistry(ctx, s, log)
			if err != nil {
				return err
			}
			if !reg.Has(strings.TrimSpace(spec.Type)) {
				return fmt.Errorf("%w (known: %s)", job.UnknownType(spec.Type), strings.Join(reg.Types(), ", "))
			}
			j, err := st.Create(ctx, spec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&spec.Name, "name", "", "job name")
	fl.StringVar(&spec.Type, "type", "", "job type (email, processing, webhook)")
	fl.StringVar(&spec.CronSchedule, "cron", "", "cron expression for recurring jobs")
	fl.IntVar(&spec.Priority, "priority", 0, "higher runs first")
	fl.IntVar(&maxRetries, "max-retries", job.DefaultMaxRetries, "attempts before the job is marked failed")
	fl.StringVar(&data, "data", "", "job data as a JSON object")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newJobListCmd(f *rootFlags) *cobra.Command {
	var (
		status string
		filter job.Filter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = job.Status(strings.TrimSpace(status))
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("--status must be pending, completed or failed")
			}
			st, _, _, err := openStore(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				if jobs == nil {
					jobs = []job.Job{}
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tRETRIES\tNEXT RUN\tLOCKED")
			for _, j := range jobs {
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%v\n",
					j.ID, j.Name, j.Type, j.Status, j.RetryCount, j.MaxRetries, next, j.IsLocked)
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "filter by status")
	fl.IntVar(&filter.Limit, "limit", 50, "max rows")
	fl.IntVar(&filter.Offset, "offset", 0, "rows to skip")
	fl.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

func newJobGetCmd(f *rootFlags) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, _, _, err := openStore(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer st.Close()

			j, err := st.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if history <= 0 {
				return printJSON(cmd.OutOrStdout(), j)
			}
			hist, err := st.ListHistory(cmd.Context(), id, history)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				job.Job
				History []job.History `json:"history"`
			}{j, hist})
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "include the last N history records")
	return cmd
}

func newJobDeleteCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, _, _, err := openStore(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d deleted\n", id)
			return nil
		},
	}
}
