package handlers

import (
	"context"
	"time"

	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

// Processing handles job data {dataId}.
func Processing(delay time.Duration, log logx.Logger) pool.Handler {
	return func(ctx context.Context, t pool.Task) (string, error) {
		id := str(t.Data, "dataId")
		log.Info("processing data", logx.Int64("job_id", t.JobID), logx.String("data_id", id))
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
		log.Info("data processed", logx.Int64("job_id", t.JobID), logx.String("data_id", id))
		return "Data processed successfully", nil
	}
}
