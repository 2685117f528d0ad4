package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

type WebhookConfig struct {
	Timeout time.Duration
	// Retries are transport-level retries inside one attempt; job-level
	// retries still apply on top.
	Retries int
}

var errNoURL = errors.New("webhook: url required")

// Webhook handles job data {url, method, body, headers}. Any non-2xx
// response fails the attempt.
func Webhook(cfg WebhookConfig, log logx.Logger) pool.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(max(cfg.Retries, 0)).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("User-Agent", "jobsched-webhook/1")

	return func(ctx context.Context, t pool.Task) (string, error) {
		url := str(t.Data, "url")
		if url == "" {
			return "", errNoURL
		}
		method := strings.ToUpper(str(t.Data, "method"))
		if method == "" {
			method = http.MethodPost
		}
		req := client.R().SetContext(ctx).SetHeader("X-Job-Id", fmt.Sprint(t.JobID))
		if h, ok := t.Data["headers"].(map[string]any); ok {
			for k, v := range h {
				req.SetHeader(k, fmt.Sprint(v))
			}
		}
		if b, ok := t.Data["body"]; ok && b != nil && method != http.MethodGet {
			req.SetBody(b)
		}
		resp, err := req.Execute(method, url)
		if err != nil {
			return "", fmt.Errorf("webhook %s %s: %w", method, url, err)
		}
		if resp.IsError() || resp.StatusCode() >= 300 {
			return "", fmt.Errorf("webhook %s %s: status %d", method, url, resp.StatusCode())
		}
		log.Debug("webhook delivered", logx.Int64("job_id", t.JobID), logx.Int("status", resp.StatusCode()),
			logx.Duration("took", resp.Time()))
		return fmt.Sprintf("HTTP %d", resp.StatusCode()), nil
	}
}
