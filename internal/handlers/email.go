package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

type EmailConfig struct {
	// SES sends through Amazon SES using the default AWS credential chain.
	SES    bool
	Region string
	From   string
}

type Message struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

var errNoRecipient = errors.New("email: no recipient")

// Email handles job data {to, subject, body, html}. Without a sender it logs
// the subject and waits delay.
func Email(delay time.Duration, from string, sender Sender, log logx.Logger) pool.Handler {
	return func(ctx context.Context, t pool.Task) (string, error) {
		m := Message{
			From:    from,
			To:      strs(t.Data, "to"),
			Subject: str(t.Data, "subject"),
			Text:    str(t.Data, "body"),
			HTML:    str(t.Data, "html"),
		}
		if f := str(t.Data, "from"); f != "" {
			m.From = f
		}
		if sender == nil {
			log.Info("sending email", logx.Int64("job_id", t.JobID), logx.String("subject", m.Subject))
			if err := sleep(ctx, delay); err != nil {
				return "", err
			}
			log.Info("email sent", logx.Int64("job_id", t.JobID), logx.String("subject", m.Subject))
			return "Email sent successfully", nil
		}
		if len(m.To) == 0 {
			return "", errNoRecipient
		}
		if err := sender.Send(ctx, m); err != nil {
			return "", fmt.Errorf("email %q: %w", m.Subject, err)
		}
		log.Info("email sent", logx.Int64("job_id", t.JobID), logx.String("subject", m.Subject), logx.Int("recipients", len(m.To)))
		return "Email sent successfully", nil
	}
}
