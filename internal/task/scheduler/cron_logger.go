package scheduler

import (
	"fmt"

	logx "jobsched/pkg/logx"
)

// cronLogger routes robfig/cron's own messages (skips, recovered panics)
// into logx. Routine "schedule"/"wake"/"run" chatter stays at trace.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	fields := kvFields(keysAndValues)
	if msg == "skip" {
		l.log.Debug("cron: previous run still active; skipped", fields...)
		return
	}
	l.log.Trace("cron: "+msg, fields...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
