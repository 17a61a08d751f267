package schedule

import (
	"fmt"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// cronLogger routes robfig/cron's logr-style calls into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, logx.Any("extra", kv[len(kv)-1]))
	}
	return out
}
