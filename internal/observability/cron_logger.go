package observability

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronLogger routes robfig/cron's internal logging (including the
// skip-if-still-running notices) through zap.
type CronLogger struct {
	logger *zap.SugaredLogger
}

var _ cron.Logger = CronLogger{}

func NewCronLogger(logger *zap.Logger) CronLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return CronLogger{logger: logger.Named("cron").Sugar()}
}

// Info keeps cron's per-tick chatter at debug level. Overlap skips stay visible.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.logger.Infow("cycle skipped, previous run still in flight", keysAndValues...)
		return
	}
	l.logger.Debugw(msg, keysAndValues...)
}

func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
