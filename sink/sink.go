// Package sink receives reports about writes that failed after the caller
// moved on. Writes are fire-and-forget for the presentation layer, so this is
// the only place their failures become visible.
package sink

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Reporter records a failed write.
type Reporter interface {
	Report(ctx context.Context, op, owner string, err error)
}

// Log reports failures as structured error log lines.
type Log struct {
	logger *log.Logger
}

// NewLog returns a Reporter writing to logger, or to the standard logger when nil.
func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Log{logger: logger}
}

func (l *Log) Report(_ context.Context, op, owner string, err error) {
	if err == nil {
		return
	}
	l.logger.WithError(err).WithFields(log.Fields{"op": op, "owner": owner}).Error("write failed")
}

// Multi fans a report out to every reporter in order.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, op, owner string, err error) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, op, owner, err)
		}
	}
}

// Discard drops every report.
type Discard struct{}

func (Discard) Report(context.Context, string, string, error) {}
