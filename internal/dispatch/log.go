package dispatch

import (
	"context"

	"filemon/internal/filemon"
)

// LogDispatcher writes notifications to the log instead of delivering them.
// It is the default transport and is useful when no mail relay is available.
type LogDispatcher struct {
	logger filemon.Logger
}

func NewLogDispatcher(logger filemon.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Info("notification", "to", recipient, "subject", subject, "body", body)
	return nil
}

func (d *LogDispatcher) Close() error {
	return nil
}

var _ filemon.Dispatcher = (*LogDispatcher)(nil)
