package download

import (
	"context"
	"errors"
	"time"
)

// watchdog cancels its context when Kick has not been called for timeout.
type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	wd := &watchdog{ctx: ctx, cancel: cancel, timeout: timeout}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() { cancel(errStalled) })
	}
	return ctx, wd
}

func (wd *watchdog) Kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

func (wd *watchdog) Cancel() {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}

// Err replaces err with errStalled when the watchdog fired.
func (wd *watchdog) Err(err error) error {
	if err != nil && errors.Is(context.Cause(wd.ctx), errStalled) {
		return errStalled
	}
	return err
}
