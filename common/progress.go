package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liuxd6825/frameflow/errext"
	"github.com/liuxd6825/frameflow/log"
)

// Progress is the cancellable, logged and timeout bound context an action
// runs in. Every wait inside an action selects on Done.
type Progress struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	id      string
	apiName string
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	callLog []string
}

func newProgress(
	ctx context.Context, logger *log.Logger, apiName string, timeout time.Duration,
) (*Progress, func()) {
	cctx, cancel := context.WithCancelCause(ctx)
	release := func() { cancel(nil) }
	if timeout > 0 {
		var tcancel context.CancelFunc
		cctx, tcancel = context.WithTimeoutCause(cctx, timeout, &TimeoutError{Timeout: timeout})
		release = func() {
			tcancel()
			cancel(nil)
		}
	}
	p := &Progress{
		ctx:     cctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		apiName: apiName,
		timeout: timeout,
		logger:  logger,
	}

	return p, release
}

// runProgress runs fn inside a new progress. A failure carries the lines
// logged by fn, and a timeout additionally a hint.
func runProgress[T any](
	ctx context.Context, logger *log.Logger, apiName string, timeout time.Duration, fn func(*Progress) (T, error),
) (T, error) {
	p, release := newProgress(ctx, logger, apiName, timeout)
	defer release()

	logger.Debugf("Progress:run", "pid:%s api:%s timeout:%s", p.id, apiName, timeout)
	res, err := fn(p)
	if err == nil {
		return res, nil
	}
	var zero T
	if aerr := p.abortErr(); aerr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = aerr
	}
	if KindOf(err) == ErrorKindTimeout {
		err = errext.WithHint(err, "increase the timeout or make sure the awaited condition can be met")
	}
	if apiName != "" {
		err = fmt.Errorf("%s: %w", apiName, err)
	}

	return zero, errext.WithCallLog(err, p.CallLog())
}

// Context returns the context of the progress.
func (p *Progress) Context() context.Context { return p.ctx }

// Done is closed when the progress is aborted or timed out.
func (p *Progress) Done() <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.ctx.Done()
}

// Log appends a line to the call log.
func (p *Progress) Log(format string, args ...any) {
	if p == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	p.mu.Lock()
	p.callLog = append(p.callLog, line)
	p.mu.Unlock()
	p.logger.Debugf("Progress", "pid:%s %s", p.id, line)
}

// CallLog returns a copy of the lines logged so far.
func (p *Progress) CallLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.callLog...)
}

// Abort cancels the progress with err.
func (p *Progress) Abort(err error) {
	p.cancel(err)
}

// ThrowIfAborted returns the reason the progress ended, if it did.
func (p *Progress) ThrowIfAborted() error {
	if p == nil {
		return nil
	}
	return p.abortErr()
}

func (p *Progress) abortErr() error {
	select {
	case <-p.ctx.Done():
	default:
		return nil
	}
	if cause := context.Cause(p.ctx); cause != nil {
		return cause
	}
	return p.ctx.Err()
}

// cleanupWhenAborted runs fn once the progress ends without completing.
// The returned function unregisters it.
func (p *Progress) cleanupWhenAborted(fn func()) (stop func() bool) {
	return context.AfterFunc(p.ctx, fn)
}

// sleep waits for d unless the progress or one of the scopes ends first.
func (p *Progress) sleep(d time.Duration, a, b *lifetimeScope) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-p.Done():
		return p.abortErr()
	case <-a.Done():
		return a.Err()
	case <-b.Done():
		return b.Err()
	}
}
