package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/frameflow/log"
)

// executionContext is an ExecutionContext living in the browser and
// reached over a CDP session.
type executionContext struct {
	session cdp.Executor
	frame   *Frame
	id      cdpruntime.ExecutionContextID
	logger  *log.Logger

	mu              sync.Mutex
	destroyedReason string
}

func newExecutionContext(
	s cdp.Executor, f *Frame, id cdpruntime.ExecutionContextID, l *log.Logger,
) *executionContext {
	return &executionContext{
		session: s,
		frame:   f,
		id:      id,
		logger:  l,
	}
}

// ID returns the protocol id of the context.
func (e *executionContext) ID() string {
	return strconv.FormatInt(int64(e.id), 10)
}

// Evaluate evaluates expression and returns its result by value. With a
// non nil arg, expression must be a function, which is called with arg.
func (e *executionContext) Evaluate(ctx context.Context, expression string, arg any) (any, error) {
	if reason := e.destroyed(); reason != "" {
		return nil, errors.New(reason)
	}
	e.logger.Debugf("ExecutionContext:Evaluate", "ectxid:%d fid:%s", e.id, e.frame.ID())

	var (
		remote    *cdpruntime.RemoteObject
		exception *cdpruntime.ExceptionDetails
		err       error
	)
	cctx := cdp.WithExecutor(ctx, e.session)
	if arg == nil {
		action := cdpruntime.Evaluate(expression).
			WithContextID(e.id).
			WithReturnByValue(true).
			WithAwaitPromise(true)
		remote, exception, err = action.Do(cctx)
	} else {
		b, merr := json.Marshal(arg)
		if merr != nil {
			return nil, fmt.Errorf("marshaling evaluation argument: %w", merr)
		}
		action := cdpruntime.CallFunctionOn(expression).
			WithExecutionContextID(e.id).
			WithArguments([]*cdpruntime.CallArgument{{Value: easyjson.RawMessage(b)}}).
			WithReturnByValue(true).
			WithAwaitPromise(true)
		remote, exception, err = action.Do(cctx)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluating in execution context %d: %w", e.id, err)
	}
	if exception != nil {
		return nil, NewJavaScriptError(exception)
	}
	if remote == nil || len(remote.Value) == 0 {
		return nil, nil //nolint:nilnil
	}

	return gjson.ParseBytes(remote.Value).Value(), nil
}

// Destroyed makes every later evaluation fail with reason.
func (e *executionContext) Destroyed(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyedReason == "" {
		e.destroyedReason = reason
	}
}

func (e *executionContext) destroyed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyedReason
}
