package common

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/liuxd6825/frameflow/trace"
)

// errContinuePolling is returned by a polling attempt that did not reach
// its goal yet.
var errContinuePolling = errors.New("continue polling")

// expectBackoff is the polling schedule of assertions after the first
// attempt failed.
var expectBackoff = []time.Duration{ //nolint:gochecknoglobals
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// retryWithProgressAndTimeouts runs action until it returns something other
// than errContinuePolling. Before each attempt it sleeps the next duration
// of backoff, holding at the last one. Errors that can't get better by
// retrying end the loop, the others are swallowed.
func retryWithProgressAndTimeouts[T any](
	p *Progress, f *Frame, backoff []time.Duration, action func() (T, error),
) (T, error) {
	var zero T
	for i := 0; ; i++ {
		if len(backoff) > 0 {
			d := backoff[min(i, len(backoff)-1)]
			if d > 0 {
				if err := p.sleep(d, f.page.openScope, f.detachedScope); err != nil {
					return zero, err
				}
			}
		}
		if err := p.ThrowIfAborted(); err != nil {
			return zero, err
		}
		if err := f.detachedScope.Err(); err != nil {
			return zero, err
		}

		res, err := action()
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, errContinuePolling):
			continue
		case isErrorThatCannotBeRetried(f, err):
			if f.IsDetached() && KindOf(err) != ErrorKindFrameDetached {
				err = fmt.Errorf("%w: %w", ErrFrameDetached, err)
			}
			return zero, err
		}
		f.log.Debugf("Frame:retryWithProgressAndTimeouts", "fid:%s attempt:%d err:%v", f.ID(), i, err)
	}
}

func isErrorThatCannotBeRetried(f *Frame, err error) bool {
	switch KindOf(err) {
	case ErrorKindJavaScript,
		ErrorKindSessionClosed,
		ErrorKindNonRecoverableDOM,
		ErrorKindInvalidSelector,
		ErrorKindStrictMode,
		ErrorKindFrameDetached,
		ErrorKindTargetClosed,
		ErrorKindTimeout,
		ErrorKindProgrammer:
		return true
	}
	return f.IsDetached()
}

func locatorString(selector string) string {
	return fmt.Sprintf("locator(%q)", selector)
}

func (f *Frame) strict(strict bool) bool {
	return strict || f.page.strictSelectors
}

func (f *Frame) queryAll(p *Progress, selector string) ([]ElementHandle, error) {
	ec, err := f.executionContext(p, WorldMain)
	if err != nil {
		return nil, err
	}
	return f.page.selectors.QueryAll(p.Context(), ec, selector)
}

// resolveElement queries selector from scratch. It returns nil without an
// error when nothing matches. In strict mode more than one match fails.
func (f *Frame) resolveElement(p *Progress, selector string, strict bool) (ElementHandle, error) {
	elements, err := f.queryAll(p, selector)
	if err != nil {
		return nil, err
	}
	switch {
	case len(elements) == 0:
		return nil, nil
	case len(elements) > 1 && strict:
		err := newStrictModeViolationError(selector, len(elements), previews(elements))
		disposeAll(elements)
		return nil, err
	case len(elements) > 1:
		p.Log("  locator resolved to %d elements. Proceeding with the first one: %s",
			len(elements), elements[0].Preview())
		disposeAll(elements[1:])
	}
	return elements[0], nil
}

// WaitForSelector waits for selector to reach opts.State, visible by
// default. It returns the element, or nil for the detached and hidden
// states.
func (f *Frame) WaitForSelector(
	ctx context.Context, selector string, opts *FrameWaitForSelectorOptions,
) (ElementHandle, error) {
	if opts == nil {
		opts = &FrameWaitForSelectorOptions{}
	}
	state, err := parseDOMElementState(opts.State)
	if err != nil {
		return nil, err
	}

	ctx, span := f.manager.tracer.TraceAPICall(ctx, f.ID(), "frame.waitForSelector", f.traceAttributes())
	defer span.End()

	timeout := f.page.timeoutSettings.timeoutOr(opts.Timeout)
	el, err := runProgress(ctx, f.log, "frame.waitForSelector", timeout, func(p *Progress) (ElementHandle, error) {
		if state == DOMElementStateAttached {
			p.Log("waiting for %s", locatorString(selector))
		} else {
			p.Log("waiting for %s to be %s", locatorString(selector), state)
		}
		return f.waitForSelectorInternal(p, selector, state, f.strict(opts.Strict), true)
	})
	trace.RecordError(span, err)

	return el, err
}

func (f *Frame) waitForSelectorInternal(
	p *Progress, selector string, state DOMElementState, strict, checkpoint bool,
) (ElementHandle, error) {
	var lastLog string
	logOnce := func(format string, args ...any) {
		if line := fmt.Sprintf(format, args...); line != lastLog {
			p.Log("%s", line)
			lastLog = line
		}
	}
	return retryWithProgressAndTimeouts(p, f, f.manager.retryBackoff, func() (ElementHandle, error) {
		if checkpoint {
			if err := f.page.performLocatorHandlersCheckpoint(p); err != nil {
				return nil, err
			}
		}
		el, err := f.resolveElement(p, selector, strict)
		if err != nil {
			return nil, err
		}
		if el == nil {
			if state == DOMElementStateDetached || state == DOMElementStateHidden {
				return nil, nil
			}
			return nil, errContinuePolling
		}
		if state == DOMElementStateAttached {
			return el, nil
		}
		if state == DOMElementStateDetached {
			logOnce("  %s", el.Preview())
			el.Dispose()
			return nil, errContinuePolling
		}

		visible, err := el.IsVisible(p.Context())
		if err != nil {
			el.Dispose()
			return nil, err
		}
		switch {
		case state == DOMElementStateVisible && visible:
			return el, nil
		case state == DOMElementStateHidden && !visible:
			el.Dispose()
			return nil, nil
		}
		if visible {
			logOnce("  locator resolved to visible %s", el.Preview())
		} else {
			logOnce("  locator resolved to hidden %s", el.Preview())
		}
		el.Dispose()
		return nil, errContinuePolling
	})
}

// IsVisible reports whether selector currently resolves to a visible
// element. It doesn't wait.
func (f *Frame) IsVisible(ctx context.Context, selector string, strict bool) (bool, error) {
	return runProgress(ctx, f.log, "frame.isVisible", f.page.timeoutSettings.timeout(),
		func(p *Progress) (bool, error) {
			p.Log("checking visibility of %s", locatorString(selector))
			return f.isVisibleInternal(p, selector, f.strict(strict))
		})
}

func (f *Frame) isVisibleInternal(p *Progress, selector string, strict bool) (bool, error) {
	el, err := f.resolveElement(p, selector, strict)
	if err == nil && el != nil {
		defer el.Dispose()
		var visible bool
		if visible, err = el.IsVisible(p.Context()); err == nil {
			return visible, nil
		}
	}
	if err != nil && isErrorThatCannotBeRetried(f, err) {
		return false, err
	}
	return false, nil
}

// retryWithProgressIfNotConnected resolves selector and runs action on the
// element, starting over whenever the element is removed from the DOM
// before action could complete.
func retryWithProgressIfNotConnected[T any](
	p *Progress, f *Frame, selector string, strict, force bool, action func(ElementHandle) (T, error),
) (T, error) {
	var zero T
	p.Log("waiting for %s", locatorString(selector))
	return retryWithProgressAndTimeouts(p, f, f.manager.retryBackoff, func() (T, error) {
		if err := f.page.performLocatorHandlersCheckpoint(p); err != nil {
			return zero, err
		}
		el, err := f.resolveElement(p, selector, strict)
		if err != nil {
			return zero, err
		}
		if el == nil {
			return zero, errContinuePolling
		}
		stop := p.cleanupWhenAborted(el.Dispose)
		defer func() {
			if stop() {
				el.Dispose()
			}
		}()

		if !force {
			visible, err := el.IsVisible(p.Context())
			if err != nil {
				return zero, err
			}
			if !visible {
				p.Log("  element is not visible")
				return zero, errContinuePolling
			}
		}
		res, err := action(el)
		if KindOf(err) == ErrorKindNotConnected {
			p.Log("element was detached from the DOM, retrying")
			return zero, errContinuePolling
		}
		return res, err
	})
}

// elementAction runs fn on the element selector resolves to and waits for
// the navigations it causes, unless opts.NoWaitAfter is set.
func (f *Frame) elementAction(
	ctx context.Context, apiName string, selector string, opts *FrameActionOptions,
	fn func(context.Context, ElementHandle) error,
) error {
	if opts == nil {
		opts = &FrameActionOptions{}
	}

	ctx, span := f.manager.tracer.TraceAPICall(ctx, f.ID(), apiName, f.traceAttributes())
	defer span.End()

	timeout := f.page.timeoutSettings.timeoutOr(opts.Timeout)
	_, err := runProgress(ctx, f.log, apiName, timeout, func(p *Progress) (struct{}, error) {
		return retryWithProgressIfNotConnected(p, f, selector, f.strict(opts.Strict), opts.Force,
			func(el ElementHandle) (struct{}, error) {
				return waitForSignalsCreatedBy(p, f.manager, opts.NoWaitAfter, "input", func() (struct{}, error) {
					f.manager.WillPotentiallyRequestNavigation()
					defer f.manager.DidPotentiallyRequestNavigation()

					return struct{}{}, fn(p.Context(), el)
				})
			})
	})
	if err != nil {
		trace.RecordError(span, err)
		return err
	}
	f.page.hooks.applySlowMo(ctx)

	return nil
}

// Click clicks the element matching selector.
func (f *Frame) Click(ctx context.Context, selector string, opts *FrameActionOptions) error {
	return f.elementAction(ctx, "frame.click", selector, opts, func(ctx context.Context, el ElementHandle) error {
		return el.Click(ctx)
	})
}

// Fill fills the element matching selector with value.
func (f *Frame) Fill(ctx context.Context, selector, value string, opts *FrameActionOptions) error {
	return f.elementAction(ctx, "frame.fill", selector, opts, func(ctx context.Context, el ElementHandle) error {
		return el.Fill(ctx, value)
	})
}

// Press focuses the element matching selector and presses key.
func (f *Frame) Press(ctx context.Context, selector, key string, opts *FrameActionOptions) error {
	return f.elementAction(ctx, "frame.press", selector, opts, func(ctx context.Context, el ElementHandle) error {
		return el.Press(ctx, key)
	})
}

const elementsNotFound = "<element(s) not found>"

// Expect polls the assertion described by opts against selector. A
// timeout isn't an error: the result carries the last received value
// and the call log instead.
func (f *Frame) Expect(ctx context.Context, selector string, opts *FrameExpectOptions) (*ExpectResult, error) {
	if opts == nil || opts.Expression == "" {
		return nil, NewError(ErrorKindProgrammer, "expect: an expression is required")
	}

	timeout := f.page.timeoutSettings.timeoutOr(opts.Timeout)
	strict := !opts.isArray()

	return runProgress(ctx, f.log, "", timeout, func(p *Progress) (*ExpectResult, error) {
		p.Log("expect %q with timeout %s", opts.Expression, timeout)
		p.Log("waiting for %s", locatorString(selector))

		var received any
		timedOut := func(err error) (*ExpectResult, error) {
			if KindOf(err) != ErrorKindTimeout {
				return nil, err
			}
			return &ExpectResult{Matches: opts.IsNot, Received: received, TimedOut: true, Log: p.CallLog()}, nil
		}

		matches, got, err := f.expectOnce(p, selector, strict, opts)
		if err != nil {
			if isErrorThatCannotBeRetried(f, err) {
				return timedOut(err)
			}
		} else {
			received = got
			if matches != opts.IsNot {
				return &ExpectResult{Matches: matches, Received: received}, nil
			}
			p.Log("  unexpected value %q", fmt.Sprint(received))
		}

		res, err := retryWithProgressAndTimeouts(p, f, expectBackoff, func() (*ExpectResult, error) {
			matches, got, err := f.expectOnce(p, selector, strict, opts)
			if err != nil {
				return nil, err
			}
			if matches != opts.IsNot {
				return &ExpectResult{Matches: matches, Received: got}, nil
			}
			if !reflect.DeepEqual(got, received) {
				p.Log("  unexpected value %q", fmt.Sprint(got))
			}
			received = got
			return nil, errContinuePolling
		})
		if err != nil {
			return timedOut(err)
		}
		return res, nil
	})
}

func (f *Frame) expectOnce(
	p *Progress, selector string, strict bool, opts *FrameExpectOptions,
) (matches bool, received any, err error) {
	if err := f.page.performLocatorHandlersCheckpoint(p); err != nil {
		return false, nil, err
	}
	ec, err := f.executionContext(p, WorldMain)
	if err != nil {
		return false, nil, err
	}
	elements, err := f.page.selectors.QueryAll(p.Context(), ec, selector)
	if err != nil {
		return false, nil, err
	}
	defer disposeAll(elements)

	if !opts.isArray() {
		if len(elements) > 1 && strict {
			return false, nil, newStrictModeViolationError(selector, len(elements), previews(elements))
		}
		if len(elements) == 0 {
			return false, elementsNotFound, nil
		}
		elements = elements[:1]
	}
	return f.page.selectors.Expect(p.Context(), ec, elements, opts)
}
