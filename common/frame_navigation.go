package common

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/frameflow/trace"
)

// Goto navigates the frame to url and waits for the lifecycle event named
// by opts.WaitUntil, load by default. It returns the response of the
// navigation request, nil for navigations without one.
func (f *Frame) Goto(ctx context.Context, url string, opts *FrameGotoOptions) (*Response, error) {
	if opts == nil {
		opts = &FrameGotoOptions{}
	}
	url = constructURLBasedOnBaseURL(f.page.browserCtx.baseURL(), url)

	ctx, span := f.manager.tracer.TraceAPICall(ctx, f.ID(), "frame.goto",
		oteltrace.WithAttributes(attribute.String("frame.goto.url", url)))
	defer span.End()

	timeout := f.page.timeoutSettings.navigationTimeoutOr(opts.Timeout)
	resp, err := runProgress(ctx, f.log, "frame.goto", timeout, func(p *Progress) (*Response, error) {
		return f.raceNavigationAction(p, func() (*Response, error) {
			return f.gotoAction(p, url, opts)
		})
	})
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	f.page.hooks.applySlowMo(ctx)

	return resp, nil
}

type navigationResult struct {
	resp *Response
	err  error
}

// raceNavigationAction runs action until the frame detaches or the page
// closes. A navigation that was aborted because a route redirected it is
// followed to the result of the redirect.
func (f *Frame) raceNavigationAction(p *Progress, action func() (*Response, error)) (*Response, error) {
	done := make(chan navigationResult, 1)
	go func() {
		resp, err := action()
		var naerr *NavigationAbortedError
		if errors.As(err, &naerr) && naerr.DocumentID != "" {
			if rn := f.takeRedirectedNavigation(naerr.DocumentID); rn != nil {
				p.Log("waiting for redirected navigation to %q", rn.url)
				resp, err = rn.wait(p)
			}
		}
		done <- navigationResult{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-f.detachedScope.Done():
		err := WrapError(ErrorKindFrameDetached, f.detachedScope.Err(), "navigating frame was detached")
		p.Abort(err)
		return nil, err
	case <-f.page.openScope.Done():
		err := WrapError(ErrorKindTargetClosed, f.page.openScope.Err(), "navigation failed because page was closed")
		p.Abort(err)
		return nil, err
	}
}

func (f *Frame) takeRedirectedNavigation(documentID string) *redirectedNavigation {
	f.redirectedMu.Lock()
	defer f.redirectedMu.Unlock()

	rn := f.redirectedNavigations[documentID]
	delete(f.redirectedNavigations, documentID)
	return rn
}

// redirectNavigation navigates the frame to url on behalf of the
// navigation documentID, which the browser will abort.
func (f *Frame) redirectNavigation(url, documentID, referer string) {
	rn := &redirectedNavigation{url: url, done: make(chan struct{})}
	f.redirectedMu.Lock()
	f.redirectedNavigations[documentID] = rn
	claimable := f.gotos > 0
	f.redirectedMu.Unlock()

	f.log.Debugf("Frame:redirectNavigation", "fid:%s doc:%s url:%s", f.ID(), documentID, url)
	go func() {
		rn.resp, rn.err = runProgress(f.manager.ctx, f.log, "", 0, func(p *Progress) (*Response, error) {
			return f.raceNavigationAction(p, func() (*Response, error) {
				return f.gotoAction(p, url, &FrameGotoOptions{Referer: referer})
			})
		})
		close(rn.done)

		// Nobody waits for a redirect of a navigation that no goto
		// started, such as one caused by a click.
		if !claimable {
			f.dropRedirectedNavigation(documentID, rn)
		}
	}()
}

func (f *Frame) dropRedirectedNavigation(documentID string, rn *redirectedNavigation) {
	f.redirectedMu.Lock()
	defer f.redirectedMu.Unlock()

	if f.redirectedNavigations[documentID] == rn {
		delete(f.redirectedNavigations, documentID)
	}
}

func (f *Frame) gotoAction(p *Progress, url string, opts *FrameGotoOptions) (*Response, error) {
	f.redirectedMu.Lock()
	f.gotos++
	f.redirectedMu.Unlock()
	defer func() {
		f.redirectedMu.Lock()
		f.gotos--
		f.redirectedMu.Unlock()
	}()

	waitUntil := opts.WaitUntil
	if waitUntil == "" {
		waitUntil = LifecycleEventLoad.String()
	}
	event, err := verifyLifecycle("waitUntil", waitUntil)
	if err != nil {
		return nil, err
	}
	p.Log("navigating to %q, waiting until %q", url, event)

	referer, err := f.page.resolveReferer(opts.Referer)
	if err != nil {
		return nil, err
	}
	url = completeUserURL(url)

	navigations := newEventWaiter(&f.events, func(ev FrameEvent) bool {
		return ev.Type == FrameEventNavigation
	})
	defer navigations.dispose()

	newDocumentID, err := f.page.delegate.NavigateFrame(p.Context(), f, url, referer)
	if err != nil {
		return nil, err
	}

	var nav *NavigationEvent
	if newDocumentID != "" {
		ev, err := navigations.waitFor(p, func(ev FrameEvent) bool {
			n := ev.Navigation
			// A navigation that committed without error also ends the
			// wait: it superseded the one requested.
			return n.NewDocument != nil && (n.NewDocument.DocumentID() == newDocumentID || n.Err == nil)
		}, nil, nil)
		if err != nil {
			return nil, err
		}
		nav = ev.Navigation
		if got := nav.NewDocument.DocumentID(); got != newDocumentID {
			return nil, &NavigationAbortedError{
				DocumentID: newDocumentID,
				Msg:        fmt.Sprintf("navigation to %q is interrupted by another navigation to %q", url, nav.URL),
			}
		}
		if nav.Err != nil {
			return nil, nav.Err
		}
	} else {
		ev, err := navigations.waitFor(p, func(ev FrameEvent) bool {
			return ev.Navigation.NewDocument == nil
		}, nil, nil)
		if err != nil {
			return nil, err
		}
		nav = ev.Navigation
	}

	if err := f.waitForLifecycle(p, event); err != nil {
		return nil, err
	}

	if nav.NewDocument == nil || nav.NewDocument.request == nil {
		return nil, nil
	}
	return nav.NewDocument.request.FinalRequest().Response(p.Context())
}

// waitForLifecycle returns once event fired for the current document.
func (f *Frame) waitForLifecycle(p *Progress, event LifecycleEvent) error {
	w := newEventWaiter(&f.events, func(ev FrameEvent) bool {
		return ev.Type == FrameEventAddLifecycle && ev.Lifecycle == event
	})
	defer w.dispose()

	if f.hasLifecycleEventFired(event) {
		return nil
	}
	_, err := w.next(p, nil, nil)
	return err
}

// WaitForNavigation waits for the next navigation of the frame and for the
// lifecycle event named by opts.WaitUntil.
func (f *Frame) WaitForNavigation(ctx context.Context, opts *FrameWaitForNavigationOptions) (*Response, error) {
	if opts == nil {
		opts = &FrameWaitForNavigationOptions{}
	}
	waitUntil := opts.WaitUntil
	if waitUntil == "" {
		waitUntil = LifecycleEventLoad.String()
	}
	event, err := verifyLifecycle("waitUntil", waitUntil)
	if err != nil {
		return nil, err
	}

	// Register before the progress starts so an event emitted right
	// after the call isn't missed.
	navigations := newEventWaiter(&f.events, func(ev FrameEvent) bool {
		return ev.Type == FrameEventNavigation && ev.Navigation.IsPublic
	})
	defer navigations.dispose()

	timeout := f.page.timeoutSettings.navigationTimeoutOr(opts.Timeout)
	return runProgress(ctx, f.log, "frame.waitForNavigation", timeout, func(p *Progress) (*Response, error) {
		p.Log("waiting for navigation until %q", event)

		ev, err := navigations.waitFor(p, func(ev FrameEvent) bool {
			return opts.URL == nil || opts.URL(ev.Navigation.URL)
		}, f.page.openScope, f.detachedScope)
		if err != nil {
			return nil, err
		}
		nav := ev.Navigation
		if nav.Err != nil {
			return nil, nav.Err
		}
		if err := f.waitForLifecycle(p, event); err != nil {
			return nil, err
		}
		if nav.NewDocument == nil || nav.NewDocument.request == nil {
			return nil, nil
		}
		return nav.NewDocument.request.FinalRequest().Response(p.Context())
	})
}

// WaitForLoadState waits for state to fire for the current document.
func (f *Frame) WaitForLoadState(ctx context.Context, state string, opts *FrameWaitForNavigationOptions) error {
	if state == "" {
		state = LifecycleEventLoad.String()
	}
	event, err := verifyLifecycle("state", state)
	if err != nil {
		return err
	}
	var timeout = f.page.timeoutSettings.navigationTimeout()
	if opts != nil {
		timeout = f.page.timeoutSettings.navigationTimeoutOr(opts.Timeout)
	}
	_, err = runProgress(ctx, f.log, "frame.waitForLoadState", timeout, func(p *Progress) (struct{}, error) {
		p.Log("waiting for %q", event)
		return struct{}{}, f.waitForLifecycleOrDetach(p, event)
	})
	return err
}

func (f *Frame) waitForLifecycleOrDetach(p *Progress, event LifecycleEvent) error {
	w := newEventWaiter(&f.events, func(ev FrameEvent) bool {
		return ev.Type == FrameEventAddLifecycle && ev.Lifecycle == event
	})
	defer w.dispose()

	if f.hasLifecycleEventFired(event) {
		return nil
	}
	_, err := w.next(p, f.page.openScope, f.detachedScope)
	return err
}
