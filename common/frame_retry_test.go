package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func elements(els ...*elementStub) []ElementHandle {
	hs := make([]ElementHandle, len(els))
	for i, el := range els {
		hs[i] = el
	}
	return hs
}

func TestIsErrorThatCannotBeRetried(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "generic", err: errors.New("socket hang up"), want: false},
		{name: "not_connected", err: ErrElementNotConnected, want: false},
		{name: "navigation_aborted", err: &NavigationAbortedError{Msg: "aborted"}, want: false},
		{name: "javascript", err: NewJavaScriptError(errors.New("ReferenceError")), want: true},
		{name: "session_closed", err: ErrSessionClosed, want: true},
		{name: "non_recoverable_dom", err: NewNonRecoverableDOMError("not an input"), want: true},
		{name: "invalid_selector", err: NewInvalidSelectorError("##", "unexpected token"), want: true},
		{name: "strict_mode", err: newStrictModeViolationError("a", 2, nil), want: true},
		{name: "frame_detached", err: ErrFrameDetached, want: true},
		{name: "target_closed", err: ErrTargetClosed, want: true},
		{name: "timeout", err: &TimeoutError{Timeout: time.Second}, want: true},
		{name: "programmer", err: ErrRouteAlreadyHandled, want: true},
		{name: "wrapped", err: WrapError(ErrorKindJavaScript, errors.New("x"), "calling"), want: true},
	}

	tp := newTestPage(t)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isErrorThatCannotBeRetried(tp.main, tt.err))
		})
	}

	t.Run("any error of a detached frame", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		child := tp.attachFrame(t, "child", "main")
		tp.frameManager.frameDetached("child")
		assert.True(t, isErrorThatCannotBeRetried(child, errors.New("socket hang up")))
	})
}

func TestRetryWithProgressAndTimeouts(t *testing.T) {
	t.Parallel()

	t.Run("swallows retryable errors", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		var attempts int
		v, err := retryWithProgressAndTimeouts(newTestProgress(t, time.Second), tp.main, tp.frameManager.retryBackoff,
			func() (int, error) {
				attempts++
				switch attempts {
				case 1:
					return 0, errContinuePolling
				case 2:
					return 0, errors.New("transient")
				}
				return attempts, nil
			})
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("stops on errors that can't be retried", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		var attempts int
		_, err := retryWithProgressAndTimeouts(newTestProgress(t, time.Second), tp.main, tp.frameManager.retryBackoff,
			func() (int, error) {
				attempts++
				return 0, NewInvalidSelectorError("##", "unexpected token")
			})
		require.Error(t, err)
		assert.Equal(t, ErrorKindInvalidSelector, KindOf(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("holds at the last backoff", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		backoff := []time.Duration{0, 5 * time.Millisecond}
		var attempts atomic.Int32
		_, err := retryWithProgressAndTimeouts(newTestProgress(t, 60*time.Millisecond), tp.main, backoff,
			func() (struct{}, error) {
				attempts.Add(1)
				return struct{}{}, errContinuePolling
			})
		require.Error(t, err)
		assert.Equal(t, ErrorKindTimeout, KindOf(err))
		assert.Greater(t, attempts.Load(), int32(3))
	})

	t.Run("detached frame ends polling", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		child := tp.attachFrame(t, "child", "main")

		var once sync.Once
		_, err := retryWithProgressAndTimeouts(newTestProgress(t, time.Second), child, tp.frameManager.retryBackoff,
			func() (struct{}, error) {
				once.Do(func() { tp.frameManager.frameDetached("child") })
				return struct{}{}, errors.New("element handle is gone")
			})
		require.ErrorIs(t, err, ErrFrameDetached)
		assert.Equal(t, ErrorKindFrameDetached, KindOf(err))
		assert.ErrorContains(t, err, "element handle is gone")
	})
}

func TestFrameWaitForSelector(t *testing.T) {
	t.Parallel()

	t.Run("polls until visible", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<button>", false)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) {
			if tp.selectors.queries.Load() >= 3 {
				el.visible.Store(true)
			}
			return elements(el), nil
		})

		got, err := tp.main.WaitForSelector(context.Background(), "button", nil)
		require.NoError(t, err)
		assert.Same(t, el, got)
		assert.GreaterOrEqual(t, tp.selectors.queries.Load(), int32(3))
	})

	t.Run("attached", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<div>", false)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		got, err := tp.main.WaitForSelector(context.Background(), "div", &FrameWaitForSelectorOptions{State: "attached"})
		require.NoError(t, err)
		assert.Same(t, el, got)
	})

	t.Run("hidden without matches", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		got, err := tp.main.WaitForSelector(context.Background(), "div", &FrameWaitForSelectorOptions{State: "hidden"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("detached", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<div>", true)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) {
			if tp.selectors.queries.Load() > 2 {
				return nil, nil
			}
			return elements(el), nil
		})

		got, err := tp.main.WaitForSelector(context.Background(), "div", &FrameWaitForSelectorOptions{State: "detached"})
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.EqualValues(t, 2, el.disposed.Load())
	})

	t.Run("strict mode violation", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		a, b := newElementStub("<li>a</li>", true), newElementStub("<li>b</li>", true)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(a, b), nil })

		_, err := tp.main.WaitForSelector(context.Background(), "li", &FrameWaitForSelectorOptions{Strict: true})
		require.Error(t, err)
		assert.Equal(t, ErrorKindStrictMode, KindOf(err))
		assert.ErrorContains(t, err, `"li" resolved to 2 elements`)
		assert.EqualValues(t, 1, tp.selectors.queries.Load())
		assert.EqualValues(t, 1, a.disposed.Load())
		assert.EqualValues(t, 1, b.disposed.Load())
	})

	t.Run("first of many without strict mode", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		a, b := newElementStub("<li>a</li>", true), newElementStub("<li>b</li>", true)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(a, b), nil })

		got, err := tp.main.WaitForSelector(context.Background(), "li", nil)
		require.NoError(t, err)
		assert.Same(t, a, got)
		assert.Zero(t, a.disposed.Load())
		assert.EqualValues(t, 1, b.disposed.Load())
	})

	t.Run("invalid selector isn't retried", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setQuery(func(s string) ([]ElementHandle, error) {
			return nil, NewInvalidSelectorError(s, "unexpected token")
		})

		_, err := tp.main.WaitForSelector(context.Background(), "##", nil)
		require.Error(t, err)
		assert.Equal(t, ErrorKindInvalidSelector, KindOf(err))
		assert.EqualValues(t, 1, tp.selectors.queries.Load())
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		_, err := tp.main.WaitForSelector(context.Background(), "#missing",
			&FrameWaitForSelectorOptions{Timeout: 30 * time.Millisecond})
		require.Error(t, err)
		assert.Equal(t, ErrorKindTimeout, KindOf(err))
		assert.ErrorContains(t, err, `waiting for locator("#missing") to be visible`)
	})

	t.Run("frame detaches while polling", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		child := tp.attachFrame(t, "child", "main")

		var wg sync.WaitGroup
		defer wg.Wait()
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			tp.frameManager.frameDetached("child")
		}()

		_, err := child.WaitForSelector(context.Background(), "#missing", nil)
		require.ErrorIs(t, err, ErrFrameDetached)
		assert.Equal(t, ErrorKindFrameDetached, KindOf(err))
	})
}

func TestFrameIsVisible(t *testing.T) {
	t.Parallel()

	tp := newTestPage(t)
	visible, hidden := newElementStub("<p>", true), newElementStub("<p hidden>", false)
	tp.selectors.setQuery(func(s string) ([]ElementHandle, error) {
		switch s {
		case "#visible":
			return elements(visible), nil
		case "#hidden":
			return elements(hidden), nil
		case "p":
			return elements(newElementStub("<p>", true), newElementStub("<p>", true)), nil
		case "##":
			return nil, NewInvalidSelectorError(s, "unexpected token")
		}
		return nil, nil
	})

	ctx := context.Background()
	ok, err := tp.main.IsVisible(ctx, "#visible", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, visible.disposed.Load())

	ok, err = tp.main.IsVisible(ctx, "#hidden", false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tp.main.IsVisible(ctx, "#missing", false)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tp.main.IsVisible(ctx, "p", true)
	assert.Equal(t, ErrorKindStrictMode, KindOf(err))

	_, err = tp.main.IsVisible(ctx, "##", false)
	assert.Equal(t, ErrorKindInvalidSelector, KindOf(err))
}

func TestFrameElementActions(t *testing.T) {
	t.Parallel()

	t.Run("click waits for the navigation it caused", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<a>", true)
		var wg sync.WaitGroup
		defer wg.Wait()
		el.clickFn = func() error {
			tp.frameManager.frameRequestedNavigation("main", "d1")
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(20 * time.Millisecond)
				tp.commit(tp.main, "http://a.test/next", "d1")
			}()
			return nil
		}
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		require.NoError(t, tp.main.Click(context.Background(), "a", nil))
		assert.Equal(t, "http://a.test/next", tp.main.URL())
		assert.EqualValues(t, 1, el.clicks.Load())
		assert.EqualValues(t, 1, el.disposed.Load())
		assert.EqualValues(t, 1, tp.delegate.epilogues.Load())
	})

	t.Run("input dispatch holds the barrier", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<a>", true)
		var held []int
		el.clickFn = func() error {
			tp.frameManager.barriersMu.RLock()
			defer tp.frameManager.barriersMu.RUnlock()
			for b := range tp.frameManager.barriers {
				held = append(held, barrierCount(b))
			}
			return nil
		}
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		require.NoError(t, tp.main.Click(context.Background(), "a", nil))
		require.Equal(t, []int{2}, held)

		tp.frameManager.barriersMu.RLock()
		defer tp.frameManager.barriersMu.RUnlock()
		assert.Empty(t, tp.frameManager.barriers)
	})

	t.Run("no wait after", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<a>", true)
		el.clickFn = func() error {
			tp.frameManager.frameRequestedNavigation("main", "d1")
			return nil
		}
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		require.NoError(t, tp.main.Click(context.Background(), "a", &FrameActionOptions{NoWaitAfter: true}))
		assert.Zero(t, tp.delegate.epilogues.Load())
		assert.NotNil(t, tp.main.PendingDocument())
	})

	t.Run("retries when the element was detached from the DOM", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<button>", true)
		el.clickFn = func() error {
			if el.clicks.Load() == 1 {
				return ErrElementNotConnected
			}
			return nil
		}
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		require.NoError(t, tp.main.Click(context.Background(), "button", nil))
		assert.EqualValues(t, 2, el.clicks.Load())
		assert.EqualValues(t, 2, el.disposed.Load())
	})

	t.Run("waits for visibility", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<button hidden>", false)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		err := tp.main.Click(context.Background(), "button", &FrameActionOptions{Timeout: 30 * time.Millisecond})
		require.Error(t, err)
		assert.Equal(t, ErrorKindTimeout, KindOf(err))
		assert.ErrorContains(t, err, "element is not visible")
		assert.Zero(t, el.clicks.Load())
	})

	t.Run("force skips the visibility check", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<button hidden>", false)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		require.NoError(t, tp.main.Click(context.Background(), "button", &FrameActionOptions{Force: true}))
		assert.EqualValues(t, 1, el.clicks.Load())
	})

	t.Run("strict mode violation", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		a, b := newElementStub("<button>a</button>", true), newElementStub("<button>b</button>", true)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(a, b), nil })

		err := tp.main.Click(context.Background(), "button", &FrameActionOptions{Strict: true})
		require.Error(t, err)
		assert.Equal(t, ErrorKindStrictMode, KindOf(err))
		assert.Zero(t, a.clicks.Load())
		assert.Zero(t, b.clicks.Load())
	})

	t.Run("errors that can't be retried", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<div>", true)
		el.clickFn = func() error { return NewNonRecoverableDOMError("element is not an <input>") }
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		err := tp.main.Click(context.Background(), "div", nil)
		require.Error(t, err)
		assert.Equal(t, ErrorKindNonRecoverableDOM, KindOf(err))
		assert.EqualValues(t, 1, el.clicks.Load())
	})

	t.Run("fill and press", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		el := newElementStub("<input>", true)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(el), nil })

		ctx := context.Background()
		require.NoError(t, tp.main.Fill(ctx, "input", "hello", nil))
		require.NoError(t, tp.main.Press(ctx, "input", "Enter", nil))
		assert.Equal(t, "hello", el.filled.Load())
		assert.Equal(t, "Enter", el.pressed.Load())
		assert.EqualValues(t, 2, tp.delegate.epilogues.Load())
	})
}

func TestFrameExpect(t *testing.T) {
	t.Parallel()

	text := func(s string) *elementStub { return newElementStub("<p>"+s+"</p>", true) }

	t.Run("matches on the first attempt", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(text("hello")), nil })
		tp.selectors.setExpect(func([]ElementHandle, *FrameExpectOptions) (bool, any, error) {
			return true, "hello", nil
		})

		res, err := tp.main.Expect(context.Background(), "p", &FrameExpectOptions{Expression: "to.have.text"})
		require.NoError(t, err)
		assert.True(t, res.Matches)
		assert.Equal(t, "hello", res.Received)
		assert.False(t, res.TimedOut)
	})

	t.Run("polls until matched", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		var calls atomic.Int32
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(text("x")), nil })
		tp.selectors.setExpect(func([]ElementHandle, *FrameExpectOptions) (bool, any, error) {
			if calls.Add(1) < 3 {
				return false, "loading", nil
			}
			return true, "done", nil
		})

		res, err := tp.main.Expect(context.Background(), "p", &FrameExpectOptions{Expression: "to.have.text"})
		require.NoError(t, err)
		assert.True(t, res.Matches)
		assert.Equal(t, "done", res.Received)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("negated", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(text("a")), nil })
		tp.selectors.setExpect(func([]ElementHandle, *FrameExpectOptions) (bool, any, error) {
			return false, "a", nil
		})

		res, err := tp.main.Expect(context.Background(), "p", &FrameExpectOptions{Expression: "to.have.text", IsNot: true})
		require.NoError(t, err)
		assert.False(t, res.Matches)
		assert.False(t, res.TimedOut)
	})

	t.Run("timeout is a result", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) { return elements(text("x")), nil })
		tp.selectors.setExpect(func([]ElementHandle, *FrameExpectOptions) (bool, any, error) {
			return false, "x", nil
		})

		res, err := tp.main.Expect(context.Background(), "p",
			&FrameExpectOptions{Expression: "to.have.text", Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.False(t, res.Matches)
		assert.Equal(t, "x", res.Received)
		assert.Contains(t, res.Log, `expect "to.have.text" with timeout 50ms`)
		assert.Contains(t, res.Log, `  unexpected value "x"`)
	})

	t.Run("missing elements", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setExpect(func([]ElementHandle, *FrameExpectOptions) (bool, any, error) {
			t.Error("expectation evaluated without elements")
			return false, nil, nil
		})

		res, err := tp.main.Expect(context.Background(), "p",
			&FrameExpectOptions{Expression: "to.be.visible", Timeout: 20 * time.Millisecond})
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, elementsNotFound, res.Received)
	})

	t.Run("array expressions take every match", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) {
			return elements(text("a"), text("b"), text("c")), nil
		})
		tp.selectors.setExpect(func(els []ElementHandle, _ *FrameExpectOptions) (bool, any, error) {
			return len(els) == 3, len(els), nil
		})

		res, err := tp.main.Expect(context.Background(), "p", &FrameExpectOptions{Expression: "to.have.count"})
		require.NoError(t, err)
		assert.True(t, res.Matches)
		assert.Equal(t, 3, res.Received)
	})

	t.Run("strict mode violation is an error", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		tp.selectors.setQuery(func(string) ([]ElementHandle, error) {
			return elements(text("a"), text("b")), nil
		})

		_, err := tp.main.Expect(context.Background(), "p", &FrameExpectOptions{Expression: "to.have.text"})
		require.Error(t, err)
		assert.Equal(t, ErrorKindStrictMode, KindOf(err))
	})

	t.Run("expression is required", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		_, err := tp.main.Expect(context.Background(), "p", nil)
		assert.Equal(t, ErrorKindProgrammer, KindOf(err))
	})
}
