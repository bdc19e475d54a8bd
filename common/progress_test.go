package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/frameflow/errext"
	"github.com/liuxd6825/frameflow/log"
)

func TestRunProgress(t *testing.T) {
	t.Parallel()

	t.Run("returns the result", func(t *testing.T) {
		t.Parallel()

		v, err := runProgress(context.Background(), log.NewNullLogger(), "test.ok", time.Second,
			func(p *Progress) (int, error) {
				p.Log("doing it")
				return 42, nil
			})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("timeout carries the call log", func(t *testing.T) {
		t.Parallel()

		_, err := runProgress(context.Background(), log.NewNullLogger(), "test.wait", 10*time.Millisecond,
			func(p *Progress) (struct{}, error) {
				p.Log("waiting for %s", "something")
				<-p.Done()
				return struct{}{}, p.abortErr()
			})
		require.Error(t, err)
		assert.Equal(t, ErrorKindTimeout, KindOf(err))
		assert.ErrorContains(t, err, "test.wait: timeout 10ms exceeded")

		var cl errext.HasCallLog
		require.ErrorAs(t, err, &cl)
		assert.Equal(t, []string{"waiting for something"}, cl.CallLog())

		var hint errext.HasHint
		require.ErrorAs(t, err, &hint)
		assert.NotEmpty(t, hint.Hint())
	})

	t.Run("abort reason wins over context errors", func(t *testing.T) {
		t.Parallel()

		_, err := runProgress(context.Background(), log.NewNullLogger(), "", time.Second,
			func(p *Progress) (struct{}, error) {
				p.Abort(ErrFrameDetached)
				<-p.Done()
				return struct{}{}, context.Canceled
			})
		require.ErrorIs(t, err, ErrFrameDetached)
	})

	t.Run("parent cancellation aborts", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := runProgress(ctx, log.NewNullLogger(), "", time.Second,
			func(p *Progress) (struct{}, error) {
				return struct{}{}, p.ThrowIfAborted()
			})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestProgressCleanupWhenAborted(t *testing.T) {
	t.Parallel()

	t.Run("runs on abort", func(t *testing.T) {
		t.Parallel()

		p := newTestProgress(t, time.Second)
		ran := make(chan struct{})
		p.cleanupWhenAborted(func() { close(ran) })
		p.Abort(errors.New("stop"))

		select {
		case <-ran:
		case <-time.After(time.Second):
			require.FailNow(t, "cleanup did not run")
		}
	})

	t.Run("stop prevents the cleanup", func(t *testing.T) {
		t.Parallel()

		p := newTestProgress(t, time.Second)
		stop := p.cleanupWhenAborted(func() { t.Error("cleanup ran") })
		assert.True(t, stop())
		p.Abort(errors.New("stop"))
	})
}

func TestProgressSleep(t *testing.T) {
	t.Parallel()

	p := newTestProgress(t, time.Second)
	scope := newLifetimeScope()
	scope.close(ErrFrameDetached)

	err := p.sleep(time.Minute, nil, scope)
	require.ErrorIs(t, err, ErrFrameDetached)

	require.NoError(t, p.sleep(time.Millisecond, nil, nil))
}
