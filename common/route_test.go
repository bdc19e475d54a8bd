package common

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fulfillRecorder struct {
	routeDelegateStub

	mu       sync.Mutex
	response *FulfillResponse
	err      error
}

func (d *fulfillRecorder) Fulfill(ctx context.Context, resp *FulfillResponse) error {
	d.mu.Lock()
	d.response = resp
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.routeDelegateStub.Fulfill(ctx, resp)
}

func (d *fulfillRecorder) fulfilled() *FulfillResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.response
}

func newTestRoute(tp *testPage, url string, headers ...HTTPHeader) (*Route, *Request, *fulfillRecorder) {
	req := NewRequest(RequestParams{
		ID:      "r1",
		Context: tp.browserCtx,
		Frame:   tp.main,
		URL:     url,
		Headers: headers,
	})
	d := &fulfillRecorder{}
	return NewRoute(req, d, tp.logger), req, d
}

func TestRoute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("redirecting a frameless navigation", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		req := NewRequest(RequestParams{
			ID:         "r1",
			Context:    tp.browserCtx,
			DocumentID: "r1",
			URL:        "http://a.test/",
		})
		route := NewRoute(req, &fulfillRecorder{}, tp.logger)

		var err error
		require.NotPanics(t, func() { err = route.RedirectNavigationRequest("http://b.test/") })
		require.Error(t, err)
		assert.Equal(t, ErrorKindProgrammer, KindOf(err))
	})

	t.Run("handled once", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, _, d := newTestRoute(tp, "http://a.test/")
		assert.Equal(t, 1, tp.browserCtx.RoutesInFlight())

		require.NoError(t, route.Abort(ctx, "connectionrefused"))
		require.ErrorIs(t, route.Continue(ctx, nil), ErrRouteAlreadyHandled)
		require.ErrorIs(t, route.Fulfill(ctx, nil), ErrRouteAlreadyHandled)
		require.ErrorIs(t, route.Abort(ctx, ""), ErrRouteAlreadyHandled)

		assert.Equal(t, []string{"abort:connectionrefused"}, d.recorded())
		assert.True(t, route.IsHandled())
		assert.Zero(t, tp.browserCtx.RoutesInFlight())
	})

	t.Run("emits network events", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		var events eventRecorder[NetworkEventType]
		off := tp.browserCtx.OnNetwork(func(ev NetworkEvent) {
			assert.Same(t, tp.Page, ev.Page)
			events.record(ev.Type)
		})
		defer off()

		r1, _, _ := newTestRoute(tp, "http://a.test/1")
		r2, _, _ := newTestRoute(tp, "http://a.test/2")
		r3, _, _ := newTestRoute(tp, "http://a.test/3")
		require.NoError(t, r1.Abort(ctx, ""))
		require.NoError(t, r2.Fulfill(ctx, &RouteFulfillOptions{Body: []byte("ok")}))
		require.NoError(t, r3.Continue(ctx, nil))

		assert.Equal(t, []NetworkEventType{
			NetworkEventRequestAborted,
			NetworkEventRequestFulfilled,
			NetworkEventRequestContinued,
		}, events.all())
	})

	t.Run("fulfill defaults", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, _, d := newTestRoute(tp, "http://a.test/")
		require.NoError(t, route.Fulfill(ctx, &RouteFulfillOptions{
			ContentType: "text/plain",
			Body:        []byte("hello"),
		}))

		resp := d.fulfilled()
		require.NotNil(t, resp)
		assert.EqualValues(t, 200, resp.Status)
		assert.Equal(t, []byte("hello"), resp.Body)
		assert.Equal(t, []HTTPHeader{{Name: "Content-Type", Value: "text/plain"}}, resp.Headers)
	})

	t.Run("fulfill adds CORS headers for other origins", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, _, d := newTestRoute(tp, "http://api.test/data",
			HTTPHeader{Name: "Origin", Value: "http://a.test"})
		require.NoError(t, route.Fulfill(ctx, nil))

		headers := headersToMap(d.fulfilled().Headers)
		assert.Equal(t, "http://a.test", headers["access-control-allow-origin"])
		assert.Equal(t, "true", headers["access-control-allow-credentials"])
		assert.Equal(t, "Origin", headers["vary"])
	})

	t.Run("fulfill keeps CORS headers of the same origin", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, _, d := newTestRoute(tp, "http://a.test/data",
			HTTPHeader{Name: "Origin", Value: "http://a.test"})
		require.NoError(t, route.Fulfill(ctx, nil))
		assert.Empty(t, d.fulfilled().Headers)
	})

	t.Run("fulfill with a stored fetch response", func(t *testing.T) {
		t.Parallel()

		registry := NewRequestContextRegistry()
		tp := newTestPage(t)
		other := NewBrowserContext(context.Background(), newTestConfig(), registry, tp.logger, nil)
		defer other.Close()
		tp.browserCtx.registry = registry
		registry.register(tp.browserCtx)
		defer registry.unregister(tp.browserCtx)
		assert.Equal(t, 2, registry.Len())

		uid := other.StoreFetchResponse([]byte("stored"))
		route, _, d := newTestRoute(tp, "http://a.test/")
		require.NoError(t, route.Fulfill(ctx, &RouteFulfillOptions{FetchResponseUID: uid}))
		assert.Equal(t, []byte("stored"), d.fulfilled().Body)

		other.DisposeFetchResponse(uid)
		route, _, _ = newTestRoute(tp, "http://a.test/")
		assert.ErrorContains(t, route.Fulfill(ctx, &RouteFulfillOptions{FetchResponseUID: uid}),
			"fetch response has been disposed")
	})

	t.Run("delegate failure", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, _, d := newTestRoute(tp, "http://a.test/")
		d.err = errors.New("no such interception")

		err := route.Fulfill(ctx, nil)
		require.Error(t, err)
		assert.ErrorContains(t, err, `fulfilling request "http://a.test/": no such interception`)
	})

	t.Run("continue overrides", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, req, d := newTestRoute(tp, "http://a.test/")
		require.NoError(t, route.Continue(ctx, &RouteContinueOptions{
			URL:     "http://a.test/v2",
			Method:  "POST",
			Headers: []HTTPHeader{{Name: "X-Test", Value: "1"}},
		}))

		assert.Equal(t, []string{"continue"}, d.recorded())
		assert.Equal(t, "http://a.test/v2", req.URL())
		assert.Equal(t, "POST", req.Method())
		v, ok := req.HeaderValue("x-test")
		assert.True(t, ok)
		assert.Equal(t, "1", v)
	})

	t.Run("continue can't change the protocol", func(t *testing.T) {
		t.Parallel()

		tp := newTestPage(t)
		route, _, d := newTestRoute(tp, "http://a.test/")
		err := route.Continue(ctx, &RouteContinueOptions{URL: "file:///etc/passwd"})
		require.Error(t, err)
		assert.Equal(t, ErrorKindProgrammer, KindOf(err))
		assert.Empty(t, d.recorded())
	})
}
