package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/frameflow/config"
	"github.com/liuxd6825/frameflow/log"
)

type elementStub struct {
	preview  string
	visible  atomic.Bool
	clickFn  func() error
	clicks   atomic.Int32
	filled   atomic.Value
	pressed  atomic.Value
	disposed atomic.Int32
}

func newElementStub(preview string, visible bool) *elementStub {
	e := &elementStub{preview: preview}
	e.visible.Store(visible)
	return e
}

func (e *elementStub) Preview() string { return e.preview }

func (e *elementStub) IsVisible(context.Context) (bool, error) {
	return e.visible.Load(), nil
}

func (e *elementStub) Click(context.Context) error {
	e.clicks.Add(1)
	if e.clickFn != nil {
		return e.clickFn()
	}
	return nil
}

func (e *elementStub) Fill(_ context.Context, value string) error {
	e.filled.Store(value)
	return nil
}

func (e *elementStub) Press(_ context.Context, key string) error {
	e.pressed.Store(key)
	return nil
}

func (e *elementStub) Dispose() { e.disposed.Add(1) }

type selectorsStub struct {
	mu       sync.Mutex
	queryFn  func(selector string) ([]ElementHandle, error)
	expectFn func(elements []ElementHandle, opts *FrameExpectOptions) (bool, any, error)
	queries  atomic.Int32
}

func (s *selectorsStub) setQuery(fn func(selector string) ([]ElementHandle, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryFn = fn
}

func (s *selectorsStub) setExpect(fn func(elements []ElementHandle, opts *FrameExpectOptions) (bool, any, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectFn = fn
}

func (s *selectorsStub) QueryAll(_ context.Context, _ ExecutionContext, selector string) ([]ElementHandle, error) {
	s.queries.Add(1)
	s.mu.Lock()
	fn := s.queryFn
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(selector)
}

func (s *selectorsStub) Expect(
	_ context.Context, _ ExecutionContext, elements []ElementHandle, opts *FrameExpectOptions,
) (bool, any, error) {
	s.mu.Lock()
	fn := s.expectFn
	s.mu.Unlock()
	if fn == nil {
		return false, nil, errors.New("no expectation")
	}
	return fn(elements, opts)
}

type executionContextStub struct {
	id string

	mu     sync.Mutex
	reason string
}

func (e *executionContextStub) ID() string { return e.id }

func (e *executionContextStub) Evaluate(_ context.Context, expression string, _ any) (any, error) {
	return expression, nil
}

func (e *executionContextStub) Destroyed(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reason = reason
}

func (e *executionContextStub) destroyedReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

type pageDelegateStub struct {
	mu         sync.Mutex
	navigateFn func(f *Frame, url, referer string) (string, error)
	epilogues  atomic.Int32
}

func (d *pageDelegateStub) setNavigate(fn func(f *Frame, url, referer string) (string, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigateFn = fn
}

func (d *pageDelegateStub) NavigateFrame(_ context.Context, f *Frame, url, referer string) (string, error) {
	d.mu.Lock()
	fn := d.navigateFn
	d.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(f, url, referer)
}

func (d *pageDelegateStub) InputActionEpilogue(context.Context) error {
	d.epilogues.Add(1)
	return nil
}

type routeDelegateStub struct {
	mu      sync.Mutex
	actions []string
}

func (d *routeDelegateStub) record(action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
}

func (d *routeDelegateStub) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *routeDelegateStub) Abort(_ context.Context, errorCode string) error {
	d.record("abort:" + errorCode)
	return nil
}

func (d *routeDelegateStub) Fulfill(context.Context, *FulfillResponse) error {
	d.record("fulfill")
	return nil
}

func (d *routeDelegateStub) Continue(context.Context, *RequestOverrides) error {
	d.record("continue")
	return nil
}

const testNetworkIdleWindow = 50 * time.Millisecond

func newTestConfig() config.Config {
	cfg := config.NewConfig()
	cfg.Timeout = config.NullDurationFrom(5 * time.Second)
	cfg.NetworkIdleWindow = config.NullDurationFrom(testNetworkIdleWindow)
	cfg.RetryBackoff = config.NullDurationsFrom(0, 5*time.Millisecond, 10*time.Millisecond)
	return cfg
}

type testPage struct {
	*Page
	delegate  *pageDelegateStub
	selectors *selectorsStub
	main      *Frame
}

// newTestPage returns a page with an attached main frame whose main world
// context is ready. The page is closed when the test ends.
func newTestPage(t *testing.T) *testPage {
	t.Helper()

	bctx := NewBrowserContext(context.Background(), newTestConfig(), nil, log.NewNullLogger(), nil)
	t.Cleanup(bctx.Close)

	d := &pageDelegateStub{}
	s := &selectorsStub{}
	p, err := bctx.NewPage(d, s)
	require.NoError(t, err)

	main := p.frameManager.frameAttached("main", "")
	require.NotNil(t, main)
	main.contextCreated(WorldMain, &executionContextStub{id: "1"})

	return &testPage{Page: p, delegate: d, selectors: s, main: main}
}

func (tp *testPage) attachFrame(t *testing.T, id, parentID string) *Frame {
	t.Helper()

	f := tp.frameManager.frameAttached(cdp.FrameID(id), cdp.FrameID(parentID))
	require.NotNil(t, f)
	f.contextCreated(WorldMain, &executionContextStub{id: id})
	return f
}

func (tp *testPage) startRequest(f *Frame, id, url, documentID string) *Request {
	req := NewRequest(RequestParams{
		ID:         id,
		Context:    tp.browserCtx,
		Frame:      f,
		DocumentID: documentID,
		URL:        url,
		Timestamp:  time.Now(),
	})
	tp.frameManager.requestStarted(req, nil)
	return req
}

func (tp *testPage) finishRequest(req *Request, status int64) *Response {
	resp := NewResponse(req, ResponseParams{URL: req.URL(), Status: status})
	tp.frameManager.requestReceivedResponse(resp)
	resp.requestFinished(nil)
	tp.frameManager.reportRequestFinished(req, resp)
	return resp
}

// commit commits documentID in f and fires the load events.
func (tp *testPage) commit(f *Frame, url, documentID string) {
	tp.frameManager.frameCommittedNewDocumentNavigation(f.frameID(), url, "", documentID, false)
	tp.frameManager.frameLifecycleEvent(f.frameID(), LifecycleEventDOMContentLoad)
	tp.frameManager.frameLifecycleEvent(f.frameID(), LifecycleEventLoad)
}

func newTestProgress(t *testing.T, timeout time.Duration) *Progress {
	t.Helper()

	p, release := newProgress(context.Background(), log.NewNullLogger(), "", timeout)
	t.Cleanup(release)
	return p
}

type eventRecorder[E any] struct {
	mu     sync.Mutex
	events []E
}

func (r *eventRecorder[E]) record(ev E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.events...)
}
