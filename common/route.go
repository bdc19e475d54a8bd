package common

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/liuxd6825/frameflow/log"
)

// RouteDelegate carries out the decision taken on an intercepted request.
type RouteDelegate interface {
	Abort(ctx context.Context, errorCode string) error
	Fulfill(ctx context.Context, resp *FulfillResponse) error
	Continue(ctx context.Context, overrides *RequestOverrides) error
}

// FulfillResponse is the response a route answers a request with.
type FulfillResponse struct {
	Status  int64
	Headers []HTTPHeader
	Body    []byte
}

// RouteFulfillOptions are the options of Route.Fulfill.
type RouteFulfillOptions struct {
	Status      int64
	Headers     []HTTPHeader
	ContentType string
	Body        []byte
	// FetchResponseUID names a response stored with
	// BrowserContext.StoreFetchResponse whose body is used instead of Body.
	FetchResponseUID string
}

// RouteContinueOptions are the options of Route.Continue.
type RouteContinueOptions struct {
	URL      string
	Method   string
	PostData []byte
	Headers  []HTTPHeader

	isFallback bool
}

// RequestInterceptor is offered every intercepted request. It returns
// true when it took over the route, which it must then handle exactly once.
type RequestInterceptor func(route *Route, req *Request) bool

// Route allows exactly one of abort, fulfill, continue or redirect on an
// intercepted request.
type Route struct {
	id       string
	request  *Request
	delegate RouteDelegate
	logger   *log.Logger

	mu      sync.Mutex
	handled bool
}

// NewRoute creates a route for req and tracks it as in flight.
func NewRoute(req *Request, delegate RouteDelegate, logger *log.Logger) *Route {
	r := &Route{
		id:       uuid.NewString(),
		request:  req,
		delegate: delegate,
		logger:   logger,
	}
	if req.bctx != nil {
		req.bctx.addRouteInFlight(r)
	}

	return r
}

// Request returns the intercepted request.
func (r *Route) Request() *Request { return r.request }

// IsHandled reports whether the route was already handled.
func (r *Route) IsHandled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

func (r *Route) startHandling() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handled {
		return ErrRouteAlreadyHandled
	}
	r.handled = true

	return nil
}

func (r *Route) endHandling() {
	if r.request.bctx != nil {
		r.request.bctx.removeRouteInFlight(r)
	}
}

func (r *Route) emit(typ NetworkEventType) {
	if r.request.bctx != nil {
		r.request.bctx.emitNetworkEvent(typ, r.request, nil)
	}
}

// Abort fails the request with errorCode, "failed" by default.
func (r *Route) Abort(ctx context.Context, errorCode string) error {
	if err := r.startHandling(); err != nil {
		return err
	}
	defer r.endHandling()

	if errorCode == "" {
		errorCode = "failed"
	}
	r.logger.Debugf("Route:Abort", "rid:%s url:%s code:%s", r.request.id, r.request.URL(), errorCode)
	if err := r.delegate.Abort(ctx, errorCode); err != nil {
		return fmt.Errorf("aborting request %q: %w", r.request.URL(), err)
	}
	r.emit(NetworkEventRequestAborted)

	return nil
}

// RedirectNavigationRequest replaces a navigation request with a navigation
// to url. A goto waiting for the original navigation follows the redirect.
func (r *Route) RedirectNavigationRequest(url string) error {
	if err := r.startHandling(); err != nil {
		return err
	}
	defer r.endHandling()

	if !r.request.IsNavigationRequest() {
		return NewError(ErrorKindProgrammer, "cannot redirect non-navigation requests")
	}
	frame := r.request.frame
	if frame == nil {
		return NewError(ErrorKindProgrammer, "cannot redirect a request that has no frame")
	}
	referer, _ := r.request.HeaderValue("referer")
	frame.redirectNavigation(url, r.request.documentID, referer)

	return nil
}

// Fulfill answers the request without reaching the network.
func (r *Route) Fulfill(ctx context.Context, opts *RouteFulfillOptions) error {
	if opts == nil {
		opts = &RouteFulfillOptions{}
	}
	if err := r.startHandling(); err != nil {
		return err
	}
	defer r.endHandling()

	body := opts.Body
	if uid := opts.FetchResponseUID; uid != "" {
		var ok bool
		if body, ok = r.fetchResponseBody(uid); !ok {
			return fmt.Errorf("fetch response has been disposed")
		}
	}
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	headers := append([]HTTPHeader(nil), opts.Headers...)
	if opts.ContentType != "" {
		headers = append(headers, HTTPHeader{Name: "Content-Type", Value: opts.ContentType})
	}
	headers = r.maybeAddCorsHeaders(headers)

	r.logger.Debugf("Route:Fulfill", "rid:%s url:%s status:%d", r.request.id, r.request.URL(), status)
	if err := r.delegate.Fulfill(ctx, &FulfillResponse{
		Status:  status,
		Headers: headers,
		Body:    body,
	}); err != nil {
		return fmt.Errorf("fulfilling request %q: %w", r.request.URL(), err)
	}
	r.emit(NetworkEventRequestFulfilled)

	return nil
}

func (r *Route) fetchResponseBody(uid string) ([]byte, bool) {
	bctx := r.request.bctx
	if bctx == nil {
		return nil, false
	}
	if b, ok := bctx.fetchResponse(uid); ok {
		return b, true
	}
	return bctx.registry.FindFetchResponse(uid)
}

// maybeAddCorsHeaders lets a fulfilled cross origin request through CORS.
func (r *Route) maybeAddCorsHeaders(headers []HTTPHeader) []HTTPHeader {
	origin, ok := r.request.HeaderValue("origin")
	if !ok {
		return headers
	}
	requestURL, err := url.Parse(r.request.URL())
	if err != nil || !strings.HasPrefix(requestURL.Scheme, "http") {
		return headers
	}
	if urlOrigin(requestURL.String()) == origin {
		return headers
	}
	for _, h := range headers {
		if strings.EqualFold(h.Name, "access-control-allow-origin") {
			return headers
		}
	}

	return append(headers,
		HTTPHeader{Name: "access-control-allow-origin", Value: origin},
		HTTPHeader{Name: "access-control-allow-credentials", Value: "true"},
		HTTPHeader{Name: "vary", Value: "Origin"},
	)
}

// Continue sends the request to the network, with optional overrides.
func (r *Route) Continue(ctx context.Context, opts *RouteContinueOptions) error {
	if opts == nil {
		opts = &RouteContinueOptions{}
	}
	if err := r.startHandling(); err != nil {
		return err
	}
	defer r.endHandling()

	if opts.URL != "" {
		newURL, err := url.Parse(opts.URL)
		if err != nil {
			return fmt.Errorf("parsing new URL %q: %w", opts.URL, err)
		}
		oldURL, err := url.Parse(r.request.URL())
		if err == nil && oldURL.Scheme != newURL.Scheme {
			return NewError(ErrorKindProgrammer, "new URL must have same protocol as overridden URL")
		}
	}

	overrides := &RequestOverrides{
		URL:      opts.URL,
		Method:   opts.Method,
		PostData: opts.PostData,
		Headers:  opts.Headers,
	}
	r.request.setOverrides(overrides)

	r.logger.Debugf("Route:Continue", "rid:%s url:%s fallback:%t", r.request.id, r.request.URL(), opts.isFallback)
	if err := r.delegate.Continue(ctx, overrides); err != nil {
		return fmt.Errorf("continuing request %q: %w", r.request.URL(), err)
	}
	if !opts.isFallback {
		r.emit(NetworkEventRequestContinued)
	}

	return nil
}
