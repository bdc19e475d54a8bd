package common

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ResponseParams describe a response as reported by the browser.
type ResponseParams struct {
	URL               string
	Status            int64
	StatusText        string
	Headers           []HTTPHeader
	FromServiceWorker bool
	Timestamp         time.Time
	// GetBody fetches the body once the transfer has finished.
	GetBody func(ctx context.Context) ([]byte, error)
}

// Response represents a browser HTTP response.
type Response struct {
	request *Request

	url               string
	status            int64
	statusText        string
	headers           []HTTPHeader
	headersMap        map[string]string
	fromServiceWorker bool
	timestamp         time.Time
	getBody           func(ctx context.Context) ([]byte, error)

	finishedOnce sync.Once
	finishedCh   chan struct{}
	finishedErr  error

	bodyGroup singleflight.Group
	bodyMu    sync.Mutex
	body      []byte
	bodyDone  bool
}

// NewResponse creates the response of req and attaches it to req.
func NewResponse(req *Request, p ResponseParams) *Response {
	resp := &Response{
		request:           req,
		url:               p.URL,
		status:            p.Status,
		statusText:        p.StatusText,
		headers:           p.Headers,
		headersMap:        headersToMap(p.Headers),
		fromServiceWorker: p.FromServiceWorker,
		timestamp:         p.Timestamp,
		getBody:           p.GetBody,
		finishedCh:        make(chan struct{}),
	}
	req.setResponse(resp)

	return resp
}

// Request returns the request of the response.
func (r *Response) Request() *Request { return r.request }

// Frame returns the frame that issued the request.
func (r *Response) Frame() *Frame { return r.request.frame }

// URL returns the URL of the response.
func (r *Response) URL() string { return r.url }

// Status returns the HTTP status code.
func (r *Response) Status() int64 { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// Ok reports whether the status is in the 2xx range or zero.
func (r *Response) Ok() bool { return r.status == 0 || (r.status >= 200 && r.status <= 299) }

// Headers returns the response headers.
func (r *Response) Headers() []HTTPHeader { return r.headers }

// HeaderValue returns the value of a header, matched case insensitively.
func (r *Response) HeaderValue(name string) (string, bool) {
	v, ok := r.headersMap[strings.ToLower(name)]
	return v, ok
}

// FromServiceWorker reports whether a service worker served the response.
func (r *Response) FromServiceWorker() bool { return r.fromServiceWorker }

// requestFinished marks the transfer complete; err is set for failures.
func (r *Response) requestFinished(err error) {
	r.finishedOnce.Do(func() {
		r.finishedErr = err
		close(r.finishedCh)
	})
}

// Finished waits for the transfer to complete.
func (r *Response) Finished(ctx context.Context) error {
	select {
	case <-r.finishedCh:
		return r.finishedErr
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Body returns the response body. It's fetched once and shared by all
// callers, including concurrent ones.
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	if err := r.Finished(ctx); err != nil {
		return nil, err
	}
	if r.status >= 300 && r.status <= 399 {
		return nil, fmt.Errorf("response body is unavailable for redirect responses")
	}

	r.bodyMu.Lock()
	if r.bodyDone {
		b := r.body
		r.bodyMu.Unlock()
		return b, nil
	}
	r.bodyMu.Unlock()

	v, err, _ := r.bodyGroup.Do("body", func() (any, error) {
		if r.getBody == nil {
			return []byte(nil), nil
		}
		b, err := r.getBody(ctx)
		if err != nil {
			return nil, err
		}
		r.bodyMu.Lock()
		r.body, r.bodyDone = b, true
		r.bodyMu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting response body of %q: %w", r.url, err)
	}

	return v.([]byte), nil //nolint:forcetypeassert
}
