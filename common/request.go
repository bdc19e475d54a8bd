/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RequestParams describe a request as reported by the browser.
type RequestParams struct {
	ID             string
	Context        *BrowserContext
	Frame          *Frame
	RedirectedFrom *Request
	// DocumentID is set for requests that load a new document.
	DocumentID   string
	URL          string
	ResourceType string
	Method       string
	PostData     []byte
	Headers      []HTTPHeader
	Timestamp    time.Time
}

// RequestOverrides are the parts of a request a route replaced.
type RequestOverrides struct {
	URL      string
	Method   string
	PostData []byte
	Headers  []HTTPHeader
}

// Request represents a browser HTTP request. Everything but the overrides,
// the response and the failure is immutable.
type Request struct {
	bctx  *BrowserContext
	frame *Frame

	id             string
	documentID     string
	url            string
	resourceType   string
	method         string
	postData       []byte
	headers        []HTTPHeader
	headersMap     map[string]string
	timestamp      time.Time
	redirectedFrom *Request
	isFavicon      bool

	mu           sync.RWMutex
	redirectedTo *Request
	overrides    *RequestOverrides
	response     *Response
	failureText  string
	failed       bool

	responseOnce sync.Once
	responseCh   chan struct{}
}

// NewRequest creates a new HTTP request. The URL fragment is dropped.
func NewRequest(p RequestParams) *Request {
	r := &Request{
		bctx:           p.Context,
		frame:          p.Frame,
		id:             p.ID,
		documentID:     p.DocumentID,
		url:            stripFragmentFromURL(p.URL),
		resourceType:   p.ResourceType,
		method:         p.Method,
		postData:       p.PostData,
		headers:        p.Headers,
		headersMap:     headersToMap(p.Headers),
		timestamp:      p.Timestamp,
		redirectedFrom: p.RedirectedFrom,
		responseCh:     make(chan struct{}),
	}
	if r.method == "" {
		r.method = "GET"
	}
	r.isFavicon = strings.HasSuffix(r.url, "/favicon.ico")
	if from := p.RedirectedFrom; from != nil {
		r.isFavicon = r.isFavicon || from.isFavicon
		from.mu.Lock()
		from.redirectedTo = r
		from.mu.Unlock()
	}

	return r
}

// ID returns the protocol id of the request.
func (r *Request) ID() string { return r.id }

// DocumentID returns the id of the document this request loads, if any.
func (r *Request) DocumentID() string { return r.documentID }

// Frame returns the frame that issued the request.
func (r *Request) Frame() *Frame { return r.frame }

// IsNavigationRequest reports whether the request loads a document.
func (r *Request) IsNavigationRequest() bool { return r.documentID != "" }

// IsFavicon reports whether the request fetches a favicon. Such requests
// never count as inflight and are not intercepted.
func (r *Request) IsFavicon() bool { return r.isFavicon }

// ResourceType returns the type of the requested resource.
func (r *Request) ResourceType() string { return r.resourceType }

// Timestamp returns when the request was sent.
func (r *Request) Timestamp() time.Time { return r.timestamp }

// URL returns the URL, as overridden by a route.
func (r *Request) URL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.overrides != nil && r.overrides.URL != "" {
		return r.overrides.URL
	}
	return r.url
}

// Method returns the HTTP method, as overridden by a route.
func (r *Request) Method() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.overrides != nil && r.overrides.Method != "" {
		return r.overrides.Method
	}
	return r.method
}

// PostData returns the body of the request.
func (r *Request) PostData() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.overrides != nil && r.overrides.PostData != nil {
		return r.overrides.PostData
	}
	return r.postData
}

// Headers returns the request headers.
func (r *Request) Headers() []HTTPHeader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.overrides != nil && r.overrides.Headers != nil {
		return r.overrides.Headers
	}
	return r.headers
}

// HeaderValue returns the value of a header, matched case insensitively.
func (r *Request) HeaderValue(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.headersMap
	if r.overrides != nil && r.overrides.Headers != nil {
		m = headersToMap(r.overrides.Headers)
	}
	v, ok := m[strings.ToLower(name)]
	return v, ok
}

func (r *Request) setOverrides(o *RequestOverrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = o
}

// RedirectedFrom returns the request that was redirected to this one.
func (r *Request) RedirectedFrom() *Request { return r.redirectedFrom }

// RedirectedTo returns the request this one was redirected to.
func (r *Request) RedirectedTo() *Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.redirectedTo
}

// FinalRequest follows the redirect chain to its last request.
func (r *Request) FinalRequest() *Request {
	req := r
	for next := req.RedirectedTo(); next != nil; next = req.RedirectedTo() {
		req = next
	}
	return req
}

// Failure returns the error text of a failed request.
func (r *Request) Failure() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureText, r.failed
}

func (r *Request) setFailureText(text string) {
	r.mu.Lock()
	r.failureText = text
	r.failed = true
	r.mu.Unlock()
	r.resolveResponse(nil)
}

func (r *Request) setResponse(resp *Response) {
	r.resolveResponse(resp)
}

func (r *Request) resolveResponse(resp *Response) {
	r.responseOnce.Do(func() {
		r.mu.Lock()
		r.response = resp
		r.mu.Unlock()
		close(r.responseCh)
	})
}

// ExistingResponse returns the response if it was already received.
func (r *Request) ExistingResponse() *Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.response
}

// Response waits for the response. It's nil if the request failed.
func (r *Request) Response(ctx context.Context) (*Response, error) {
	select {
	case <-r.responseCh:
		return r.ExistingResponse(), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func stripFragmentFromURL(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i]
	}
	return u
}

func urlOrigin(u string) string {
	pu, err := url.Parse(u)
	if err != nil || pu.Scheme == "" || pu.Host == "" {
		return ""
	}
	return pu.Scheme + "://" + pu.Host
}
