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
	"sync"

	"github.com/google/uuid"

	"github.com/liuxd6825/frameflow/config"
	"github.com/liuxd6825/frameflow/log"
	"github.com/liuxd6825/frameflow/trace"
)

// BrowserContext stores context information for a single independent browser session.
// Its pages share the request interceptor, the network events and the
// fetch responses stored for route fulfillment.
type BrowserContext struct {
	ctx             context.Context
	id              string
	cfg             config.Config
	timeoutSettings *TimeoutSettings
	logger          *log.Logger
	tracer          *trace.Tracer
	registry        *RequestContextRegistry

	networkEvents eventEmitter[NetworkEvent]

	mu             sync.RWMutex
	closed         bool
	interceptor    RequestInterceptor
	extraHeaders   []HTTPHeader
	pages          map[*Page]struct{}
	routesInFlight map[*Route]struct{}
	fetchResponses map[string][]byte
}

// NewBrowserContext creates a new browser context and registers it in
// registry, which may be nil.
func NewBrowserContext(
	ctx context.Context, cfg config.Config, registry *RequestContextRegistry, logger *log.Logger, tracer *trace.Tracer,
) *BrowserContext {
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	b := &BrowserContext{
		ctx:             ctx,
		id:              uuid.NewString(),
		cfg:             cfg,
		timeoutSettings: newTimeoutSettingsFromConfig(cfg),
		logger:          logger,
		tracer:          tracer,
		registry:        registry,
		pages:           make(map[*Page]struct{}),
		routesInFlight:  make(map[*Route]struct{}),
		fetchResponses:  make(map[string][]byte),
	}
	if registry != nil {
		registry.register(b)
	}
	b.logger.Debugf("BrowserContext:New", "bctxid:%s", b.id)

	return b
}

// ID returns the guid of the context.
func (b *BrowserContext) ID() string { return b.id }

// NewPage creates a page in the context.
func (b *BrowserContext) NewPage(delegate PageDelegate, selectors Selectors) (*Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrTargetClosed
	}
	p := NewPage(b.ctx, b, delegate, selectors)
	b.pages[p] = struct{}{}
	b.logger.Debugf("BrowserContext:NewPage", "bctxid:%s pages:%d", b.id, len(b.pages))

	return p, nil
}

// Pages returns the open pages of the context.
func (b *BrowserContext) Pages() []*Page {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pages := make([]*Page, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	return pages
}

func (b *BrowserContext) removePage(p *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, p)
}

// Close closes the pages of the context and drops its fetch responses.
func (b *BrowserContext) Close() {
	b.logger.Debugf("BrowserContext:Close", "bctxid:%s", b.id)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, p := range b.Pages() {
		p.Close()
	}
	if b.registry != nil {
		b.registry.unregister(b)
	}

	b.mu.Lock()
	clear(b.fetchResponses)
	b.mu.Unlock()
}

// SetDefaultTimeout sets the default timeout of the actions of every page.
func (b *BrowserContext) SetDefaultTimeout(timeout int64) {
	b.timeoutSettings.SetDefaultTimeout(msToDuration(timeout))
}

// SetDefaultNavigationTimeout sets the default navigation timeout of every page.
func (b *BrowserContext) SetDefaultNavigationTimeout(timeout int64) {
	b.timeoutSettings.SetDefaultNavigationTimeout(msToDuration(timeout))
}

// SetExtraHTTPHeaders sets the headers sent with every request of pages
// that don't set their own.
func (b *BrowserContext) SetExtraHTTPHeaders(headers map[string]string) {
	hh := make([]HTTPHeader, 0, len(headers))
	for k, v := range headers {
		hh = append(hh, HTTPHeader{Name: k, Value: v})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extraHeaders = hh
}

func (b *BrowserContext) extraHTTPHeaders() []HTTPHeader {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.extraHeaders
}

func (b *BrowserContext) baseURL() string {
	return b.cfg.BaseURL.String
}

// Route sets the interceptor offered the requests that no page
// interceptor took.
func (b *BrowserContext) Route(fn RequestInterceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

func (b *BrowserContext) requestInterceptor() RequestInterceptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.interceptor
}

func (b *BrowserContext) addRouteInFlight(r *Route) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routesInFlight[r] = struct{}{}
}

func (b *BrowserContext) removeRouteInFlight(r *Route) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routesInFlight, r)
}

// RoutesInFlight returns the number of routes not handled yet.
func (b *BrowserContext) RoutesInFlight() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routesInFlight)
}

// StoreFetchResponse keeps body under a new uid for a later
// Route.Fulfill and returns the uid.
func (b *BrowserContext) StoreFetchResponse(body []byte) string {
	uid := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchResponses[uid] = body
	return uid
}

// DisposeFetchResponse drops the response stored under uid.
func (b *BrowserContext) DisposeFetchResponse(uid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fetchResponses, uid)
}

func (b *BrowserContext) fetchResponse(uid string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	body, ok := b.fetchResponses[uid]
	return body, ok
}

// OnNetwork registers fn for the network events of every page.
func (b *BrowserContext) OnNetwork(fn func(NetworkEvent)) (off func()) {
	return b.networkEvents.on(fn)
}

func (b *BrowserContext) emitNetworkEvent(typ NetworkEventType, req *Request, resp *Response) {
	if b == nil {
		return
	}
	var page *Page
	if req.frame != nil {
		page = req.frame.page
	}
	b.networkEvents.emit(NetworkEvent{Type: typ, Page: page, Request: req, Response: resp})
}
