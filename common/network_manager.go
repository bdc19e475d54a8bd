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
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/liuxd6825/frameflow/log"
)

// NetworkManager turns the network and fetch events of a session into
// requests and responses, and reports them to the frame manager.
type NetworkManager struct {
	ctx          context.Context
	logger       *log.Logger
	session      Session
	frameManager *FrameManager
	errorReasons map[string]network.ErrorReason

	reqsMu         sync.RWMutex
	reqIDToRequest map[network.RequestID]*Request

	// With interception on, a request is created once both its
	// requestWillBeSent and its requestPaused events arrived.
	eventsMu                      sync.Mutex
	reqIDToRequestWillBeSentEvent map[network.RequestID]*network.EventRequestWillBeSent
	reqIDToRequestPausedEvent     map[network.RequestID]*fetch.EventRequestPaused

	interceptionMu                 sync.Mutex
	userReqInterceptionEnabled     bool
	protocolReqInterceptionEnabled bool
}

// NewNetworkManager creates a new network manager.
func NewNetworkManager(ctx context.Context, s Session, fm *FrameManager, l *log.Logger) *NetworkManager {
	return &NetworkManager{
		ctx:                           ctx,
		logger:                        l,
		session:                       s,
		frameManager:                  fm,
		errorReasons:                  errorReasons(),
		reqIDToRequest:                make(map[network.RequestID]*Request),
		reqIDToRequestWillBeSentEvent: make(map[network.RequestID]*network.EventRequestWillBeSent),
		reqIDToRequestPausedEvent:     make(map[network.RequestID]*fetch.EventRequestPaused),
	}
}

func errorReasons() map[string]network.ErrorReason {
	return map[string]network.ErrorReason{
		"aborted":              network.ErrorReasonAborted,
		"accessdenied":         network.ErrorReasonAccessDenied,
		"addressunreachable":   network.ErrorReasonAddressUnreachable,
		"blockedbyclient":      network.ErrorReasonBlockedByClient,
		"blockedbyresponse":    network.ErrorReasonBlockedByResponse,
		"connectionaborted":    network.ErrorReasonConnectionAborted,
		"connectionclosed":     network.ErrorReasonConnectionClosed,
		"connectionfailed":     network.ErrorReasonConnectionFailed,
		"connectionrefused":    network.ErrorReasonConnectionRefused,
		"connectionreset":      network.ErrorReasonConnectionReset,
		"internetdisconnected": network.ErrorReasonInternetDisconnected,
		"namenotresolved":      network.ErrorReasonNameNotResolved,
		"timedout":             network.ErrorReasonTimedOut,
		"failed":               network.ErrorReasonFailed,
	}
}

func (m *NetworkManager) initDomains() error {
	action := network.Enable()
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("internal error while enabling %T: %w", action, err)
	}
	return nil
}

func (m *NetworkManager) setRequestInterception(enabled bool) error {
	m.interceptionMu.Lock()
	defer m.interceptionMu.Unlock()

	m.userReqInterceptionEnabled = enabled
	if enabled == m.protocolReqInterceptionEnabled {
		return nil
	}

	actions := []interface {
		Do(context.Context) error
	}{
		network.SetCacheDisabled(true),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		}),
	}
	if !enabled {
		actions = actions[:0]
		actions = append(actions, network.SetCacheDisabled(false), fetch.Disable())
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			return fmt.Errorf("internal error while updating protocol request interception %T: %w", action, err)
		}
	}
	m.protocolReqInterceptionEnabled = enabled

	return nil
}

func (m *NetworkManager) interceptionEnabled() bool {
	m.interceptionMu.Lock()
	defer m.interceptionMu.Unlock()
	return m.protocolReqInterceptionEnabled
}

func (m *NetworkManager) requestFromID(reqID network.RequestID) (*Request, bool) {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	r, ok := m.reqIDToRequest[reqID]
	return r, ok
}

func (m *NetworkManager) deleteRequestByID(reqID network.RequestID) {
	m.reqsMu.Lock()
	defer m.reqsMu.Unlock()
	delete(m.reqIDToRequest, reqID)
}

func isInternalURL(u string) bool {
	return strings.HasPrefix(u, "data:") || strings.HasPrefix(u, "blob:")
}

// onRequestWillBeSent creates the request right away when interception
// is off. Otherwise it waits for the paused event of the same request.
func (m *NetworkManager) onRequestWillBeSent(event *network.EventRequestWillBeSent) {
	m.logger.Debugf("NetworkManager:onRequestWillBeSent", "rid:%s url:%s fid:%s",
		event.RequestID, event.Request.URL, event.FrameID)

	if !m.interceptionEnabled() || isInternalURL(event.Request.URL) {
		m.onRequest(event, nil)
		return
	}

	m.eventsMu.Lock()
	paused, ok := m.reqIDToRequestPausedEvent[event.RequestID]
	if ok {
		delete(m.reqIDToRequestPausedEvent, event.RequestID)
	} else {
		m.reqIDToRequestWillBeSentEvent[event.RequestID] = event
	}
	m.eventsMu.Unlock()

	if ok {
		m.onRequest(event, paused)
	}
}

func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) {
	m.logger.Debugf("NetworkManager:onRequestPaused", "sid:%s url:%v nid:%s",
		m.session.ID(), event.Request.URL, event.NetworkID)

	if event.NetworkID == "" || isInternalURL(event.Request.URL) {
		d := &fetchRouteDelegate{m: m, interceptionID: event.RequestID}
		if err := d.Continue(m.ctx, &RequestOverrides{}); err != nil {
			m.logger.Debugf("NetworkManager:onRequestPaused", "continuing untracked request %s: %v",
				event.Request.URL, err)
		}
		return
	}

	m.eventsMu.Lock()
	willBeSent, ok := m.reqIDToRequestWillBeSentEvent[event.NetworkID]
	if ok {
		delete(m.reqIDToRequestWillBeSentEvent, event.NetworkID)
	} else {
		m.reqIDToRequestPausedEvent[event.NetworkID] = event
	}
	m.eventsMu.Unlock()

	if ok {
		m.onRequest(willBeSent, event)
	}
}

func (m *NetworkManager) onRequest(event *network.EventRequestWillBeSent, paused *fetch.EventRequestPaused) {
	if isInternalURL(event.Request.URL) {
		m.logger.Debugf("NetworkManager:onRequest", "skipping request handling of %s", event.Request.URL)
		return
	}

	var redirectedFrom *Request
	if event.RedirectResponse != nil {
		if req, ok := m.requestFromID(event.RequestID); ok {
			m.handleRequestRedirect(req, event.RedirectResponse)
			redirectedFrom = req
		}
	}

	frame, ok := m.frameManager.getFrameByID(event.FrameID)
	if !ok && paused != nil && paused.FrameID != "" {
		frame, ok = m.frameManager.getFrameByID(paused.FrameID)
	}
	if !ok {
		m.logger.Debugf("NetworkManager:onRequest", "url:%s method:%s fid:%s frame is nil",
			event.Request.URL, event.Request.Method, event.FrameID)
		// Requests of workers and detached frames are not tracked. A paused
		// one still has to be let through.
		if paused != nil {
			d := &fetchRouteDelegate{m: m, interceptionID: paused.RequestID}
			if err := d.Continue(m.ctx, &RequestOverrides{}); err != nil {
				m.logger.Debugf("NetworkManager:onRequest", "continuing frameless request %s: %v",
					event.Request.URL, err)
			}
		}
		return
	}

	var documentID string
	if event.RequestID.String() == event.LoaderID.String() && event.Type == network.ResourceTypeDocument {
		documentID = event.LoaderID.String()
	}
	postData, err := postDataOf(event.Request)
	if err != nil {
		m.logger.Errorf("NetworkManager:onRequest", "creating request: %s", err)
		return
	}

	req := NewRequest(RequestParams{
		ID:             event.RequestID.String(),
		Context:        m.frameManager.page.browserCtx,
		Frame:          frame,
		RedirectedFrom: redirectedFrom,
		DocumentID:     documentID,
		URL:            event.Request.URL + event.Request.URLFragment,
		ResourceType:   event.Type.String(),
		Method:         event.Request.Method,
		PostData:       postData,
		Headers:        toHTTPHeaders(event.Request.Headers),
		Timestamp:      wallTime(event),
	})
	m.reqsMu.Lock()
	m.reqIDToRequest[event.RequestID] = req
	m.reqsMu.Unlock()

	var route *Route
	if paused != nil {
		route = NewRoute(req, &fetchRouteDelegate{m: m, interceptionID: paused.RequestID}, m.logger)
	}
	m.frameManager.requestStarted(req, route)
}

func (m *NetworkManager) handleRequestRedirect(req *Request, redirectResponse *network.Response) {
	resp := NewResponse(req, responseParams(redirectResponse, nil))
	resp.requestFinished(nil)
	m.deleteRequestByID(network.RequestID(req.id))

	m.frameManager.requestReceivedResponse(resp)
	m.frameManager.reportRequestFinished(req, resp)
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	req, ok := m.requestFromID(event.RequestID)
	if !ok {
		return
	}
	rid := event.RequestID
	resp := NewResponse(req, responseParams(event.Response, func(ctx context.Context) ([]byte, error) {
		body, err := network.GetResponseBody(rid).Do(cdp.WithExecutor(ctx, m.session))
		if err != nil {
			return nil, fmt.Errorf("getting response body: %w", err)
		}
		return body, nil
	}))
	m.frameManager.requestReceivedResponse(resp)
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	req, ok := m.requestFromID(event.RequestID)
	if !ok {
		return
	}
	m.deleteRequestByID(event.RequestID)

	resp := req.ExistingResponse()
	if resp != nil {
		resp.requestFinished(nil)
	}
	m.frameManager.reportRequestFinished(req, resp)
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	req, ok := m.requestFromID(event.RequestID)
	if !ok {
		// TODO: add handling of iframe document requests starting in one session and ending up in another
		return
	}
	m.deleteRequestByID(event.RequestID)

	if resp := req.ExistingResponse(); resp != nil {
		resp.requestFinished(errors.New(event.ErrorText))
	}
	req.setFailureText(event.ErrorText)
	m.frameManager.requestFailed(req, event.Canceled)
}

func responseParams(r *network.Response, getBody func(context.Context) ([]byte, error)) ResponseParams {
	return ResponseParams{
		URL:               r.URL,
		Status:            r.Status,
		StatusText:        r.StatusText,
		Headers:           toHTTPHeaders(r.Headers),
		FromServiceWorker: r.FromServiceWorker,
		Timestamp:         time.Now(),
		GetBody:           getBody,
	}
}

func postDataOf(r *network.Request) ([]byte, error) {
	var b []byte
	for _, e := range r.PostDataEntries {
		if e == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			return nil, fmt.Errorf("decoding postData %q: %w", e.Bytes, err)
		}
		b = append(b, decoded...)
	}
	return b, nil
}

func wallTime(event *network.EventRequestWillBeSent) time.Time {
	if event.WallTime == nil {
		return time.Now()
	}
	return event.WallTime.Time()
}

func toHTTPHeaders(h network.Headers) []HTTPHeader {
	headers := make([]HTTPHeader, 0, len(h))
	for n, v := range h {
		headers = append(headers, HTTPHeader{Name: n, Value: fmt.Sprint(v)})
	}
	slices.SortFunc(headers, func(a, b HTTPHeader) int { return strings.Compare(a.Name, b.Name) })
	return headers
}

func toFetchHeaders(headers []HTTPHeader) []*fetch.HeaderEntry {
	if len(headers) == 0 {
		return nil
	}

	fetchHeaders := make([]*fetch.HeaderEntry, len(headers))
	for i, header := range headers {
		fetchHeaders[i] = &fetch.HeaderEntry{
			Name:  header.Name,
			Value: header.Value,
		}
	}
	return fetchHeaders
}

// fetchRouteDelegate resolves a route by answering the paused request of
// the fetch domain.
type fetchRouteDelegate struct {
	m              *NetworkManager
	interceptionID fetch.RequestID
}

func (d *fetchRouteDelegate) Abort(ctx context.Context, errorCode string) error {
	d.m.logger.Debugf("NetworkManager:AbortRequest", "aborting request (id: %s, errorReason: %s)",
		d.interceptionID, errorCode)
	reason, ok := d.m.errorReasons[errorCode]
	if !ok {
		return NewError(ErrorKindProgrammer, "unknown error code: %s", errorCode)
	}

	action := fetch.FailRequest(d.interceptionID, reason)
	if err := action.Do(cdp.WithExecutor(ctx, d.m.session)); err != nil {
		if errors.Is(err, context.Canceled) {
			d.m.logger.Debugf("NetworkManager:AbortRequest", "context canceled interrupting request")
			return nil
		}
		return fmt.Errorf("fail to abort request (id: %s): %w", d.interceptionID, err)
	}
	return nil
}

func (d *fetchRouteDelegate) Continue(ctx context.Context, o *RequestOverrides) error {
	d.m.logger.Debugf("NetworkManager:ContinueRequest", "continuing request (id: %s)", d.interceptionID)

	action := fetch.ContinueRequest(d.interceptionID)
	if len(o.Headers) > 0 {
		action = action.WithHeaders(toFetchHeaders(o.Headers))
	}
	if o.URL != "" {
		action = action.WithURL(o.URL)
	}
	if o.Method != "" {
		action = action.WithMethod(o.Method)
	}
	if len(o.PostData) > 0 {
		action = action.WithPostData(base64.StdEncoding.EncodeToString(o.PostData))
	}

	if err := action.Do(cdp.WithExecutor(ctx, d.m.session)); err != nil {
		if errors.Is(err, context.Canceled) {
			d.m.logger.Debugf("NetworkManager:ContinueRequest", "context canceled continuing request")
			return nil
		}
		// The page navigated away and the browser stopped tracking the request.
		if strings.Contains(err.Error(), "Invalid InterceptionId") {
			d.m.logger.Debugf("NetworkManager:ContinueRequest", "invalid interception ID (%s) continuing request: %s",
				d.interceptionID, err)
			return nil
		}
		return fmt.Errorf("fail to continue request (id: %s): %w", d.interceptionID, err)
	}
	return nil
}

func (d *fetchRouteDelegate) Fulfill(ctx context.Context, r *FulfillResponse) error {
	action := fetch.FulfillRequest(d.interceptionID, r.Status)
	if headers := toFetchHeaders(r.Headers); len(headers) > 0 {
		action = action.WithResponseHeaders(headers)
	}
	if len(r.Body) > 0 {
		action = action.WithBody(base64.StdEncoding.EncodeToString(r.Body))
	}

	if err := action.Do(cdp.WithExecutor(ctx, d.m.session)); err != nil {
		if errors.Is(err, context.Canceled) {
			d.m.logger.Debugf("NetworkManager:FulfillRequest", "context canceled fulfilling request")
			return nil
		}
		return fmt.Errorf("fail to fulfill request (id: %s): %w", d.interceptionID, err)
	}
	return nil
}
