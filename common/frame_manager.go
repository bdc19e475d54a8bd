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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/frameflow/config"
	"github.com/liuxd6825/frameflow/log"
	"github.com/liuxd6825/frameflow/trace"
)

// FrameManager manages all frames in HTML document.
//
// Protocol events enter through the unexported entry points below. They
// are serialized by mu, and the events they cause are delivered while mu
// is held: listeners must not call back into an entry point.
type FrameManager struct {
	ctx             context.Context
	page            *Page
	timeoutSettings *TimeoutSettings
	logger          *log.Logger
	tracer          *trace.Tracer

	networkIdleWindow time.Duration
	retryBackoff      []time.Duration

	mu sync.Mutex

	framesMu  sync.RWMutex
	frames    map[cdp.FrameID]*Frame
	mainFrame *Frame

	barriersMu sync.RWMutex
	barriers   map[*SignalBarrier]struct{}

	dialogsMu              sync.Mutex
	openedDialogs          map[*Dialog]struct{}
	closeAllOpeningDialogs bool

	webSockets map[string]*WebSocket

	id int64
}

// frameManagerID is used for logging purposes.
var frameManagerID int64 //nolint:gochecknoglobals

// NewFrameManager creates a new HTML document frame manager.
func NewFrameManager(
	ctx context.Context,
	p *Page,
	cfg config.Config,
	ts *TimeoutSettings,
	l *log.Logger,
	tracer *trace.Tracer,
) *FrameManager {
	window := config.DefaultNetworkIdleWindow
	if cfg.NetworkIdleWindow.Valid && cfg.NetworkIdleWindow.Duration > 0 {
		window = cfg.NetworkIdleWindow.Duration
	}
	backoff := config.DefaultRetryBackoff()
	if cfg.RetryBackoff.Valid && len(cfg.RetryBackoff.Durations) > 0 {
		backoff = cfg.RetryBackoff.Durations
	}
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}

	m := &FrameManager{
		ctx:               ctx,
		page:              p,
		timeoutSettings:   ts,
		logger:            l,
		tracer:            tracer,
		networkIdleWindow: window,
		retryBackoff:      backoff,
		frames:            make(map[cdp.FrameID]*Frame),
		barriers:          make(map[*SignalBarrier]struct{}),
		openedDialogs:     make(map[*Dialog]struct{}),
		webSockets:        make(map[string]*WebSocket),
		id:                atomic.AddInt64(&frameManagerID, 1),
	}

	m.logger.Debugf("FrameManager:New", "fmid:%d", m.ID())

	return m
}

// ID returns the unique ID of a FrameManager value.
func (m *FrameManager) ID() int64 {
	return atomic.LoadInt64(&m.id)
}

// MainFrame returns the main frame of the page.
func (m *FrameManager) MainFrame() *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.mainFrame
}

// Frames returns the frames of the tree, parents before children.
func (m *FrameManager) Frames() []*Frame {
	var frames []*Frame
	var collect func(f *Frame)
	collect = func(f *Frame) {
		frames = append(frames, f)
		for _, child := range f.ChildFrames() {
			collect(child)
		}
	}
	if main := m.MainFrame(); main != nil {
		collect(main)
	}
	return frames
}

// Frame returns the frame with the given id, if any.
func (m *FrameManager) Frame(id string) (*Frame, bool) {
	return m.getFrameByID(cdp.FrameID(id))
}

func (m *FrameManager) getFrameByID(id cdp.FrameID) (*Frame, bool) {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	f, ok := m.frames[id]
	return f, ok
}

func (m *FrameManager) dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:dispose", "fmid:%d", m.ID())
	m.framesMu.RLock()
	frames := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		frames = append(frames, f)
	}
	m.framesMu.RUnlock()

	for _, f := range frames {
		f.stopNetworkIdleTimer()
		f.invalidateNonStallingEvaluations("Target crashed")
	}
}

func (m *FrameManager) onNetworkIdleTimer(f *Frame, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !f.networkIdleTimerFired(gen) {
		return
	}
	m.logger.Debugf("FrameManager:onNetworkIdleTimer", "fmid:%d fid:%s quiet", m.ID(), f.ID())
	m.MainFrame().recalculateNetworkIdle(nil)
}

func (m *FrameManager) frameAttached(frameID cdp.FrameID, parentFrameID cdp.FrameID) *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameAttached", "fmid:%d fid:%v pfid:%v", m.ID(), frameID, parentFrameID)

	var parent *Frame
	if parentFrameID != "" {
		parent, _ = m.getFrameByID(parentFrameID)
	}

	if parent == nil {
		m.framesMu.Lock()
		defer m.framesMu.Unlock()

		if m.mainFrame != nil {
			// Keep the frame identity on cross process navigations.
			oldID := m.mainFrame.frameID()
			delete(m.frames, oldID)
			m.mainFrame.setID(frameID)
			m.tracer.RenameFrame(string(oldID), string(frameID))
			m.logger.Debugf("FrameManager:frameAttached:mainFrameRenamed",
				"fmid:%d ofid:%v fid:%v", m.ID(), oldID, frameID)
		} else {
			m.mainFrame = NewFrame(m, nil, frameID)
		}
		m.frames[frameID] = m.mainFrame
		return m.mainFrame
	}

	if _, ok := m.getFrameByID(frameID); ok {
		m.logger.Debugf("FrameManager:frameAttached:return", "fmid:%d fid:%v already attached", m.ID(), frameID)
		return nil
	}
	frame := NewFrame(m, parent, frameID)
	m.framesMu.Lock()
	m.frames[frameID] = frame
	m.framesMu.Unlock()
	m.page.emit(PageEvent{Type: PageEventFrameAttached, Frame: frame})

	return frame
}

func (m *FrameManager) frameRequestedNavigation(frameID cdp.FrameID, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameRequestedNavigation", "fmid:%d fid:%v doc:%s", m.ID(), frameID, documentID)

	frame, ok := m.getFrameByID(frameID)
	if !ok {
		return
	}
	if pending := frame.PendingDocument(); pending != nil && pending.documentID == documentID {
		// Don't override the request with nothing.
		m.logger.Debugf("FrameManager:frameRequestedNavigation:return",
			"fmid:%d fid:%v doc:%s already pending", m.ID(), frameID, documentID)
		return
	}

	m.barriersMu.RLock()
	for b := range m.barriers {
		b.addFrameNavigation(frame)
	}
	m.barriersMu.RUnlock()

	var request *Request
	if documentID != "" {
		frame.mu.RLock()
		for req := range frame.inflightRequests {
			if req.documentID == documentID {
				request = req
				break
			}
		}
		frame.mu.RUnlock()
	}
	frame.setPendingDocument(&DocumentInfo{documentID: documentID, request: request})
}

func (m *FrameManager) frameCommittedNewDocumentNavigation(
	frameID cdp.FrameID, url, name, documentID string, initial bool,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameCommittedNewDocumentNavigation",
		"fmid:%d fid:%v url:%s doc:%s initial:%t", m.ID(), frameID, url, documentID, initial)

	frame, ok := m.getFrameByID(frameID)
	if !ok {
		return
	}
	m.removeChildFramesRecursively(frame)
	m.clearWebSockets(frame)

	frame.mu.Lock()
	frame.url = url
	frame.name = name

	var keepPending *DocumentInfo
	if pending := frame.pendingDocument; pending != nil {
		if pending.documentID == "" {
			// Assume it's the one being committed.
			pending.documentID = documentID
		}
		if pending.documentID == documentID {
			frame.currentDocument = pending
		} else {
			// A new navigation was requested before the previous one
			// committed. Commit, but keep waiting for the pending one.
			keepPending = pending
			frame.currentDocument = &DocumentInfo{documentID: documentID}
		}
	} else {
		frame.currentDocument = &DocumentInfo{documentID: documentID}
	}
	frame.pendingDocument = nil
	current := frame.currentDocument
	frame.mu.Unlock()

	frame.onClearLifecycle()

	if frame == m.MainFrame() && !initial {
		_, span := m.tracer.TraceNavigation(m.ctx, string(frameID),
			oteltrace.WithAttributes(attribute.String("navigation.url", url)))
		span.SetAttributes(attribute.String("navigation.document_id", documentID))
	}
	m.fireInternalFrameNavigation(frame, &NavigationEvent{
		URL:         url,
		Name:        name,
		NewDocument: current,
		IsPublic:    true,
	})
	if !initial {
		m.page.frameNavigatedToNewDocument(frame)
	}

	frame.setPendingDocument(keepPending)
}

func (m *FrameManager) frameCommittedSameDocumentNavigation(frameID cdp.FrameID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameCommittedSameDocumentNavigation",
		"fmid:%d fid:%v url:%s", m.ID(), frameID, url)

	frame, ok := m.getFrameByID(frameID)
	if !ok {
		return
	}
	frame.setURL(url)
	m.fireInternalFrameNavigation(frame, &NavigationEvent{
		URL:      url,
		Name:     frame.Name(),
		IsPublic: true,
	})
}

func (m *FrameManager) frameAbortedNavigation(frameID cdp.FrameID, errorText, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameAbortedNavigationLocked(frameID, errorText, documentID)
}

func (m *FrameManager) frameAbortedNavigationLocked(frameID cdp.FrameID, errorText, documentID string) {
	m.logger.Debugf("FrameManager:frameAbortedNavigation",
		"fmid:%d fid:%v err:%s doc:%s", m.ID(), frameID, errorText, documentID)

	frame, ok := m.getFrameByID(frameID)
	if !ok {
		return
	}
	pending := frame.PendingDocument()
	if pending == nil {
		return
	}
	if documentID != "" && pending.documentID != documentID {
		return
	}

	redirected := false
	if documentID != "" {
		frame.redirectedMu.Lock()
		_, redirected = frame.redirectedNavigations[documentID]
		frame.redirectedMu.Unlock()
	}
	ev := &NavigationEvent{
		URL:         frame.URL(),
		Name:        frame.Name(),
		NewDocument: pending,
		Err:         &NavigationAbortedError{DocumentID: documentID, Msg: errorText},
		IsPublic:    !redirected,
	}
	frame.setPendingDocument(nil)
	m.fireInternalFrameNavigation(frame, ev)
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameDetached", "fmid:%d fid:%v", m.ID(), frameID)

	frame, ok := m.getFrameByID(frameID)
	if !ok {
		return
	}
	m.removeFramesRecursively(frame)
	m.MainFrame().recalculateNetworkIdle(nil)
}

func (m *FrameManager) frameLifecycleEvent(frameID cdp.FrameID, event LifecycleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameLifecycleEvent", "fmid:%d fid:%v event:%s", m.ID(), frameID, event)

	if frame, ok := m.getFrameByID(frameID); ok {
		frame.onLifecycleEvent(event)
	}
}

// frameStoppedLoading fills in the load events of a frame that stopped
// loading without reporting them.
func (m *FrameManager) frameStoppedLoading(frameID cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:frameStoppedLoading", "fmid:%d fid:%v", m.ID(), frameID)

	frame, ok := m.getFrameByID(frameID)
	if !ok {
		return
	}
	frame.onLifecycleEvent(LifecycleEventDOMContentLoad)
	frame.onLifecycleEvent(LifecycleEventLoad)
}

func (m *FrameManager) fireInternalFrameNavigation(frame *Frame, ev *NavigationEvent) {
	frame.emitNavigation(ev)
	if ev.IsPublic && ev.Err == nil {
		m.page.emit(PageEvent{Type: PageEventFrameNavigated, Frame: frame})
	}
}

func (m *FrameManager) removeChildFramesRecursively(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.removeFramesRecursively(child)
	}
}

func (m *FrameManager) removeFramesRecursively(frame *Frame) {
	m.removeChildFramesRecursively(frame)
	frame.onDetached()

	m.framesMu.Lock()
	id := frame.frameID()
	if m.frames[id] == frame {
		delete(m.frames, id)
	}
	if m.mainFrame == frame {
		m.mainFrame = nil
	}
	m.framesMu.Unlock()

	if !m.page.IsClosed() {
		m.page.emit(PageEvent{Type: PageEventFrameDetached, Frame: frame})
	}
}

func (m *FrameManager) inflightRequestStarted(req *Request) {
	frame := req.frame
	if frame == nil || req.isFavicon {
		return
	}
	if frame.inflightRequestStarted(req) {
		frame.stopNetworkIdleTimer()
	}
}

func (m *FrameManager) inflightRequestFinished(req *Request) {
	frame := req.frame
	if frame == nil || req.isFavicon {
		return
	}
	if frame.inflightRequestFinished(req) {
		frame.startNetworkIdleTimer()
	}
}

// requestStarted attributes req to its frame and offers route, if the
// request was intercepted, to the interceptors: the page server one, the
// page client one, then the context one. Unclaimed routes are continued.
func (m *FrameManager) requestStarted(req *Request, route *Route) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:requestStarted", "fmid:%d rid:%s url:%s doc:%s",
		m.ID(), req.id, req.URL(), req.documentID)

	m.inflightRequestStarted(req)
	if frame := req.frame; frame != nil && req.documentID != "" {
		frame.setPendingDocument(&DocumentInfo{documentID: req.documentID, request: req})
	}
	if req.isFavicon {
		if route != nil {
			m.continueFallback(route)
		}
		return
	}
	m.page.browserCtx.emitNetworkEvent(NetworkEventRequest, req, nil)
	if route == nil {
		return
	}

	for _, intercept := range []RequestInterceptor{
		m.page.serverRequestInterceptor(),
		m.page.clientRequestInterceptor(),
		m.page.browserCtx.requestInterceptor(),
	} {
		if intercept != nil && intercept(route, req) {
			return
		}
	}
	m.continueFallback(route)
}

func (m *FrameManager) continueFallback(route *Route) {
	go func() {
		if err := route.Continue(m.ctx, &RouteContinueOptions{isFallback: true}); err != nil {
			m.logger.Debugf("FrameManager:continueFallback", "fmid:%d url:%s err:%v",
				m.ID(), route.request.URL(), err)
		}
	}()
}

func (m *FrameManager) requestReceivedResponse(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if resp.request.isFavicon {
		return
	}
	m.page.browserCtx.emitNetworkEvent(NetworkEventResponse, resp.request, resp)
}

func (m *FrameManager) reportRequestFinished(req *Request, resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:reportRequestFinished", "fmid:%d rid:%s url:%s", m.ID(), req.id, req.URL())

	m.inflightRequestFinished(req)
	if req.isFavicon {
		return
	}
	m.page.browserCtx.emitNetworkEvent(NetworkEventRequestFinished, req, resp)
}

func (m *FrameManager) requestFailed(req *Request, canceled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("FrameManager:requestFailed", "fmid:%d rid:%s url:%s canceled:%t",
		m.ID(), req.id, req.URL(), canceled)

	m.inflightRequestFinished(req)
	if frame := req.frame; frame != nil {
		if pending := frame.PendingDocument(); pending != nil && pending.request == req {
			errorText, _ := req.Failure()
			if canceled {
				errorText += "; maybe frame was detached?"
			}
			m.frameAbortedNavigationLocked(frame.frameID(), errorText, pending.documentID)
		}
	}
	if req.isFavicon {
		return
	}
	m.page.browserCtx.emitNetworkEvent(NetworkEventRequestFailed, req, nil)
}

func (m *FrameManager) addBarrier(b *SignalBarrier) {
	m.barriersMu.Lock()
	defer m.barriersMu.Unlock()
	m.barriers[b] = struct{}{}
}

func (m *FrameManager) removeBarrier(b *SignalBarrier) {
	m.barriersMu.Lock()
	defer m.barriersMu.Unlock()
	delete(m.barriers, b)
}

// WillPotentiallyRequestNavigation is called before dispatching input
// that may start a navigation whose request has not been reported yet.
func (m *FrameManager) WillPotentiallyRequestNavigation() {
	m.barriersMu.RLock()
	defer m.barriersMu.RUnlock()
	for b := range m.barriers {
		b.retain()
	}
}

// DidPotentiallyRequestNavigation balances WillPotentiallyRequestNavigation.
func (m *FrameManager) DidPotentiallyRequestNavigation() {
	m.barriersMu.RLock()
	defer m.barriersMu.RUnlock()
	for b := range m.barriers {
		b.release()
	}
}

func (m *FrameManager) dialogDidOpen(d *Dialog) {
	m.logger.Debugf("FrameManager:dialogDidOpen", "fmid:%d type:%s", m.ID(), d.typ)

	// Ongoing evaluations are stalled until the dialog closes.
	for _, f := range m.Frames() {
		f.invalidateNonStallingEvaluations("JavaScript dialog interrupted evaluation")
	}

	m.dialogsMu.Lock()
	closeAll := m.closeAllOpeningDialogs
	if !closeAll {
		m.openedDialogs[d] = struct{}{}
	}
	m.dialogsMu.Unlock()

	if closeAll {
		go func() {
			if err := d.close(); err != nil {
				m.logger.Debugf("FrameManager:dialogDidOpen", "fmid:%d closing dialog: %v", m.ID(), err)
			}
		}()
	}
}

func (m *FrameManager) dialogWillClose(d *Dialog) {
	m.dialogsMu.Lock()
	defer m.dialogsMu.Unlock()
	delete(m.openedDialogs, d)
}

func (m *FrameManager) hasOpenedDialogs() bool {
	m.dialogsMu.Lock()
	defer m.dialogsMu.Unlock()
	return len(m.openedDialogs) > 0
}

func (m *FrameManager) setCloseAllOpeningDialogs(v bool) {
	m.dialogsMu.Lock()
	defer m.dialogsMu.Unlock()
	m.closeAllOpeningDialogs = v
}

func (m *FrameManager) closeOpenDialogs() {
	m.dialogsMu.Lock()
	dialogs := make([]*Dialog, 0, len(m.openedDialogs))
	for d := range m.openedDialogs {
		dialogs = append(dialogs, d)
	}
	m.dialogsMu.Unlock()

	for _, d := range dialogs {
		if err := d.close(); err != nil {
			m.logger.Debugf("FrameManager:closeOpenDialogs", "fmid:%d closing dialog: %v", m.ID(), err)
		}
	}

	m.dialogsMu.Lock()
	clear(m.openedDialogs)
	m.dialogsMu.Unlock()
}

func (m *FrameManager) clearWebSockets(frame *Frame) {
	if frame.ParentFrame() != nil {
		return
	}
	clear(m.webSockets)
}

func (m *FrameManager) onWebSocketCreated(requestID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webSockets[requestID] = newWebSocket(requestID, url)
}

func (m *FrameManager) onWebSocketRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.webSockets[requestID]; ok && ws.markAsNotified() {
		m.page.emit(PageEvent{Type: PageEventWebSocket, WebSocket: ws})
	}
}

func (m *FrameManager) onWebSocketResponse(requestID string, status int64, statusText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status < 400 {
		return
	}
	if ws, ok := m.webSockets[requestID]; ok {
		ws.error(webSocketResponseError(status, statusText))
	}
}

func (m *FrameManager) onWebSocketFrameSent(requestID string, opcode int, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.webSockets[requestID]; ok {
		ws.frameSent(opcode, data)
	}
}

func (m *FrameManager) webSocketFrameReceived(requestID string, opcode int, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.webSockets[requestID]; ok {
		ws.frameReceived(opcode, data)
	}
}

func (m *FrameManager) webSocketClosed(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.webSockets[requestID]; ok {
		ws.closedEvent()
	}
	delete(m.webSockets, requestID)
}

func (m *FrameManager) webSocketError(requestID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.webSockets[requestID]; ok {
		ws.error(msg)
	}
}

func (m *FrameManager) String() string {
	return fmt.Sprintf("FrameManager(%d)", m.ID())
}
