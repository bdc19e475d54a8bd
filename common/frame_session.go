package common

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/frameflow/log"
)

const utilityWorldName = "__frameflow_utility_world__"

// FrameSession maps the CDP events of a page target onto its frame
// manager, and navigates the frames of the page for it.
type FrameSession struct {
	ctx      context.Context
	session  Session
	page     *Page
	manager  *FrameManager
	network  *NetworkManager
	targetID target.ID
	logger   *log.Logger

	queue *eventQueue
	done  chan struct{}

	// To understand the concepts of Isolated Worlds, Contexts and Frames and
	// the relationship betwween them have a look at the following doc:
	// https://chromium.googlesource.com/chromium/src/+/master/third_party/blink/renderer/bindings/core/v8/V8BindingDesign.md
	contextIDToContextMu sync.Mutex
	contextIDToContext   map[cdpruntime.ExecutionContextID]*executionContext
}

// NewFrameSession creates the page of target tid in bctx and starts
// processing the events passed to HandleMessage. Init must be called
// before the page is used.
func NewFrameSession(
	ctx context.Context, s Session, bctx *BrowserContext, tid target.ID, selectors Selectors,
) (*FrameSession, error) {
	l := bctx.logger
	l.Debugf("NewFrameSession", "sid:%v tid:%v", s.ID(), tid)

	fs := &FrameSession{
		ctx:                ctx,
		session:            s,
		targetID:           tid,
		logger:             l,
		queue:              newEventQueue(),
		done:               make(chan struct{}),
		contextIDToContext: make(map[cdpruntime.ExecutionContextID]*executionContext),
	}
	p, err := bctx.NewPage(fs, selectors)
	if err != nil {
		return nil, fmt.Errorf("creating page of target %v: %w", tid, err)
	}
	fs.page = p
	fs.manager = p.frameManager
	fs.network = NewNetworkManager(ctx, s, fs.manager, l)

	go fs.loop()

	return fs, nil
}

// Page returns the page of the session.
func (fs *FrameSession) Page() *Page { return fs.page }

// Init builds the frame tree and enables the domains the frame manager
// depends on.
func (fs *FrameSession) Init() error {
	if err := fs.initFrameTree(); err != nil {
		fs.logger.Debugf("FrameSession:Init:initFrameTree", "sid:%v tid:%v err:%v", fs.session.ID(), fs.targetID, err)
		return err
	}
	if err := fs.initIsolatedWorld(utilityWorldName); err != nil {
		fs.logger.Debugf("FrameSession:Init:initIsolatedWorld", "sid:%v tid:%v err:%v", fs.session.ID(), fs.targetID, err)
		return err
	}
	if err := fs.initDomains(); err != nil {
		fs.logger.Debugf("FrameSession:Init:initDomains", "sid:%v tid:%v err:%v", fs.session.ID(), fs.targetID, err)
		return err
	}
	return fs.network.initDomains()
}

// SetRequestInterception turns the interception of the requests of the
// page on or off. The interceptors are only offered requests while it's
// on.
func (fs *FrameSession) SetRequestInterception(enabled bool) error {
	return fs.network.setRequestInterception(enabled)
}

// HandleMessage queues a CDP event of the session. Events unknown to
// cdproto are kept in their raw form. Command replies are ignored.
func (fs *FrameSession) HandleMessage(msg *cdproto.Message) error {
	if msg.Method == "" {
		return nil
	}
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		var unknown cdp.ErrUnknownCommandOrEvent
		if errors.As(err, &unknown) {
			fs.queue.push(msg)
			return nil
		}
		return fmt.Errorf("unmarshaling %s event: %w", msg.Method, err)
	}
	fs.queue.push(ev)

	return nil
}

// Wait returns once the event loop of the session stopped.
func (fs *FrameSession) Wait() {
	<-fs.done
}

func (fs *FrameSession) loop() {
	fs.logger.Debugf("FrameSession:loop", "sid:%v tid:%v", fs.session.ID(), fs.targetID)
	defer func() {
		fs.logger.Debugf("FrameSession:loop:return", "sid:%v tid:%v", fs.session.ID(), fs.targetID)
		close(fs.done)
	}()

	for {
		select {
		case <-fs.ctx.Done():
			return
		case <-fs.session.Done():
			fs.page.didDisconnect()
			return
		case <-fs.queue.signal:
			for _, ev := range fs.queue.popAll() {
				fs.handleEvent(ev)
			}
		}
	}
}

func (fs *FrameSession) handleEvent(event any) {
	switch ev := event.(type) {
	case *inspector.EventTargetCrashed:
		fs.onTargetCrashed()
	case *cdppage.EventFrameAttached:
		fs.onFrameAttached(ev.FrameID, ev.ParentFrameID)
	case *cdppage.EventFrameDetached:
		fs.onFrameDetached(ev.FrameID, ev.Reason)
	case *cdppage.EventFrameNavigated:
		const initial = false
		fs.onFrameNavigated(ev.Frame, initial)
	case *cdppage.EventFrameRequestedNavigation:
		fs.onFrameRequestedNavigation(ev)
	case *cdppage.EventFrameStoppedLoading:
		fs.onFrameStoppedLoading(ev.FrameID)
	case *cdppage.EventLifecycleEvent:
		fs.onPageLifecycle(ev)
	case *cdppage.EventNavigatedWithinDocument:
		fs.onPageNavigatedWithinDocument(ev)
	case *cdppage.EventJavascriptDialogOpening:
		fs.onJavascriptDialogOpening(ev)
	case *cdppage.EventJavascriptDialogClosed:
		fs.onJavascriptDialogClosed(ev)
	case *cdpruntime.EventExecutionContextCreated:
		fs.onExecutionContextCreated(ev)
	case *cdpruntime.EventExecutionContextDestroyed:
		fs.onExecutionContextDestroyed(ev.ExecutionContextID)
	case *cdpruntime.EventExecutionContextsCleared:
		fs.onExecutionContextsCleared()
	case *network.EventRequestWillBeSent:
		fs.network.onRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		fs.network.onResponseReceived(ev)
	case *network.EventLoadingFinished:
		fs.network.onLoadingFinished(ev)
	case *network.EventLoadingFailed:
		fs.network.onLoadingFailed(ev)
	case *fetch.EventRequestPaused:
		fs.network.onRequestPaused(ev)
	case *network.EventWebSocketCreated:
		fs.manager.onWebSocketCreated(ev.RequestID.String(), ev.URL)
	case *network.EventWebSocketWillSendHandshakeRequest:
		fs.manager.onWebSocketRequest(ev.RequestID.String())
	case *network.EventWebSocketHandshakeResponseReceived:
		fs.manager.onWebSocketResponse(ev.RequestID.String(), ev.Response.Status, ev.Response.StatusText)
	case *network.EventWebSocketFrameSent:
		fs.manager.onWebSocketFrameSent(ev.RequestID.String(), int(ev.Response.Opcode), ev.Response.PayloadData)
	case *network.EventWebSocketFrameReceived:
		fs.manager.webSocketFrameReceived(ev.RequestID.String(), int(ev.Response.Opcode), ev.Response.PayloadData)
	case *network.EventWebSocketFrameError:
		fs.manager.webSocketError(ev.RequestID.String(), ev.ErrorMessage)
	case *network.EventWebSocketClosed:
		fs.manager.webSocketClosed(ev.RequestID.String())
	case *cdproto.Message:
		fs.onUnknownEvent(ev)
	}
}

func (fs *FrameSession) onUnknownEvent(msg *cdproto.Message) {
	fs.logger.Debugf("FrameSession:onUnknownEvent", "sid:%v tid:%v method:%s fid:%s",
		fs.session.ID(), fs.targetID, msg.Method, gjson.GetBytes(msg.Params, "frameId").String())
}

func (fs *FrameSession) initFrameTree() error {
	fs.logger.Debugf("FrameSession:initFrameTree", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	action := cdppage.Enable()
	if err := action.Do(cdp.WithExecutor(fs.ctx, fs.session)); err != nil {
		return fmt.Errorf("enabling page domain: %w", err)
	}

	frameTree, err := cdppage.GetFrameTree().Do(cdp.WithExecutor(fs.ctx, fs.session))
	if err != nil {
		return fmt.Errorf("getting page frame tree: %w", err)
	}
	if frameTree == nil {
		return errors.New("got a nil page frame tree")
	}
	fs.handleFrameTree(frameTree)

	return nil
}

func (fs *FrameSession) handleFrameTree(frameTree *cdppage.FrameTree) {
	fs.logger.Debugf("FrameSession:handleFrameTree",
		"fid:%v sid:%v tid:%v", frameTree.Frame.ID, fs.session.ID(), fs.targetID)

	fs.onFrameAttached(frameTree.Frame.ID, frameTree.Frame.ParentID)
	const initial = true
	fs.onFrameNavigated(frameTree.Frame, initial)
	for _, child := range frameTree.ChildFrames {
		fs.handleFrameTree(child)
	}
}

func (fs *FrameSession) initIsolatedWorld(name string) error {
	fs.logger.Debugf("FrameSession:initIsolatedWorld", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	action := cdppage.SetLifecycleEventsEnabled(true)
	if err := action.Do(cdp.WithExecutor(fs.ctx, fs.session)); err != nil {
		return fmt.Errorf("enabling page lifecycle events: %w", err)
	}

	for _, frame := range fs.manager.Frames() {
		action := cdppage.CreateIsolatedWorld(frame.frameID()).
			WithWorldName(name).
			WithGrantUniveralAccess(true)
		// A frame could have been removed in the meantime.
		if _, err := action.Do(cdp.WithExecutor(fs.ctx, fs.session)); err != nil {
			fs.logger.Debugf("FrameSession:initIsolatedWorld", "sid:%v fid:%s err:%v",
				fs.session.ID(), frame.ID(), err)
		}
	}

	action2 := cdppage.AddScriptToEvaluateOnNewDocument("").WithWorldName(name)
	if _, err := action2.Do(cdp.WithExecutor(fs.ctx, fs.session)); err != nil {
		return fmt.Errorf("adding script to evaluate on new document: %w", err)
	}
	return nil
}

func (fs *FrameSession) initDomains() error {
	action := cdpruntime.Enable()
	if err := action.Do(cdp.WithExecutor(fs.ctx, fs.session)); err != nil {
		return fmt.Errorf("internal error while enabling %T: %w", action, err)
	}
	return nil
}

// NavigateFrame implements the navigation of PageDelegate.
func (fs *FrameSession) NavigateFrame(ctx context.Context, frame *Frame, url, referrer string) (string, error) {
	fs.logger.Debugf("FrameSession:NavigateFrame",
		"sid:%v fid:%s tid:%v url:%q referrer:%q",
		fs.session.ID(), frame.ID(), fs.targetID, url, referrer)

	action := cdppage.Navigate(url).WithReferrer(referrer).WithFrameID(frame.frameID())
	_, documentID, errorText, err := action.Do(cdp.WithExecutor(ctx, fs.session))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", &NavigationAbortedError{
			DocumentID: documentID.String(),
			Msg:        fmt.Sprintf("%s at %q", errorText, url),
		}
	}
	return documentID.String(), nil
}

// InputActionEpilogue makes a round trip to the page, after which the
// navigations requested by dispatched input have been reported.
func (fs *FrameSession) InputActionEpilogue(ctx context.Context) error {
	if err := cdppage.Enable().Do(cdp.WithExecutor(ctx, fs.session)); err != nil {
		return fmt.Errorf("finishing input action: %w", err)
	}
	return nil
}

func (fs *FrameSession) onFrameAttached(frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	fs.logger.Debugf("FrameSession:onFrameAttached",
		"sid:%v tid:%v fid:%v pfid:%v",
		fs.session.ID(), fs.targetID, frameID, parentFrameID)

	fs.manager.frameAttached(frameID, parentFrameID)
}

func (fs *FrameSession) onFrameDetached(frameID cdp.FrameID, reason cdppage.FrameDetachedReason) {
	fs.logger.Debugf("FrameSession:onFrameDetached",
		"sid:%v tid:%v fid:%v reason:%s",
		fs.session.ID(), fs.targetID, frameID, reason)

	// The frame moves to another process and stays in the tree.
	if reason == cdppage.FrameDetachedReasonSwap {
		return
	}
	fs.manager.frameDetached(frameID)
}

func (fs *FrameSession) onFrameNavigated(frame *cdp.Frame, initial bool) {
	fs.logger.Debugf("FrameSession:onFrameNavigated",
		"sid:%v tid:%v fid:%v initial:%t",
		fs.session.ID(), fs.targetID, frame.ID, initial)

	fs.manager.frameCommittedNewDocumentNavigation(
		frame.ID, frame.URL+frame.URLFragment, frame.Name, frame.LoaderID.String(), initial)
}

func (fs *FrameSession) onFrameRequestedNavigation(event *cdppage.EventFrameRequestedNavigation) {
	fs.logger.Debugf("FrameSession:onFrameRequestedNavigation",
		"sid:%v tid:%v fid:%v url:%q",
		fs.session.ID(), fs.targetID, event.FrameID, event.URL)

	// The document id is learned from the navigation request.
	if event.Disposition == cdppage.ClientNavigationDispositionCurrentTab {
		fs.manager.frameRequestedNavigation(event.FrameID, "")
	}
}

func (fs *FrameSession) onFrameStoppedLoading(frameID cdp.FrameID) {
	fs.logger.Debugf("FrameSession:onFrameStoppedLoading",
		"sid:%v tid:%v fid:%v",
		fs.session.ID(), fs.targetID, frameID)

	fs.manager.frameStoppedLoading(frameID)
}

func (fs *FrameSession) onPageLifecycle(event *cdppage.EventLifecycleEvent) {
	fs.logger.Debugf("FrameSession:onPageLifecycle",
		"sid:%v tid:%v fid:%v event:%s",
		fs.session.ID(), fs.targetID, event.FrameID, event.Name)

	// networkidle is computed from the inflight requests instead.
	switch event.Name {
	case "load":
		fs.manager.frameLifecycleEvent(event.FrameID, LifecycleEventLoad)
	case "DOMContentLoaded":
		fs.manager.frameLifecycleEvent(event.FrameID, LifecycleEventDOMContentLoad)
	}
}

func (fs *FrameSession) onPageNavigatedWithinDocument(event *cdppage.EventNavigatedWithinDocument) {
	fs.logger.Debugf("FrameSession:onPageNavigatedWithinDocument",
		"sid:%v tid:%v fid:%v",
		fs.session.ID(), fs.targetID, event.FrameID)

	fs.manager.frameCommittedSameDocumentNavigation(event.FrameID, event.URL)
}

func (fs *FrameSession) onJavascriptDialogOpening(event *cdppage.EventJavascriptDialogOpening) {
	fs.logger.Debugf("FrameSession:onJavascriptDialogOpening",
		"sid:%v tid:%v url:%v dialogType:%s",
		fs.session.ID(), fs.targetID, event.URL, event.Type)

	d := NewDialog(fs.page, event.Type.String(), event.Message, event.DefaultPrompt,
		func(accept bool, promptText string) error {
			action := cdppage.HandleJavaScriptDialog(accept)
			if promptText != "" {
				action = action.WithPromptText(promptText)
			}
			return action.Do(cdp.WithExecutor(fs.ctx, fs.session))
		})
	fs.page.onDialog(d)
}

func (fs *FrameSession) onJavascriptDialogClosed(event *cdppage.EventJavascriptDialogClosed) {
	fs.logger.Debugf("FrameSession:onJavascriptDialogClosed",
		"sid:%v tid:%v result:%t", fs.session.ID(), fs.targetID, event.Result)
}

func (fs *FrameSession) onExecutionContextCreated(event *cdpruntime.EventExecutionContextCreated) {
	fs.logger.Debugf("FrameSession:onExecutionContextCreated",
		"sid:%v tid:%v ectxid:%d",
		fs.session.ID(), fs.targetID, event.Context.ID)

	aux := gjson.ParseBytes(event.Context.AuxData)
	frame, ok := fs.manager.getFrameByID(cdp.FrameID(aux.Get("frameId").String()))
	if !ok {
		fs.logger.Debugf("FrameSession:onExecutionContextCreated:return",
			"sid:%v tid:%v ectxid:%d missing frame",
			fs.session.ID(), fs.targetID, event.Context.ID)
		return
	}

	var world World
	switch {
	case aux.Get("isDefault").Bool():
		world = WorldMain
	case event.Context.Name == utilityWorldName:
		world = WorldUtility
	}
	ec := newExecutionContext(fs.session, frame, event.Context.ID, fs.logger)
	if world != "" {
		frame.contextCreated(world, ec)
	}

	fs.contextIDToContextMu.Lock()
	fs.contextIDToContext[event.Context.ID] = ec
	fs.contextIDToContextMu.Unlock()
}

func (fs *FrameSession) onExecutionContextDestroyed(execCtxID cdpruntime.ExecutionContextID) {
	fs.logger.Debugf("FrameSession:onExecutionContextDestroyed",
		"sid:%v tid:%v ectxid:%d",
		fs.session.ID(), fs.targetID, execCtxID)

	fs.contextIDToContextMu.Lock()
	ec, ok := fs.contextIDToContext[execCtxID]
	delete(fs.contextIDToContext, execCtxID)
	fs.contextIDToContextMu.Unlock()

	if ok {
		ec.frame.contextDestroyed(ec)
	}
}

func (fs *FrameSession) onExecutionContextsCleared() {
	fs.logger.Debugf("FrameSession:onExecutionContextsCleared",
		"sid:%v tid:%v", fs.session.ID(), fs.targetID)

	fs.contextIDToContextMu.Lock()
	clear(fs.contextIDToContext)
	fs.contextIDToContextMu.Unlock()

	for _, f := range fs.manager.Frames() {
		f.executionContextsCleared()
	}
}

func (fs *FrameSession) onTargetCrashed() {
	fs.logger.Debugf("FrameSession:onTargetCrashed", "sid:%v tid:%v", fs.session.ID(), fs.targetID)
	fs.page.didCrash()
}
