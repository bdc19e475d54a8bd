package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/frameflow/log"
)

const testFrameTree = `{"frameTree":{
	"frame":{"id":"main","loaderId":"l1","url":"http://a.test/","securityOrigin":"http://a.test","mimeType":"text/html"},
	"childFrames":[{"frame":{"id":"child","parentId":"main","loaderId":"l2","name":"ad","url":"http://a.test/frame","securityOrigin":"http://a.test","mimeType":"text/html"}}]
}}`

func newTestFrameSession(t *testing.T) (*FrameSession, *fakeSession) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	bctx := NewBrowserContext(ctx, newTestConfig(), nil, log.NewNullLogger(), nil)
	session := newFakeSession()
	fs, err := NewFrameSession(ctx, session, bctx, "target-1", &selectorsStub{})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		fs.Wait()
		bctx.Close()
	})

	return fs, session
}

// initTestFrameSession initializes fs with a main frame and a child frame.
func initTestFrameSession(t *testing.T) (*FrameSession, *fakeSession) {
	t.Helper()

	fs, session := newTestFrameSession(t)
	session.reply("Page.getFrameTree", testFrameTree)
	require.NoError(t, fs.Init())
	return fs, session
}

func handleMessage(t *testing.T, fs *FrameSession, method, params string) {
	t.Helper()

	require.NoError(t, fs.HandleMessage(&cdproto.Message{
		Method: cdproto.MethodType(method),
		Params: easyjson.RawMessage(params),
	}))
}

func TestFrameSessionInit(t *testing.T) {
	t.Parallel()

	t.Run("builds the frame tree", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)

		assert.Equal(t, []string{
			"Page.enable",
			"Page.getFrameTree",
			"Page.setLifecycleEventsEnabled",
			"Page.createIsolatedWorld",
			"Page.createIsolatedWorld",
			"Page.addScriptToEvaluateOnNewDocument",
			"Runtime.enable",
			"Network.enable",
		}, session.calls())
		assert.Equal(t, utilityWorldName, session.paramsOf("Page.createIsolatedWorld").Get("worldName").String())

		main := fs.Page().MainFrame()
		require.NotNil(t, main)
		assert.Equal(t, "main", main.ID())
		assert.Equal(t, "http://a.test/", main.URL())
		assert.Equal(t, "l1", main.CurrentDocument().documentID)

		children := main.ChildFrames()
		require.Len(t, children, 1)
		assert.Equal(t, "child", children[0].ID())
		assert.Equal(t, "ad", children[0].Name())
		assert.Equal(t, "http://a.test/frame", children[0].URL())
	})

	t.Run("missing frame tree", func(t *testing.T) {
		t.Parallel()

		fs, _ := newTestFrameSession(t)
		assert.ErrorContains(t, fs.Init(), "got a nil page frame tree")
	})

	t.Run("page domain failure", func(t *testing.T) {
		t.Parallel()

		fs, session := newTestFrameSession(t)
		session.fail("Page.enable", errors.New("closed"))
		assert.ErrorContains(t, fs.Init(), "enabling page domain: closed")
	})

	t.Run("request interception", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)
		require.NoError(t, fs.SetRequestInterception(true))
		assert.True(t, session.called("Fetch.enable"))
	})
}

func TestFrameSessionEvents(t *testing.T) {
	t.Parallel()

	t.Run("frames", func(t *testing.T) {
		t.Parallel()

		fs, _ := initTestFrameSession(t)
		fm := fs.manager

		handleMessage(t, fs, "Page.frameAttached", `{"frameId":"child2","parentFrameId":"main"}`)
		require.Eventually(t, func() bool {
			_, ok := fm.Frame("child2")
			return ok
		}, time.Second, 5*time.Millisecond)

		handleMessage(t, fs, "Page.frameNavigated",
			`{"frame":{"id":"child2","parentId":"main","loaderId":"l3","url":"http://b.test/","urlFragment":"#x",`+
				`"securityOrigin":"http://b.test","mimeType":"text/html"},"type":"Navigation"}`)
		child2, _ := fm.Frame("child2")
		require.Eventually(t, func() bool {
			return child2.URL() == "http://b.test/#x"
		}, time.Second, 5*time.Millisecond)

		handleMessage(t, fs, "Page.navigatedWithinDocument", `{"frameId":"child2","url":"http://b.test/#y"}`)
		require.Eventually(t, func() bool {
			return child2.URL() == "http://b.test/#y"
		}, time.Second, 5*time.Millisecond)

		// Swapped frames stay in the tree.
		handleMessage(t, fs, "Page.frameDetached", `{"frameId":"child2","reason":"swap"}`)
		handleMessage(t, fs, "Page.frameDetached", `{"frameId":"child","reason":"remove"}`)
		require.Eventually(t, func() bool {
			_, ok := fm.Frame("child")
			return !ok
		}, time.Second, 5*time.Millisecond)
		assert.False(t, child2.IsDetached())
	})

	t.Run("lifecycle", func(t *testing.T) {
		t.Parallel()

		fs, _ := initTestFrameSession(t)
		main := fs.Page().MainFrame()

		handleMessage(t, fs, "Page.lifecycleEvent",
			`{"frameId":"main","loaderId":"l1","name":"DOMContentLoaded","timestamp":1}`)
		handleMessage(t, fs, "Page.lifecycleEvent",
			`{"frameId":"main","loaderId":"l1","name":"networkIdle","timestamp":2}`)
		require.Eventually(t, func() bool {
			return main.hasLifecycleEventFired(LifecycleEventDOMContentLoad)
		}, time.Second, 5*time.Millisecond)
		assert.False(t, main.hasLifecycleEventFired(LifecycleEventLoad))

		handleMessage(t, fs, "Page.frameStoppedLoading", `{"frameId":"main"}`)
		require.Eventually(t, func() bool {
			return main.hasLifecycleEventFired(LifecycleEventLoad)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("requested navigations", func(t *testing.T) {
		t.Parallel()

		fs, _ := initTestFrameSession(t)
		b := NewSignalBarrier(newTestProgress(t, time.Second))
		fs.manager.addBarrier(b)
		defer fs.manager.removeBarrier(b)

		handleMessage(t, fs, "Page.frameRequestedNavigation",
			`{"frameId":"main","reason":"anchorClick","url":"http://a.test/new","disposition":"newTab"}`)
		handleMessage(t, fs, "Page.frameRequestedNavigation",
			`{"frameId":"main","reason":"anchorClick","url":"http://a.test/next","disposition":"currentTab"}`)
		require.Eventually(t, func() bool {
			return barrierCount(b) == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("unknown and malformed events", func(t *testing.T) {
		t.Parallel()

		fs, _ := initTestFrameSession(t)
		require.NoError(t, fs.HandleMessage(&cdproto.Message{ID: 7, Result: easyjson.RawMessage(`{}`)}))
		handleMessage(t, fs, "Frameflow.unknownEvent", `{"frameId":"main"}`)

		err := fs.HandleMessage(&cdproto.Message{
			Method: cdproto.EventPageFrameAttached,
			Params: easyjson.RawMessage(`{"frameId":`),
		})
		require.Error(t, err)
		assert.ErrorContains(t, err, "unmarshaling Page.frameAttached event")
	})

	t.Run("dialogs", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)
		dialogs := make(chan *Dialog, 1)
		off := fs.Page().On(func(ev PageEvent) {
			if ev.Type == PageEventDialog {
				dialogs <- ev.Dialog
			}
		})
		defer off()

		handleMessage(t, fs, "Page.javascriptDialogOpening",
			`{"url":"http://a.test/","frameId":"main","message":"name?","type":"prompt",`+
				`"hasBrowserHandler":false,"defaultPrompt":"anon"}`)

		var d *Dialog
		select {
		case d = <-dialogs:
		case <-time.After(time.Second):
			require.FailNow(t, "dialog wasn't opened")
		}
		assert.Equal(t, "prompt", d.Type())
		assert.Equal(t, "name?", d.Message())
		assert.Equal(t, "anon", d.DefaultValue())
		assert.True(t, fs.manager.hasOpenedDialogs())

		require.NoError(t, d.Accept("frameflow"))
		params := session.paramsOf("Page.handleJavaScriptDialog")
		assert.True(t, params.Get("accept").Bool())
		assert.Equal(t, "frameflow", params.Get("promptText").String())
		assert.False(t, fs.manager.hasOpenedDialogs())
	})

	t.Run("target crash closes the page", func(t *testing.T) {
		t.Parallel()

		fs, _ := initTestFrameSession(t)
		handleMessage(t, fs, "Inspector.targetCrashed", `{}`)
		require.Eventually(t, fs.Page().IsClosed, time.Second, 5*time.Millisecond)
	})
}

func TestFrameSessionExecutionContexts(t *testing.T) {
	t.Parallel()

	fs, session := initTestFrameSession(t)
	main := fs.Page().MainFrame()

	handleMessage(t, fs, "Runtime.executionContextCreated",
		`{"context":{"id":5,"origin":"http://a.test","name":"","uniqueId":"u5",`+
			`"auxData":{"frameId":"main","isDefault":true,"type":"default"}}}`)
	handleMessage(t, fs, "Runtime.executionContextCreated",
		`{"context":{"id":6,"origin":"http://a.test","name":"`+utilityWorldName+`","uniqueId":"u6",`+
			`"auxData":{"frameId":"main","isDefault":false,"type":"isolated"}}}`)
	handleMessage(t, fs, "Runtime.executionContextCreated",
		`{"context":{"id":7,"origin":"","name":"","uniqueId":"u7","auxData":{"frameId":"gone","isDefault":true}}}`)
	require.Eventually(t, func() bool {
		return main.existingContext(WorldMain) != nil && main.existingContext(WorldUtility) != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "5", main.existingContext(WorldMain).ID())
	assert.Equal(t, "6", main.existingContext(WorldUtility).ID())

	ctx := context.Background()

	t.Run("evaluate", func(t *testing.T) {
		session.reply("Runtime.evaluate", `{"result":{"type":"number","value":2}}`)
		v, err := main.Evaluate(ctx, WorldMain, "1 + 1", nil)
		require.NoError(t, err)
		assert.EqualValues(t, 2, v)

		params := session.paramsOf("Runtime.evaluate")
		assert.Equal(t, "1 + 1", params.Get("expression").String())
		assert.EqualValues(t, 5, params.Get("contextId").Int())
		assert.True(t, params.Get("returnByValue").Bool())
	})

	t.Run("call function", func(t *testing.T) {
		session.reply("Runtime.callFunctionOn", `{"result":{"type":"string","value":"a.test"}}`)
		v, err := main.Evaluate(ctx, WorldUtility, "(o) => o.host", map[string]string{"host": "a.test"})
		require.NoError(t, err)
		assert.Equal(t, "a.test", v)

		params := session.paramsOf("Runtime.callFunctionOn")
		assert.EqualValues(t, 6, params.Get("executionContextId").Int())
		assert.Equal(t, "a.test", params.Get("arguments.0.value.host").String())
	})

	t.Run("exception", func(t *testing.T) {
		session.reply("Runtime.evaluate",
			`{"result":{"type":"object"},"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":0,"columnNumber":0}}`)
		_, err := main.Evaluate(ctx, WorldMain, "boom()", nil)
		require.Error(t, err)
		assert.Equal(t, ErrorKindJavaScript, KindOf(err))
	})

	t.Run("destroyed", func(t *testing.T) {
		ec := main.existingContext(WorldUtility)
		handleMessage(t, fs, "Runtime.executionContextDestroyed", `{"executionContextId":6,"executionContextUniqueId":"u6"}`)
		require.Eventually(t, func() bool {
			return main.existingContext(WorldUtility) == nil
		}, time.Second, 5*time.Millisecond)

		_, err := ec.Evaluate(ctx, "1", nil)
		assert.EqualError(t, err, "Execution context was destroyed, most likely because of a navigation")
	})

	t.Run("cleared", func(t *testing.T) {
		handleMessage(t, fs, "Runtime.executionContextsCleared", `{}`)
		require.Eventually(t, func() bool {
			return main.existingContext(WorldMain) == nil
		}, time.Second, 5*time.Millisecond)
	})
}

func TestFrameSessionNavigateFrame(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("returns the new document", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)
		session.reply("Page.navigate", `{"frameId":"main","loaderId":"d1"}`)

		doc, err := fs.NavigateFrame(ctx, fs.Page().MainFrame(), "http://a.test/next", "http://a.test/")
		require.NoError(t, err)
		assert.Equal(t, "d1", doc)

		params := session.paramsOf("Page.navigate")
		assert.Equal(t, "http://a.test/next", params.Get("url").String())
		assert.Equal(t, "http://a.test/", params.Get("referrer").String())
		assert.Equal(t, "main", params.Get("frameId").String())
	})

	t.Run("same document", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)
		session.reply("Page.navigate", `{"frameId":"main"}`)

		doc, err := fs.NavigateFrame(ctx, fs.Page().MainFrame(), "http://a.test/#top", "")
		require.NoError(t, err)
		assert.Empty(t, doc)
	})

	t.Run("error text", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)
		session.reply("Page.navigate", `{"frameId":"main","loaderId":"d1","errorText":"net::ERR_NAME_NOT_RESOLVED"}`)

		_, err := fs.NavigateFrame(ctx, fs.Page().MainFrame(), "http://nope.test/", "")
		var aborted *NavigationAbortedError
		require.ErrorAs(t, err, &aborted)
		assert.Equal(t, "d1", aborted.DocumentID)
		assert.Equal(t, `net::ERR_NAME_NOT_RESOLVED at "http://nope.test/"`, aborted.Msg)
	})

	t.Run("protocol error", func(t *testing.T) {
		t.Parallel()

		fs, session := initTestFrameSession(t)
		session.fail("Page.navigate", errors.New("Cannot navigate to invalid URL"))

		_, err := fs.NavigateFrame(ctx, fs.Page().MainFrame(), "nope", "")
		assert.ErrorContains(t, err, `navigating to "nope": Cannot navigate to invalid URL`)
	})

	t.Run("input action epilogue", func(t *testing.T) {
		t.Parallel()

		fs, session := newTestFrameSession(t)
		require.NoError(t, fs.InputActionEpilogue(ctx))
		assert.Equal(t, []string{"Page.enable"}, session.calls())
	})
}

func TestFrameSessionDisconnect(t *testing.T) {
	t.Parallel()

	fs, session := initTestFrameSession(t)
	var events eventRecorder[PageEventType]
	off := fs.Page().On(func(ev PageEvent) { events.record(ev.Type) })
	defer off()

	close(session.done)
	fs.Wait()

	assert.True(t, fs.Page().IsClosed())
	assert.Equal(t, []PageEventType{PageEventClose}, events.all())

	_, err := fs.Page().MainFrame().WaitForNavigation(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "browser has been disconnected")
}
