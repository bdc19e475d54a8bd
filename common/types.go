package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LifecycleEvent is a milestone a frame reaches once per document.
type LifecycleEvent int

const (
	LifecycleEventCommit LifecycleEvent = iota
	LifecycleEventDOMContentLoad
	LifecycleEventLoad
	LifecycleEventNetworkIdle
)

func (l LifecycleEvent) String() string {
	return lifecycleEventToString[l]
}

var lifecycleEventToString = map[LifecycleEvent]string{
	LifecycleEventCommit:         "commit",
	LifecycleEventDOMContentLoad: "domcontentloaded",
	LifecycleEventLoad:           "load",
	LifecycleEventNetworkIdle:    "networkidle",
}

var lifecycleEventToID = map[string]LifecycleEvent{
	"commit":           LifecycleEventCommit,
	"domcontentloaded": LifecycleEventDOMContentLoad,
	"load":             LifecycleEventLoad,
	"networkidle":      LifecycleEventNetworkIdle,
}

// MarshalJSON marshals the enum as a quoted JSON string.
func (l LifecycleEvent) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(lifecycleEventToString[l])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted JSON string to the enum value.
func (l *LifecycleEvent) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	return l.UnmarshalText([]byte(j))
}

// UnmarshalText unmarshals a text representation to the enum value.
// It returns an error if given a wrong value.
func (l *LifecycleEvent) UnmarshalText(text []byte) error {
	ev, err := verifyLifecycle("lifecycle event", string(text))
	if err != nil {
		return err
	}
	*l = ev
	return nil
}

// verifyLifecycle parses a lifecycle event name given under the option
// name. networkidle0 is accepted as an alias of networkidle.
func verifyLifecycle(name, value string) (LifecycleEvent, error) {
	if value == "networkidle0" {
		value = "networkidle"
	}
	ev, ok := lifecycleEventToID[value]
	if !ok {
		return 0, NewError(ErrorKindProgrammer,
			"%s: expected one of (load|domcontentloaded|networkidle|commit)", name)
	}
	return ev, nil
}

// DOMElementState is the state WaitForSelector waits for.
type DOMElementState int

const (
	DOMElementStateAttached DOMElementState = iota
	DOMElementStateDetached
	DOMElementStateVisible
	DOMElementStateHidden
)

func (s DOMElementState) String() string {
	switch s {
	case DOMElementStateAttached:
		return "attached"
	case DOMElementStateDetached:
		return "detached"
	case DOMElementStateHidden:
		return "hidden"
	}
	return "visible"
}

func parseDOMElementState(s string) (DOMElementState, error) {
	switch strings.ToLower(s) {
	case "attached":
		return DOMElementStateAttached, nil
	case "detached":
		return DOMElementStateDetached, nil
	case "", "visible":
		return DOMElementStateVisible, nil
	case "hidden":
		return DOMElementStateHidden, nil
	}
	return 0, NewError(ErrorKindProgrammer, "state: expected one of (attached|detached|visible|hidden)")
}

// HTTPHeader is a single HTTP header.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func headersToMap(headers []HTTPHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[strings.ToLower(h.Name)] = h.Value
	}
	return m
}

// DocumentInfo identifies a committed or pending document of a frame.
type DocumentInfo struct {
	documentID string
	request    *Request
}

// DocumentID returns the id of the document. It can be empty while the
// navigation that produces it has not been identified yet.
func (d *DocumentInfo) DocumentID() string { return d.documentID }

// Request returns the request that loaded the document, if any.
func (d *DocumentInfo) Request() *Request { return d.request }

// FrameEventType names the events a frame emits.
type FrameEventType int

const (
	FrameEventNavigation FrameEventType = iota
	FrameEventAddLifecycle
	FrameEventRemoveLifecycle
)

// NavigationEvent is emitted whenever a frame commits or aborts a
// navigation.
type NavigationEvent struct {
	URL  string
	Name string
	// NewDocument is nil for same-document navigations.
	NewDocument *DocumentInfo
	Err         error
	// IsPublic is false for aborts of navigations that were redirected.
	IsPublic bool
}

// FrameEvent is the tagged union of the events of a frame.
type FrameEvent struct {
	Type       FrameEventType
	Navigation *NavigationEvent
	Lifecycle  LifecycleEvent
}

// PageEventType names the events a page emits.
type PageEventType int

const (
	PageEventFrameAttached PageEventType = iota
	PageEventFrameDetached
	PageEventFrameNavigated
	PageEventDOMContentLoaded
	PageEventLoad
	PageEventDialog
	PageEventWebSocket
	PageEventLocatorHandlerTriggered
	PageEventClose
	PageEventCrash
)

// PageEvent is the tagged union of the events of a page.
type PageEvent struct {
	Type      PageEventType
	Frame     *Frame
	Dialog    *Dialog
	WebSocket *WebSocket
	UID       int
}

// NetworkEventType names the network events of a browser context.
type NetworkEventType int

const (
	NetworkEventRequest NetworkEventType = iota
	NetworkEventResponse
	NetworkEventRequestFinished
	NetworkEventRequestFailed
	NetworkEventRequestAborted
	NetworkEventRequestFulfilled
	NetworkEventRequestContinued
)

func (t NetworkEventType) String() string {
	switch t {
	case NetworkEventRequest:
		return "request"
	case NetworkEventResponse:
		return "response"
	case NetworkEventRequestFinished:
		return "requestfinished"
	case NetworkEventRequestFailed:
		return "requestfailed"
	case NetworkEventRequestAborted:
		return "requestaborted"
	case NetworkEventRequestFulfilled:
		return "requestfulfilled"
	case NetworkEventRequestContinued:
		return "requestcontinued"
	}
	return fmt.Sprintf("NetworkEventType(%d)", int(t))
}

// NetworkEvent is emitted by a browser context for its requests.
type NetworkEvent struct {
	Type     NetworkEventType
	Page     *Page
	Request  *Request
	Response *Response
}

// FrameGotoOptions are the options of Frame.Goto.
type FrameGotoOptions struct {
	Referer   string
	Timeout   time.Duration
	WaitUntil string
}

// FrameWaitForNavigationOptions are the options of Frame.WaitForNavigation.
type FrameWaitForNavigationOptions struct {
	Timeout   time.Duration
	WaitUntil string
	// URL, when set, only accepts navigations to matching URLs.
	URL func(url string) bool
}

// FrameWaitForSelectorOptions are the options of Frame.WaitForSelector.
type FrameWaitForSelectorOptions struct {
	State   string
	Strict  bool
	Timeout time.Duration
}

// FrameActionOptions are the options of element actions like Click.
type FrameActionOptions struct {
	Strict      bool
	Force       bool
	NoWaitAfter bool
	Timeout     time.Duration
}

// FrameExpectOptions describe an assertion polled by Frame.Expect.
type FrameExpectOptions struct {
	Expression    string
	ExpectedValue any
	IsNot         bool
	Timeout       time.Duration
}

// isArray reports whether the assertion applies to all matches.
func (o *FrameExpectOptions) isArray() bool {
	return o.Expression == "to.have.count" || strings.HasSuffix(o.Expression, ".array")
}

// ExpectResult is the outcome of Frame.Expect.
type ExpectResult struct {
	Matches  bool
	Received any
	TimedOut bool
	Log      []string
}
