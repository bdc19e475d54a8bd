package common

import (
	"sync"
)

// DialogHandler accepts or dismisses a dialog in the browser.
type DialogHandler func(accept bool, promptText string) error

// Dialog is a JavaScript dialog opened by a page. While it's open, no
// evaluation can make progress in the page.
type Dialog struct {
	page         *Page
	typ          string
	message      string
	defaultValue string
	onHandle     DialogHandler

	mu      sync.Mutex
	handled bool
}

// NewDialog creates a dialog of page. onHandle closes it in the browser.
func NewDialog(page *Page, typ, message, defaultValue string, onHandle DialogHandler) *Dialog {
	return &Dialog{
		page:         page,
		typ:          typ,
		message:      message,
		defaultValue: defaultValue,
		onHandle:     onHandle,
	}
}

// Type returns the dialog type, e.g. alert.
func (d *Dialog) Type() string { return d.typ }

// Message returns the message of the dialog.
func (d *Dialog) Message() string { return d.message }

// DefaultValue returns the default prompt value.
func (d *Dialog) DefaultValue() string { return d.defaultValue }

// Page returns the page that opened the dialog.
func (d *Dialog) Page() *Page { return d.page }

// Accept closes the dialog with an optional prompt text.
func (d *Dialog) Accept(promptText string) error {
	return d.handle(true, promptText)
}

// Dismiss closes the dialog.
func (d *Dialog) Dismiss() error {
	return d.handle(false, "")
}

func (d *Dialog) handle(accept bool, promptText string) error {
	d.mu.Lock()
	if d.handled {
		d.mu.Unlock()
		action := "dismiss"
		if accept {
			action = "accept"
		}
		return NewError(ErrorKindProgrammer, "cannot %s dialog which is already handled", action)
	}
	d.handled = true
	d.mu.Unlock()

	d.page.frameManager.dialogWillClose(d)
	if d.onHandle == nil {
		return nil
	}
	return d.onHandle(accept, promptText)
}

// close dismisses the dialog unless it was already handled.
func (d *Dialog) close() error {
	d.mu.Lock()
	handled := d.handled
	d.mu.Unlock()
	if handled {
		return nil
	}
	return d.Dismiss()
}
