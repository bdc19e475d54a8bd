package common

import (
	"sync"
	"time"

	"github.com/liuxd6825/frameflow/config"
)

// TimeoutSettings holds information on timeout settings. Unset values are
// looked up in the parent, then fall back to config.DefaultTimeout.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu                       sync.RWMutex
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

// newTimeoutSettingsFromConfig returns the root settings of a browser context.
func newTimeoutSettingsFromConfig(cfg config.Config) *TimeoutSettings {
	t := NewTimeoutSettings(nil)
	if cfg.Timeout.Valid {
		t.SetDefaultTimeout(cfg.Timeout.Duration)
	}
	if cfg.NavigationTimeout.Valid {
		t.SetDefaultNavigationTimeout(cfg.NavigationTimeout.Duration)
	}
	return t
}

// SetDefaultTimeout sets the timeout of actions.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

// SetDefaultNavigationTimeout sets the timeout of navigations.
func (t *TimeoutSettings) SetDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultNavigationTimeout = &timeout
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.defaultNavigationTimeout != nil {
		return *t.defaultNavigationTimeout
	}
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.navigationTimeout()
	}
	return config.DefaultTimeout
}

func (t *TimeoutSettings) timeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.timeout()
	}
	return config.DefaultTimeout
}

// navigationTimeoutOr returns override if set, the navigation timeout otherwise.
func (t *TimeoutSettings) navigationTimeoutOr(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return t.navigationTimeout()
}

func (t *TimeoutSettings) timeoutOr(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return t.timeout()
}
