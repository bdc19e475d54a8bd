// Package env provides types to interact with environment setup.
package env

import (
	"os"
	"strings"
)

// Environment variables the browser core reads. They are looked up
// through a LookupFunc so that callers can supply their own environment.
const (
	// BaseURL is resolved against every relative goto URL.
	BaseURL = "K6_BROWSER_BASE_URL"

	// Timeout is the default timeout for every action.
	Timeout = "K6_BROWSER_TIMEOUT"

	// NavigationTimeout overrides Timeout for navigations.
	NavigationTimeout = "K6_BROWSER_NAVIGATION_TIMEOUT"

	// NetworkIdleWindow is the quiet period after which a frame is idle.
	NetworkIdleWindow = "K6_BROWSER_NETWORK_IDLE_WINDOW"

	// RetryBackoff is a comma separated list of polling delays.
	RetryBackoff = "K6_BROWSER_RETRY_BACKOFF"

	// SlowMo delays every navigation by the given duration.
	SlowMo = "K6_BROWSER_SLOWMO"

	// LogLevel sets the logger level.
	LogLevel = "K6_BROWSER_LOG_LEVEL"

	// LogCategoryFilter is a regular expression matching log categories.
	LogCategoryFilter = "K6_BROWSER_LOG_CATEGORY_FILTER"

	// LogFile is a `file=path,level=lvl` log output line.
	LogFile = "K6_BROWSER_LOG_FILE"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(string) (string, bool) { return "", false }

// ConstLookup is a LookupFunc that returns the given value and true
// if the key matches the given key. Otherwise it returns "" and false.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// MapLookup returns a LookupFunc over m.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// SplitList splits a comma separated value and drops empty parts,
// e.g. a trailing comma.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	list := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}
