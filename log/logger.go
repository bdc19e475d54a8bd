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


package log

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger tags every line with the component that logged it, such as
// "FrameManager:frameRequestedNavigation", and with the time passed since
// the previous line. Lines whose category doesn't match the category
// filter are dropped.
type Logger struct {
	*logrus.Logger

	mu       sync.Mutex
	filter   *regexp.Regexp
	lastLine time.Time
}

// New returns a Logger writing to base. A nil base prints colored lines
// to stdout, which is handy while debugging tests.
func New(base *logrus.Logger, filter *regexp.Regexp) *Logger {
	return &Logger{Logger: base, filter: filter}
}

// NewNullLogger returns a Logger that discards everything.
func NewNullLogger() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return New(base, nil)
}

func (l *Logger) Tracef(category, msg string, args ...any) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

func (l *Logger) Debugf(category, msg string, args ...any) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category, msg string, args ...any) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category, msg string, args ...any) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category, msg string, args ...any) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

// Logf logs msg at level under category. It is safe to call on a nil
// Logger.
func (l *Logger) Logf(level logrus.Level, category, msg string, args ...any) {
	if l == nil || (l.Logger != nil && !l.IsLevelEnabled(level)) {
		return
	}

	sinceLast, ok := l.admit(category)
	if !ok {
		return
	}
	if l.Logger == nil {
		tag := color.New(color.FgMagenta).SprintFunc()
		fmt.Fprintf(os.Stdout, "%s: %s (+%s)\n", tag(category), fmt.Sprintf(msg, args...), tag(sinceLast))
		return
	}
	l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", sinceLast.Milliseconds()),
	}).Logf(level, msg, args...)
}

// admit applies the category filter and advances the time of the last
// line, which moves even for filtered lines.
func (l *Logger) admit(category string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var sinceLast time.Duration
	if !l.lastLine.IsZero() {
		sinceLast = now.Sub(l.lastLine)
	}
	l.lastLine = now

	return sinceLast, l.filter == nil || l.filter.MatchString(category)
}

// SetLevel parses level the way logrus does and applies it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.Logger.SetLevel(lvl)
	return nil
}

// SetCategoryFilter lets through only the lines whose category matches
// filter. An empty filter lets everything through.
func (l *Logger) SetCategoryFilter(filter string) error {
	var re *regexp.Regexp
	if filter != "" {
		var err error
		if re, err = regexp.Compile(filter); err != nil {
			return fmt.Errorf("invalid category filter %q: %w", filter, err)
		}
	}

	l.mu.Lock()
	l.filter = re
	l.mu.Unlock()
	return nil
}

// DebugMode reports whether debug lines are logged.
func (l *Logger) DebugMode() bool {
	return l.IsLevelEnabled(logrus.DebugLevel)
}
