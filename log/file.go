// Package log provides the category aware logger and the logrus hooks it
// can be extended with.
package log

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// fileHook appends log lines to a local file. Lines are buffered and the
// file is flushed and closed once the context given at creation is done.
type fileHook struct {
	levels []logrus.Level

	mu     sync.Mutex
	file   *os.File
	bw     *bufio.Writer
	closed bool

	done chan struct{}
}

// FileHookFromConfigLine creates a file hook from a line of the form
// `file=path[,level=lvl]`. With a level, only lines at lvl or more severe
// reach the file.
func FileHookFromConfigLine(ctx context.Context, fallback logrus.FieldLogger, line string) (logrus.Hook, error) {
	if key, _, _ := strings.Cut(line, "="); key != "file" {
		return nil, fmt.Errorf("logfile configuration should be in the form `file=path-to-local-file` but is `%s`", line)
	}
	path, levels, err := parseFileHookLine(line)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Dir(path)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("provided directory '%s' does not exist", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening logfile %s: %w", path, err)
	}

	h := &fileHook{
		levels: levels,
		file:   f,
		bw:     bufio.NewWriter(f),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		<-ctx.Done()
		if err := h.close(); err != nil {
			fallback.Errorf("closing logfile %s: %v", path, err)
		}
	}()

	return h, nil
}

func parseFileHookLine(line string) (path string, levels []logrus.Level, err error) {
	tokens, err := tokenize(line)
	if err != nil {
		return "", nil, fmt.Errorf("error while parsing logfile configuration %w", err)
	}

	levels = logrus.AllLevels
	for _, t := range tokens {
		switch t.key {
		case "file":
			path = t.value
		case "level":
			if levels, err = levelsUpTo(t.value); err != nil {
				return "", nil, err
			}
		default:
			return "", nil, fmt.Errorf("unknown logfile config key %s", t.key)
		}
	}
	if path == "" {
		return "", nil, errors.New("filepath must not be empty")
	}

	return path, levels, nil
}

// levelsUpTo returns the levels at least as severe as level.
func levelsUpTo(level string) ([]logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %s", level)
	}
	n := sort.Search(len(logrus.AllLevels), func(i int) bool {
		return logrus.AllLevels[i] > lvl
	})
	return logrus.AllLevels[:n], nil
}

func (h *fileHook) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	return errors.Join(h.bw.Flush(), h.file.Close())
}

// Fire writes entry to the file. Entries logged after the file was closed
// are dropped.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	b, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("formatting log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	_, err = h.bw.Write(b)
	return err
}

func (h *fileHook) Levels() []logrus.Level { return h.levels }

// AddFileHook attaches the file hook described by line to the logger.
func (l *Logger) AddFileHook(ctx context.Context, line string) error {
	hook, err := FileHookFromConfigLine(ctx, l.Logger, line)
	if err != nil {
		return err
	}
	l.AddHook(hook)
	return nil
}
