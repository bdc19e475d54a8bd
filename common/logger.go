package common

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/frameflow/config"
	"github.com/liuxd6825/frameflow/log"
)

// NewLogger wraps base into the category logger of the frame and network
// layers, configured from the log settings of cfg. The file hook, if
// any, is stopped when ctx is done.
func NewLogger(ctx context.Context, base *logrus.Logger, cfg config.Config) (*log.Logger, error) {
	if base == nil {
		base = logrus.New()
	}
	logger := log.New(base, nil)

	if cfg.LogLevel.Valid && cfg.LogLevel.String != "" {
		if logger.SetLevel(cfg.LogLevel.String) != nil {
			return nil, fmt.Errorf(
				"invalid log level %q, should be one of: panic, fatal, error, warn, warning, info, debug, trace",
				cfg.LogLevel.String,
			)
		}
	}
	if cfg.LogCategoryFilter.Valid {
		if err := logger.SetCategoryFilter(cfg.LogCategoryFilter.String); err != nil {
			return nil, err
		}
	}
	if cfg.LogFile.Valid && cfg.LogFile.String != "" {
		if err := logger.AddFileHook(ctx, cfg.LogFile.String); err != nil {
			return nil, fmt.Errorf("adding log file hook: %w", err)
		}
	}

	return logger, nil
}
