package tokibot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"os"
	"strings"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogger returns a tint-backed logger at the given level, tagged with
// the given logger name (if not empty).
func newLogger(w io.Writer, level slog.Leveler, name string) *slog.Logger {
	logger := slog.New(
		tint.NewHandler(
			w, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	)
	if name != "" {
		logger = logger.With(loggerNameKey, name)
	}
	return logger
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}
