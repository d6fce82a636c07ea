package logutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-kit/log"
)

// gokitAdapter forwards go-kit style keyvals to an slog.Logger. dskit's
// module manager, signal handler, and embedded server all speak go-kit.
type gokitAdapter struct {
	logger *slog.Logger
}

// GoKit wraps an slog.Logger in the go-kit Logger interface.
func GoKit(logger *slog.Logger) log.Logger {
	return &gokitAdapter{logger: logger}
}

func (g *gokitAdapter) Log(keyvals ...any) error {
	lvl := slog.LevelInfo
	msg := ""
	attrs := make([]any, 0, len(keyvals))

	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		val := keyvals[i+1]
		switch key {
		case "level":
			switch fmt.Sprint(val) {
			case "debug":
				lvl = slog.LevelDebug
			case "warn":
				lvl = slog.LevelWarn
			case "error":
				lvl = slog.LevelError
			}
		case "msg", "message":
			msg = fmt.Sprint(val)
		default:
			attrs = append(attrs, key, val)
		}
	}

	g.logger.Log(context.Background(), lvl, msg, attrs...)
	return nil
}
