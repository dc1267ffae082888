// Package logger provides the component-tagged leveled logging used across
// strata. Call sites pass a short component name ("engine", "scheduler",
// "discord") so operators can filter one subsystem at a time.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
)

type Level = slog.Level

const (
	DEBUG Level = slog.LevelDebug
	INFO  Level = slog.LevelInfo
	WARN  Level = slog.LevelWarn
	ERROR Level = slog.LevelError
)

var (
	mu       sync.RWMutex
	levelVar = func() *slog.LevelVar {
		v := new(slog.LevelVar)
		v.Set(slog.LevelInfo)
		return v
	}()
	output  io.Writer = os.Stderr
	useJSON           = false
	current           = newHandlerLogger()
)

func newHandlerLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if useJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	return slog.New(h)
}

// SetLevel changes the minimum level for all components.
func SetLevel(l Level) {
	levelVar.Set(l)
}

// SetJSON switches between text (default) and JSON output.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	useJSON = enabled
	current = newHandlerLogger()
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	current = newHandlerLogger()
}

func logC(level Level, component, msg string, fields map[string]any) {
	mu.RLock()
	l := current
	mu.RUnlock()
	if !l.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	attrs = append(attrs, slog.String("component", component))
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, slog.Any(k, fields[k]))
		}
	}
	l.LogAttrs(context.Background(), level, msg, attrs...)
}

func DebugC(component, msg string) { logC(DEBUG, component, msg, nil) }
func InfoC(component, msg string)  { logC(INFO, component, msg, nil) }
func WarnC(component, msg string)  { logC(WARN, component, msg, nil) }
func ErrorC(component, msg string) { logC(ERROR, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]any) { logC(DEBUG, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]any)  { logC(INFO, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]any)  { logC(WARN, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]any) { logC(ERROR, component, msg, fields) }
