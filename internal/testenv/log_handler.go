// Package testenv holds helpers shared by boardsync tests.
package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// TestLogHandler is a slog.Handler that renders message index (starting
// from 0), level and message, without the timestamp, so test output is
// deterministic. Every rendered line is also kept for assertions.
type TestLogHandler struct {
	sink        *logSink
	attrs       []slog.Attr
	groups      []string
	ignoreDebug bool
}

type logSink struct {
	mu    sync.Mutex
	out   io.Writer
	index int
	lines []string
}

// TestLogHandlerOption configures a TestLogHandler.
type TestLogHandlerOption func(*TestLogHandler)

// WithOutput sends rendered lines to w instead of stdout. A nil w keeps the
// lines in memory only.
func WithOutput(w io.Writer) TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.sink.out = w
	}
}

// WithIgnoreDebug drops DEBUG records.
func WithIgnoreDebug() TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.ignoreDebug = true
	}
}

func NewTestLogHandler(opts ...TestLogHandlerOption) *TestLogHandler {
	h := &TestLogHandler{sink: &logSink{out: os.Stdout}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

//nolint:gocritic
func (h *TestLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	var line string
	if attrs := h.attrsToString(&r); attrs != "" {
		line = fmt.Sprintf("[%d] %s: %s %s", h.sink.index, r.Level, r.Message, attrs)
	} else {
		line = fmt.Sprintf("[%d] %s: %s", h.sink.index, r.Level, r.Message)
	}
	h.sink.index++
	h.sink.lines = append(h.sink.lines, line)
	if h.sink.out != nil {
		fmt.Fprintln(h.sink.out, line)
	}
	return nil
}

// Lines returns every line rendered so far.
func (h *TestLogHandler) Lines() []string {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return append([]string(nil), h.sink.lines...)
}

// Contains reports whether any rendered line contains substr.
func (h *TestLogHandler) Contains(substr string) bool {
	for _, l := range h.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func (h *TestLogHandler) attrsToString(r *slog.Record) string {
	var parts []string
	for _, attr := range h.attrs {
		parts = append(parts, formatAttr(attr, ""))
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, formatAttr(a, prefix))
		return true
	})
	return strings.Join(parts, ", ")
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		var parts []string
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *TestLogHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *TestLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	added := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if prefix != "" {
			attr = slog.Any(prefix+attr.Key, attr.Value)
		}
		added = append(added, attr)
	}
	return &TestLogHandler{
		sink:        h.sink,
		attrs:       append(h.attrs[:len(h.attrs):len(h.attrs)], added...),
		groups:      h.groups,
		ignoreDebug: h.ignoreDebug,
	}
}

func (h *TestLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TestLogHandler{
		sink:        h.sink,
		attrs:       h.attrs,
		groups:      append(h.groups[:len(h.groups):len(h.groups)], name),
		ignoreDebug: h.ignoreDebug,
	}
}
