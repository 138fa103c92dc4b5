package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler writes one line per record:
//
//	2025-06-15T12:00:00Z WARN  guard: rule changed guid={...} name="curl out"
//
// The component attribute becomes the line prefix. Groups are flattened.
type ConsoleHandler struct {
	level slog.Leveler
	mu    *sync.Mutex
	w     io.Writer

	component string
	pre       []slog.Attr
}

// NewConsoleHandler writes records at or above opts.Level to w.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	h := &ConsoleHandler{level: slog.LevelInfo, mu: new(sync.Mutex), w: w}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *ConsoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b bytes.Buffer
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(padLevel(levelName(r.Level)))

	component := h.component
	var attrs []slog.Attr
	attrs = append(attrs, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
		} else {
			attrs = append(attrs, a)
		}
		return true
	})
	if component != "" {
		b.WriteString(component)
		b.WriteString(": ")
	}
	b.WriteString(r.Message)
	for _, a := range attrs {
		writeAttr(&b, a)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func padLevel(name string) string {
	const width = 6
	if len(name) >= width {
		return name + " "
	}
	return name + strings.Repeat(" ", width-len(name))
}

func writeAttr(b *bytes.Buffer, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		v = strconv.Quote(v)
	}
	b.WriteString(v)
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.pre = append([]slog.Attr(nil), h.pre...)
	for _, a := range attrs {
		if a.Key == "component" {
			n.component = a.Value.String()
			continue
		}
		n.pre = append(n.pre, a)
	}
	return &n
}

func (h *ConsoleHandler) WithGroup(string) slog.Handler {
	return h
}
