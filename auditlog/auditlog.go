// Package auditlog is a small in-memory ring of structured log entries, so
// a device (or its simulator) can answer "what did you just do" without a
// collector attached. It adapts the teacher's telemetry.go circular-buffer
// design: a fixed-size ring guarded by a mutex, with Pause/Resume so a
// caller can suppress logging across a known-noisy section (the job engine
// polling loop) and Flush to drain it afterwards.
package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Entry is one recorded event.
type Entry struct {
	Time  time.Time
	Level slog.Level
	Msg   string
	Attrs []slog.Attr
}

// Log is a fixed-capacity ring buffer of Entry. The zero value is not
// usable; construct with New.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	paused  bool
	now     func() time.Time
}

// New returns a Log holding at most capacity entries, oldest evicted first.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 64
	}
	return &Log{
		entries: make([]Entry, capacity),
		now:     time.Now,
	}
}

// Pause suppresses Record until Resume is called. Used to keep the job
// engine's per-tick polling from flooding the ring during a long erase or
// verify.
func (l *Log) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume re-enables Record.
func (l *Log) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Record appends an entry unless the log is paused.
func (l *Log) Record(level slog.Level, msg string, attrs ...slog.Attr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return
	}
	l.entries[l.next] = Entry{Time: l.now(), Level: level, Msg: msg, Attrs: attrs}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Flush returns a copy of the buffered entries in chronological order and
// empties the ring.
func (l *Log) Flush() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	if l.full {
		out = make([]Entry, 0, len(l.entries))
		out = append(out, l.entries[l.next:]...)
		out = append(out, l.entries[:l.next]...)
	} else {
		out = make([]Entry, l.next)
		copy(out, l.entries[:l.next])
	}
	l.next = 0
	l.full = false
	return out
}

// Handler fans a record out to an inner slog.Handler (normally a console
// TextHandler) and also records it into Log, the way the teacher's
// telemetry.SlogHandler writes to both the console and the OTLP queue.
type Handler struct {
	inner slog.Handler
	log   *Log
	level slog.Level
	attrs []slog.Attr
}

// NewHandler wraps inner so every record it handles is also recorded into
// log. Records below level are recorded into neither.
func NewHandler(inner slog.Handler, log *Log, level slog.Level) *Handler {
	return &Handler{inner: inner, log: log, level: level}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level && h.inner.Enabled(ctx, level)
}

// Handle satisfies slog.Handler: it always writes to the console handler
// first, then records into the ring regardless of the console write's
// outcome.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.inner.Handle(ctx, r)

	all := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	all = append(all, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		all = append(all, a)
		return true
	})
	h.log.Record(r.Level, r.Message, all...)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner: h.inner.WithAttrs(attrs),
		log:   h.log,
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), log: h.log, level: h.level, attrs: h.attrs}
}

// EncodeEntry serializes an Entry with protobuf's wire helpers directly,
// field numbers 1 (unix nanos), 2 (level), 3 (msg) — no .proto file and no
// generated code, since protoc cannot run as part of building this image.
func EncodeEntry(e Entry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Time.UnixNano()))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(e.Level)))
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Msg)
	return buf
}

// DecodeEntry is EncodeEntry's inverse, used by cmd/otacli's "audit"
// subcommand to decode the device's audit ring for offline inspection.
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Time = time.Unix(0, int64(v))
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Level = slog.Level(int64(v))
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Msg = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}
