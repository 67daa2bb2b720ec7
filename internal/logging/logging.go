// Package logging builds the process logger and the store-backed sink that
// mirrors warn-and-above records into the append-only system_logs table.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Options configures the process logger.
type Options struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// New builds the root logger.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.ToLower(opts.Format) == "text" {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name onto slog, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entry is one record destined for the system_logs table.
type Entry struct {
	Time      time.Time
	Level     string
	Component string
	Message   string
	Fields    map[string]any
}

// Sink persists log entries. The store implements it.
type Sink interface {
	WriteSystemLog(ctx context.Context, entry Entry) error
}

// StoreHandler tees warn-and-above records into a Sink without blocking the
// logging call path. Records are buffered; overflow is dropped and counted.
type StoreHandler struct {
	inner   slog.Handler
	entries chan Entry
	done    chan struct{}
	stopped chan struct{}
	dropped *atomic.Int64
	attrs   []slog.Attr
	group   string
}

// NewStoreHandler wraps inner with the sink tee. Close stops the writer.
func NewStoreHandler(inner slog.Handler, sink Sink, buffer int) *StoreHandler {
	if buffer <= 0 {
		buffer = 256
	}
	h := &StoreHandler{
		inner:   inner,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		dropped: &atomic.Int64{},
	}
	go h.run(sink)
	return h
}

func (h *StoreHandler) run(sink Sink) {
	defer close(h.stopped)
	for {
		select {
		case entry := <-h.entries:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = sink.WriteSystemLog(ctx, entry)
			cancel()
		case <-h.done:
			// Drain what is already buffered before stopping.
			for {
				select {
				case entry := <-h.entries:
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					_ = sink.WriteSystemLog(ctx, entry)
					cancel()
				default:
					return
				}
			}
		}
	}
}

// Close stops the background writer after draining buffered entries.
func (h *StoreHandler) Close() {
	close(h.done)
	<-h.stopped
}

// Dropped reports how many entries were discarded due to a full buffer.
func (h *StoreHandler) Dropped() int64 {
	return h.dropped.Load()
}

// Enabled implements slog.Handler.
func (h *StoreHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler. The record always reaches the inner
// handler; warn-and-above records are also queued for the sink.
func (h *StoreHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.inner.Handle(ctx, r)

	if r.Level >= slog.LevelWarn {
		entry := Entry{
			Time:    r.Time,
			Level:   strings.ToLower(r.Level.String()),
			Message: r.Message,
			Fields:  map[string]any{},
		}
		collect := func(a slog.Attr) {
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			if key == "component" {
				entry.Component, _ = a.Value.Any().(string)
				return
			}
			entry.Fields[key] = a.Value.Any()
		}
		for _, a := range h.attrs {
			collect(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			collect(a)
			return true
		})

		select {
		case h.entries <- entry:
		default:
			h.dropped.Add(1)
		}
	}

	return err
}

// WithAttrs implements slog.Handler.
func (h *StoreHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler.
func (h *StoreHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}
