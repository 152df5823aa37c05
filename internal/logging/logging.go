// Package logging provides structured logging helpers shared by every
// engine component.
//
// Design principles:
//   - Logging is dependency-injected, never global — no component calls
//     slog.SetDefault or reaches for a package-level logger.
//   - Each component scopes its own logger once at construction time with
//     slog.With(component="...", ...).
//   - Logging is intentionally sparse: lifecycle boundaries (open, seal,
//     flush, merge start/commit, recovery) are logged; hot paths (append,
//     cursor iteration, chunk decode) are not.
//
// Output format, level, and destination are main()'s concern; packages
// under internal/ only ever receive an *slog.Logger.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Every
// constructor that takes an optional *slog.Logger funnels it through this
// before scoping it with component attributes.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler filters records by a per-component minimum level,
// read from the record's "component" attribute. This lets an operator turn
// on debug logging for, say, the merge engine without touching the global
// level.
//
// Handle() does a lock-free read of the current level map; SetLevel uses
// copy-on-write so readers never block on a write.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level
	preAttrs     []slog.Attr
	levels       *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler wraps next, filtering records whose "component"
// attribute resolves (via SetLevel) to a level above the record's level.
// Components with no explicit level use defaultLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	levels := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	levels.Store(&empty)
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel, levels: levels}
}

func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	// Deferred to Handle: the component attribute isn't known until the
	// record carries it.
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	levels := *h.levels.Load()
	component := h.findComponent(r)

	min := h.defaultLevel
	if lvl, ok := levels[component]; ok {
		min = lvl
	}
	if r.Level < min {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) findComponent(r slog.Record) string {
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			return a.Value.String()
		}
	}
	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.preAttrs)+len(attrs))
	next = append(next, h.preAttrs...)
	next = append(next, attrs...)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     next,
		levels:       h.levels,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel sets the minimum level for a single component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	for {
		old := h.levels.Load()
		next := make(map[string]slog.Level, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[component] = level
		if h.levels.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ClearLevel removes a component's explicit level override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	for {
		old := h.levels.Load()
		if _, ok := (*old)[component]; !ok {
			return
		}
		next := make(map[string]slog.Level, len(*old))
		for k, v := range *old {
			if k != component {
				next[k] = v
			}
		}
		if h.levels.CompareAndSwap(old, &next) {
			return
		}
	}
}
