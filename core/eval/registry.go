package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

type (
	// HandlerFunc executes one command with its raw JSON arguments.
	HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

	// Registration adds handlers to a Registry. Create these using [Handle]
	// and [HandleFunc].
	Registration func(r *Registry)
)

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates a registry with the given registrations applied.
func New(regs ...Registration) *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc)}
	r.Use(regs...)
	return r
}

// Use applies registrations. A later registration for the same name wins.
func (r *Registry) Use(regs ...Registration) {
	for _, reg := range regs {
		reg(r)
	}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h HandlerFunc) {
	if name == "" || h == nil {
		panic("eval: Register requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Commands returns the registered command names, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Eval runs the command named by s. Unknown commands fail with
// ipc.ErrUnknownCommand; a panicking handler fails with *ipc.PanicError.
func (r *Registry) Eval(ctx context.Context, s ipc.Script) (v any, err error) {
	r.mu.RLock()
	h, ok := r.handlers[s.Command]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ipc.ErrUnknownCommand, s.Command)
	}

	defer func() {
		if rec := recover(); rec != nil {
			v, err = nil, ipc.NewPanicError(rec)
		}
	}()
	return h(ctx, s.Args)
}

// HandleFunc registers a handler working on raw arguments.
func HandleFunc(name string, h HandlerFunc) Registration {
	return func(r *Registry) {
		r.Register(name, h)
	}
}

// Handle registers a typed handler. Arguments are decoded into A; missing
// arguments leave A at its zero value.
func Handle[A any, R any](name string, h func(ctx context.Context, args A) (R, error)) Registration {
	return HandleFunc(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%s: decode args: %w", name, err)
			}
		}
		return h(ctx, args)
	})
}

// Value registers a command without arguments.
func Value[R any](name string, h func(ctx context.Context) (R, error)) Registration {
	return HandleFunc(name, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h(ctx)
	})
}

var _ ipc.Evaluator = (*Registry)(nil)
