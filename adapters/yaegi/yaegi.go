// Package yaegi evaluates Go source sent as ipc.CommandGoSource in a
// sandboxed interpreter. Workers opt in by registering Sandbox.Registration.
//
// The source is a function literal
//
//	func(env map[string]interface{}) (interface{}, error) { ... }
//
// optionally preceded by import declarations, or a complete "package main"
// file declaring Run with that signature.
package yaegi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
)

// DefaultAllowed are the standard library packages scripts may import.
var DefaultAllowed = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
}

const DefaultTimeout = 5 * time.Second

var (
	ErrEmptySource  = errors.New("yaegi: empty source")
	ErrBadSignature = errors.New("yaegi: Run must be func(map[string]interface{}) (interface{}, error)")
)

// RunFunc is the signature scripts must implement.
type RunFunc = func(env map[string]interface{}) (interface{}, error)

type Options struct {
	Log *slog.Logger
	// Allowed lists importable packages. Defaults to DefaultAllowed.
	Allowed []string
	// Env builds the value passed to the script. Optional.
	Env     func(ctx context.Context) map[string]any
	Timeout time.Duration
}

type Sandbox struct {
	log     *slog.Logger
	env     func(ctx context.Context) map[string]any
	timeout time.Duration
	symbols interp.Exports
}

func New(opts Options) *Sandbox {
	allowed := opts.Allowed
	if allowed == nil {
		allowed = DefaultAllowed
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Sandbox{
		log:     log.With(slog.String("component", "yaegi")),
		env:     opts.Env,
		timeout: timeout,
		symbols: filterSymbols(stdlib.Symbols, allowed),
	}
}

// filterSymbols keeps the exports of allowed packages. Keys have the form
// "import/path/name".
func filterSymbols(all interp.Exports, allowed []string) interp.Exports {
	keep := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		keep[p] = true
	}
	out := make(interp.Exports)
	for key, syms := range all {
		i := strings.LastIndexByte(key, '/')
		if i < 0 || !keep[key[:i]] {
			continue
		}
		out[key] = syms
	}
	return out
}

// Registration installs the sandbox as the handler of ipc.CommandGoSource.
func (s *Sandbox) Registration() eval.Registration {
	return eval.Handle(ipc.CommandGoSource, func(ctx context.Context, src string) (any, error) {
		return s.Run(ctx, src)
	})
}

// Run interprets src and calls its function with the sandbox env.
func (s *Sandbox) Run(ctx context.Context, src string) (any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmptySource
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	i := interp.New(interp.Options{})
	if err := i.Use(s.symbols); err != nil {
		return nil, fmt.Errorf("yaegi: load symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, wrap(src)); err != nil {
		return nil, fmt.Errorf("yaegi: compile: %w", err)
	}
	v, err := i.EvalWithContext(ctx, "main.Run")
	if err != nil {
		return nil, fmt.Errorf("yaegi: %w", err)
	}
	run, ok := v.Interface().(RunFunc)
	if !ok {
		return nil, ErrBadSignature
	}

	env := map[string]interface{}{}
	if s.env != nil {
		for k, v := range s.env(ctx) {
			env[k] = v
		}
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: ipc.NewPanicError(r)}
			}
		}()
		v, err := run(env)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		// the interpreted function cannot be stopped, its goroutine is abandoned
		s.log.Warn("script abandoned", slog.Any("error", ctx.Err()))
		return nil, fmt.Errorf("yaegi: run: %w", ctx.Err())
	}
}

// wrap turns a function literal, with optional leading imports, into a
// main package declaring Run.
func wrap(src string) string {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "package ") {
		return src
	}
	i := strings.Index(src, "func")
	if i < 0 {
		return "package main\n\nvar Run = " + src
	}
	return "package main\n\n" + src[:i] + "\nvar Run = " + src[i:]
}
