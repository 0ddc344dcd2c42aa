// Package interceptor provides the typed handler registry invoked
// synchronously at named points of a sync session.
//
// Handlers are registered per argument type with On and run in registration
// order by Fire. The pipeline waits for every handler before continuing.
// A handler error aborts the step that fired it. Handlers may mutate the
// arguments they receive; the pipeline observes the mutation.
package interceptor

import (
	"context"
	"reflect"
	"sync"
)

// Handler handles one interception point.
type Handler[T any] func(ctx context.Context, args *T) error

// Registry holds handlers keyed by argument type. The zero value is ready
// to use. A nil *Registry has no handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// On registers h for the interception point identified by T.
func On[T any](r *Registry, h Handler[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[reflect.Type][]any)
	}
	key := reflect.TypeFor[T]()
	r.handlers[key] = append(r.handlers[key], h)
}

// Fire runs the handlers registered for T in order, stopping at the first error.
func Fire[T any](ctx context.Context, r *Registry, args *T) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	hs := r.handlers[reflect.TypeFor[T]()]
	r.mu.RUnlock()

	for _, h := range hs {
		if err := h.(Handler[T])(ctx, args); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether any handler is registered for T.
func Has[T any](r *Registry) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[reflect.TypeFor[T]()]) > 0
}
