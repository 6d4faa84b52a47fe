// Package flight collapses concurrent calls for the same key into one.
package flight

import (
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent calls per key. Callers that arrive while a
// call for their key is in flight wait for it and share its result.
type Group[K comparable, T any] struct {
	g singleflight.Group
}

// Do runs fn unless a call for key is already running. shared reports whether
// the result was delivered to more than one caller.
func (g *Group[K, T]) Do(key K, fn func() (T, error)) (v T, shared bool, err error) {
	res, err, shared := g.g.Do(fmt.Sprint(key), func() (any, error) {
		return fn()
	})
	if res != nil {
		v = res.(T)
	}
	return v, shared, err
}

// Forget drops key so the next Do starts a fresh call.
func (g *Group[K, T]) Forget(key K) {
	g.g.Forget(fmt.Sprint(key))
}
