// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xdev

import "sync/atomic"

// Owned is the single owner of a resource allocated by this side of the
// bridge. Release frees the underlying allocation exactly once.
type Owned[T Resource] struct {
	res      T
	release  func(T)
	released atomic.Bool
}

// NewOwned wraps res. release is called once, by the first Release.
func NewOwned[T Resource](res T, release func(T)) *Owned[T] {
	return &Owned[T]{res: res, release: release}
}

// Get returns the owned resource. The value must not be used after Release.
func (o *Owned[T]) Get() T { return o.res }

// Released reports whether Release has been called.
func (o *Owned[T]) Released() bool { return o.released.Load() }

// Alive is the negation of Released.
func (o *Owned[T]) Alive() bool { return !o.released.Load() }

// Release frees the resource. Subsequent calls do nothing.
func (o *Owned[T]) Release() {
	if o == nil || !o.released.CompareAndSwap(false, true) {
		return
	}
	if o.release != nil {
		o.release(o.res)
	}
}

// View returns a non-owning view that becomes invalid once o is released.
func (o *Owned[T]) View() View[T] {
	return View[T]{res: o.res, alive: o.Alive}
}

// View is a non-owning reference to a resource owned elsewhere, typically an
// alias opened from a shared handle. A View has no Release method: the
// importer can never be the last reference keeping memory alive.
type View[T Resource] struct {
	res   T
	alive func() bool
}

// NewView creates a view of res whose validity is tracked by alive.
// A nil alive function means the view is valid for its whole lifetime.
func NewView[T Resource](res T, alive func() bool) View[T] {
	if alive == nil {
		alive = func() bool { return true }
	}
	return View[T]{res: res, alive: alive}
}

// IsZero reports whether v is the empty view, as returned when a resource
// cannot be shared.
func (v View[T]) IsZero() bool { return v.alive == nil }

// Valid reports whether the owner of the viewed resource is still alive.
func (v View[T]) Valid() bool { return v.alive != nil && v.alive() }

// Get returns the viewed resource and whether it is still valid.
func (v View[T]) Get() (T, bool) {
	if !v.Valid() {
		var zero T
		return zero, false
	}
	return v.res, true
}
