// Package bufreg maps primary-device vertex and index buffers to copies on
// the secondary device and to the handles the acceleration library knows
// them by.
//
// Registration copies the buffer's initial contents at creation time.
// Library handles are assigned lazily, on the first instance that needs
// the buffer, because the import is a secondary-device call worth
// amortizing. Handles are never recycled.
package bufreg

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/internal/table"
	"github.com/gogpu/voxgi/xdev"
)

var (
	// ErrNotVertexBuffer is returned when registering a buffer without the
	// vertex bind flag as a vertex buffer.
	ErrNotVertexBuffer = errors.New("bufreg: buffer lacks vertex bind flag")

	// ErrNotIndexBuffer is the index-buffer counterpart.
	ErrNotIndexBuffer = errors.New("bufreg: buffer lacks index bind flag")

	// ErrAllocation reports a failed secondary-device allocation. It is
	// fatal to the subsystem.
	ErrAllocation = errors.New("bufreg: secondary allocation failed")

	// ErrImport reports a failed library import. It is fatal to the
	// subsystem.
	ErrImport = errors.New("bufreg: library import failed")

	// ErrNotRegistered is returned for unknown buffer identities.
	ErrNotRegistered = errors.New("bufreg: buffer not registered")
)

// Kind says how the source buffer is bound.
type Kind uint8

const (
	Vertex Kind = iota
	Index
)

// String returns the kind name.
func (k Kind) String() string {
	if k == Index {
		return "index"
	}
	return "vertex"
}

// Entry is one registered buffer.
type Entry struct {
	Source    xdev.ResourceID
	Kind      Kind
	ByteWidth uint64

	copy *xdev.Owned[xdev.Resource]

	// guarded by Registry.importMu
	handle     accel.BufferHandle
	registered bool
}

// Copy returns a view of the secondary-device copy.
func (e *Entry) Copy() xdev.View[xdev.Resource] { return e.copy.View() }

// Registry is the buffer registry.
type Registry struct {
	dev      xdev.SecondaryDevice
	lib      accel.Library
	notifier xdev.ReleaseNotifier

	entries *table.Table[xdev.ResourceID, *Entry]
	hooked  atomic.Bool

	importMu sync.Mutex
	imports  atomic.Uint64
}

// New creates an empty registry. notifier may be nil when the host reports
// releases by calling Unregister directly.
func New(dev xdev.SecondaryDevice, lib accel.Library, notifier xdev.ReleaseNotifier) *Registry {
	return &Registry{
		dev:      dev,
		lib:      lib,
		notifier: notifier,
		entries:  table.New[xdev.ResourceID, *Entry](),
	}
}

// installHook subscribes to final releases. Only the first call does
// anything.
func (r *Registry) installHook() {
	if r.notifier == nil || !r.hooked.CompareAndSwap(false, true) {
		return
	}
	r.notifier.SubscribeRelease(func(id xdev.ResourceID) { r.Unregister(id) })
	logx.L().Debug("bufreg: release hook installed")
}

// HookInstalled reports whether the release hook has been installed.
func (r *Registry) HookInstalled() bool { return r.hooked.Load() }

// RegisterVertexBuffer copies a vertex buffer to the secondary device.
// Registering the same identity again returns the existing entry.
func (r *Registry) RegisterVertexBuffer(desc xdev.ResourceDesc, initial []byte, id xdev.ResourceID) (*Entry, error) {
	if !desc.Bind.Has(xdev.BindVertexBuffer) {
		return nil, ErrNotVertexBuffer
	}
	return r.register(Vertex, desc, initial, id)
}

// RegisterIndexBuffer copies an index buffer to the secondary device.
func (r *Registry) RegisterIndexBuffer(desc xdev.ResourceDesc, initial []byte, id xdev.ResourceID) (*Entry, error) {
	if !desc.Bind.Has(xdev.BindIndexBuffer) {
		return nil, ErrNotIndexBuffer
	}
	return r.register(Index, desc, initial, id)
}

// Observe is the buffer-creation feed. Buffers bound neither as vertex nor
// as index buffers are ignored and reported with ok=false.
func (r *Registry) Observe(desc xdev.ResourceDesc, initial []byte, id xdev.ResourceID) (e *Entry, ok bool, err error) {
	switch {
	case desc.Bind.Has(xdev.BindVertexBuffer):
		e, err = r.register(Vertex, desc, initial, id)
	case desc.Bind.Has(xdev.BindIndexBuffer):
		e, err = r.register(Index, desc, initial, id)
	default:
		return nil, false, nil
	}
	return e, err == nil, err
}

func (r *Registry) register(kind Kind, desc xdev.ResourceDesc, initial []byte, id xdev.ResourceID) (*Entry, error) {
	r.installHook()

	e, created, err := r.entries.GetOrCreateErr(id, func() (*Entry, error) {
		copyDesc := xdev.ResourceDesc{
			Label:     fmt.Sprintf("voxgi_%s_%d", kind, id),
			Kind:      xdev.KindBuffer,
			ByteWidth: desc.ByteWidth,
			Bind:      xdev.BindShaderResource,
		}
		if uint64(len(initial)) > desc.ByteWidth {
			initial = initial[:desc.ByteWidth]
		}
		owned, err := r.dev.CreateBuffer(copyDesc, initial)
		if err != nil {
			return nil, fmt.Errorf("%w: %s buffer %d (%d bytes): %v", ErrAllocation, kind, id, desc.ByteWidth, err)
		}
		return &Entry{Source: id, Kind: kind, ByteWidth: desc.ByteWidth, copy: owned}, nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		logx.L().Debug("bufreg: registered", "kind", kind, "id", id, "bytes", desc.ByteWidth)
	}
	return e, nil
}

// Lookup returns the entry for a primary buffer identity.
func (r *Registry) Lookup(id xdev.ResourceID) (*Entry, bool) {
	return r.entries.Get(id)
}

// GetOrAssignHandle returns the entry's library handle, importing the
// secondary copy on first use. The import happens at most once per entry.
func (r *Registry) GetOrAssignHandle(e *Entry) (accel.BufferHandle, error) {
	r.importMu.Lock()
	defer r.importMu.Unlock()

	if e.registered {
		return e.handle, nil
	}
	res, ok := e.copy.View().Get()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotRegistered, e.Source)
	}
	out := make([]accel.BufferHandle, 1)
	result := r.lib.RegisterBuffers([]accel.BufferDesc{{Resource: res, ByteWidth: e.ByteWidth}}, out)
	if err := result.Err("RegisterBuffers"); err != nil {
		return 0, fmt.Errorf("%w: %s buffer %d: %v", ErrImport, e.Kind, e.Source, err)
	}
	r.imports.Add(1)
	e.handle = out[0]
	e.registered = true
	return e.handle, nil
}

// Handle looks up id and returns its library handle.
func (r *Registry) Handle(id xdev.ResourceID) (accel.BufferHandle, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotRegistered, id)
	}
	return r.GetOrAssignHandle(e)
}

// Unregister removes the entry and releases the secondary copy. The
// library handle is not returned to the library.
func (r *Registry) Unregister(id xdev.ResourceID) bool {
	e, ok := r.entries.Take(id)
	if !ok {
		return false
	}
	e.copy.Release()
	logx.L().Debug("bufreg: unregistered", "id", id)
	return true
}

// Len returns the number of registered buffers.
func (r *Registry) Len() int { return r.entries.Len() }

// Imports returns the number of library imports performed.
func (r *Registry) Imports() uint64 { return r.imports.Load() }

// Close releases every secondary copy.
func (r *Registry) Close() {
	for _, e := range r.entries.Drain() {
		e.copy.Release()
	}
}
