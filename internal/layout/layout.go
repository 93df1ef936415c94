// Package layout records the vertex layouts the renderer compiles, reduced
// to what the acceleration library needs to find vertex positions.
package layout

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/internal/table"
	"github.com/gogpu/voxgi/xdev"
)

// PositionSemantic names the position attribute.
const PositionSemantic = "POSITION"

var (
	// ErrUnsupportedFormat is returned for a position attribute that is
	// neither R32G32B32_FLOAT nor R16G16B16A16_FLOAT.
	ErrUnsupportedFormat = errors.New("layout: unsupported position format")

	// ErrUnknownElementFormat is returned when an element's size cannot be
	// determined, so the stride cannot be computed.
	ErrUnknownElementFormat = errors.New("layout: element with unknown format")
)

// Layout is the position-finding metadata of one input layout.
type Layout struct {
	Stride         uint32
	PositionOffset uint32
	PositionFormat xdev.Format
}

// SupportedPosition reports whether f is accepted for positions.
func SupportedPosition(f xdev.Format) bool {
	return f == xdev.FormatR32G32B32Float || f == xdev.FormatR16G16B16A16Float
}

// Registry maps layout identities, and the compact vertex-descriptor keys
// bound to them, to Layout values. Entries are immutable and never removed.
type Registry struct {
	layouts     *table.Table[xdev.ResourceID, Layout]
	descriptors *table.Table[uint64, xdev.ResourceID]
	ignored     atomic.Uint64
	rejected    atomic.Uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		layouts:     table.New[xdev.ResourceID, Layout](),
		descriptors: table.New[uint64, xdev.ResourceID](),
	}
}

// Derive computes the Layout of an element list. ok is false when the list
// has no position attribute.
func Derive(elems []xdev.InputElement) (l Layout, ok bool, err error) {
	pos := -1
	for i, e := range elems {
		if strings.EqualFold(e.Semantic, PositionSemantic) && e.SemanticIndex == 0 {
			pos = i
			break
		}
	}
	if pos < 0 {
		return Layout{}, false, nil
	}
	if f := elems[pos].Format; !SupportedPosition(f) {
		return Layout{}, true, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}

	for i, e := range elems {
		size := e.Format.Size()
		if size == 0 {
			return Layout{}, true, fmt.Errorf("%w: %s%d is %s", ErrUnknownElementFormat, e.Semantic, e.SemanticIndex, e.Format)
		}
		l.Stride += size
		if i < pos {
			l.PositionOffset += size
		}
	}
	l.PositionFormat = elems[pos].Format
	return l, true, nil
}

// Register records the layout identified by id. Layouts without a position
// attribute are ignored silently (ok=false, nil error). Layouts whose
// position cannot be read are rejected with an error and not stored.
// Registering an identity twice keeps the first layout.
func (r *Registry) Register(id xdev.ResourceID, elems []xdev.InputElement) (Layout, bool, error) {
	if l, ok := r.layouts.Get(id); ok {
		return l, true, nil
	}
	l, ok, err := Derive(elems)
	if !ok {
		r.ignored.Add(1)
		return Layout{}, false, nil
	}
	if err != nil {
		r.rejected.Add(1)
		logx.L().Warn("layout: rejected input layout", "id", id, "error", err)
		return Layout{}, false, err
	}
	r.layouts.Insert(id, l)
	return l, true, nil
}

// BindDescriptor associates a compact vertex-descriptor key with a layout
// identity. A later binding of the same key replaces the earlier one.
func (r *Registry) BindDescriptor(key uint64, id xdev.ResourceID) {
	r.descriptors.Set(key, id)
}

// Lookup returns the layout registered under id.
func (r *Registry) Lookup(id xdev.ResourceID) (Layout, bool) {
	return r.layouts.Get(id)
}

// Resolve returns the layout bound to a vertex-descriptor key.
func (r *Registry) Resolve(key uint64) (Layout, bool) {
	id, ok := r.descriptors.Get(key)
	if !ok {
		return Layout{}, false
	}
	return r.layouts.Get(id)
}

// Len returns the number of stored layouts.
func (r *Registry) Len() int { return r.layouts.Len() }

// Ignored returns how many layouts had no position attribute.
func (r *Registry) Ignored() uint64 { return r.ignored.Load() }

// Rejected returns how many layouts were rejected.
func (r *Registry) Rejected() uint64 { return r.rejected.Load() }
