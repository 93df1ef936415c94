// Package bridge shares resources between the primary and secondary
// devices.
//
// ShareToSecondary imports primary textures and buffers into the secondary
// device for compute reads. ShareToPrimary exposes a few secondary-owned
// outputs, such as the debug view, to the primary device. The exporting
// side always keeps ownership; the importing side only ever holds a
// xdev.View, and every shared pair is cached for the exporter's lifetime.
package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/internal/table"
	"github.com/gogpu/voxgi/xdev"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bridge: closed")

// Pair is one cached cross-device resource.
type Pair struct {
	Source xdev.Resource
	Handle xdev.SharedHandle
	alias  xdev.Resource
	view   xdev.View[xdev.Resource]
}

// View returns the importer's view.
func (p *Pair) View() xdev.View[xdev.Resource] { return p.view }

// Bridge caches shared pairs in both directions.
type Bridge struct {
	primary   xdev.PrimaryDevice
	secondary xdev.SecondaryDevice

	toSecondary  *table.Table[xdev.ResourceID, *Pair]
	toPrimary    *table.Table[xdev.ResourceID, *Pair]
	notShareable *table.Table[xdev.ResourceID, struct{}]
	closed       atomic.Bool
}

// New creates a bridge. When notifier is non-nil, pairs whose primary
// resource is finally released are dropped automatically.
func New(primary xdev.PrimaryDevice, secondary xdev.SecondaryDevice, notifier xdev.ReleaseNotifier) *Bridge {
	b := &Bridge{
		primary:      primary,
		secondary:    secondary,
		toSecondary:  table.New[xdev.ResourceID, *Pair](),
		toPrimary:    table.New[xdev.ResourceID, *Pair](),
		notShareable: table.New[xdev.ResourceID, struct{}](),
	}
	if notifier != nil {
		notifier.SubscribeRelease(func(id xdev.ResourceID) {
			b.Release(id)
			b.notShareable.Delete(id)
		})
	}
	return b
}

// stateTracker is implemented by devices that track per-resource state.
type stateTracker interface {
	ForgetState(id xdev.ResourceID)
}

func aliveFunc(res xdev.Resource) func() bool {
	if l, ok := res.(handles.Liveness); ok {
		return l.Alive
	}
	return nil
}

// ShareToSecondary returns the secondary-device view of a primary
// resource. Resources created without MiscSharedNTHandle yield a zero view
// and a nil error; callers skip them. On first share the alias is
// transitioned from the common state to the compute-read state on the
// secondary device's current command list.
func (b *Bridge) ShareToSecondary(res xdev.Resource) (xdev.View[xdev.Resource], error) {
	if b.closed.Load() {
		return xdev.View[xdev.Resource]{}, ErrClosed
	}
	if res == nil {
		return xdev.View[xdev.Resource]{}, fmt.Errorf("bridge: share nil resource")
	}
	if !res.Desc().Misc.Has(xdev.MiscSharedNTHandle) {
		if b.notShareable.Insert(res.ID(), struct{}{}) {
			logx.L().Warn("bridge: resource not shareable, skipped", "id", res.ID(), "label", res.Desc().Label)
		}
		return xdev.View[xdev.Resource]{}, nil
	}

	p, created, err := b.toSecondary.GetOrCreateErr(res.ID(), func() (*Pair, error) {
		return b.open(res, b.primary, b.secondary, xdev.AccessRead)
	})
	if err != nil {
		return xdev.View[xdev.Resource]{}, err
	}
	if created {
		b.secondary.CommandList().Transition(xdev.Barrier{
			Resource: p.alias,
			Before:   xdev.StateCommon,
			After:    xdev.StateNonPixelShaderResource,
		})
		logx.L().Debug("bridge: shared to secondary", "id", res.ID(), "handle", p.Handle.Name)
	}
	return p.view, nil
}

// ShareToPrimary returns the primary-device view of a secondary-owned
// resource, opened read-write. The secondary side keeps managing the
// resource's state.
func (b *Bridge) ShareToPrimary(res xdev.Resource) (xdev.View[xdev.Resource], error) {
	if b.closed.Load() {
		return xdev.View[xdev.Resource]{}, ErrClosed
	}
	if res == nil {
		return xdev.View[xdev.Resource]{}, fmt.Errorf("bridge: share nil resource")
	}
	p, created, err := b.toPrimary.GetOrCreateErr(res.ID(), func() (*Pair, error) {
		return b.open(res, b.secondary, b.primary, xdev.AccessReadWrite)
	})
	if err != nil {
		return xdev.View[xdev.Resource]{}, err
	}
	if created {
		logx.L().Debug("bridge: shared to primary", "id", res.ID(), "handle", p.Handle.Name)
	}
	return p.view, nil
}

// open exports res from one device and opens it on the other.
func (b *Bridge) open(res xdev.Resource, from, to xdev.Device, access xdev.Access) (*Pair, error) {
	h, err := from.ExportResource(res, access)
	if err != nil {
		return nil, fmt.Errorf("bridge: export %q from %s: %w", res.Desc().Label, from.Name(), err)
	}
	alias, err := to.OpenSharedResource(h, access)
	if err != nil {
		from.CloseHandle(h)
		return nil, fmt.Errorf("bridge: open %q on %s: %w", res.Desc().Label, to.Name(), err)
	}
	return &Pair{
		Source: res,
		Handle: h,
		alias:  alias,
		view:   xdev.NewView(alias, aliveFunc(alias)),
	}, nil
}

// Lookup returns the cached pair of a primary resource.
func (b *Bridge) Lookup(id xdev.ResourceID) (*Pair, bool) {
	return b.toSecondary.Get(id)
}

// Release drops the cached pair of a resource in either direction and
// closes its handle. The exporter's resource is not affected.
func (b *Bridge) Release(id xdev.ResourceID) bool {
	released := false
	if p, ok := b.toSecondary.Take(id); ok {
		b.closePair(b.primary, b.secondary, p)
		released = true
	}
	if p, ok := b.toPrimary.Take(id); ok {
		b.closePair(b.secondary, b.primary, p)
		released = true
	}
	return released
}

// closePair closes the exported handle and drops the importer's tracked
// state for the alias.
func (b *Bridge) closePair(exporter, importer xdev.Device, p *Pair) {
	if err := exporter.CloseHandle(p.Handle); err != nil {
		logx.L().Warn("bridge: close handle", "handle", p.Handle.Name, "error", err)
	}
	if st, ok := importer.(stateTracker); ok {
		st.ForgetState(p.alias.ID())
	}
}

// Len returns the number of cached pairs per direction.
func (b *Bridge) Len() (toSecondary, toPrimary int) {
	return b.toSecondary.Len(), b.toPrimary.Len()
}

// Close releases every imported alias before any owner is released.
func (b *Bridge) Close() {
	for _, p := range b.toSecondary.Drain() {
		b.closePair(b.primary, b.secondary, p)
	}
	for _, p := range b.toPrimary.Drain() {
		b.closePair(b.secondary, b.primary, p)
	}
	b.closed.Store(true)
}
