// Package instances keeps the acceleration library's instance set in step
// with the visible scene.
//
// Objects move through Unseen -> Queued -> Active and leave by eviction:
// Observe queues newly visible eligible objects, Reconcile creates the
// queued ones and deletes those not seen during the pass, and WorldUpdate
// deletes active instances whose world transform moved too far. All three
// run under one mutex, which is also held around every library delete.
// Buffers and layouts are looked up before the mutex is taken, so the only
// lock taken inside it is the library's own.
package instances

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/internal/bufreg"
	"github.com/gogpu/voxgi/internal/geom"
	"github.com/gogpu/voxgi/internal/layout"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/scene"
	"github.com/gogpu/voxgi/xdev"
)

// ErrLibrary wraps failed create or delete calls. It is fatal.
var ErrLibrary = errors.New("instances: library call failed")

// DefaultDirtyThreshold is the world-space displacement above which an
// active instance is deleted on world update.
const DefaultDirtyThreshold = 0.01

// Eligibility filters objects by material flags. An object is eligible
// when it has every Required flag and none of the Excluded ones.
type Eligibility struct {
	Required scene.MaterialFlags
	Excluded scene.MaterialFlags
}

// DefaultEligibility accepts opaque, depth-tested and depth-written static
// geometry.
var DefaultEligibility = Eligibility{
	Required: scene.MaterialDepthTest | scene.MaterialDepthWrite,
	Excluded: scene.MaterialAlphaBlend | scene.MaterialAlphaTest | scene.MaterialSkinned |
		scene.MaterialLOD | scene.MaterialDecal | scene.MaterialMultiTextureLandscape,
}

// Accepts reports whether m passes the filter.
func (e Eligibility) Accepts(m scene.MaterialFlags) bool {
	return m.Has(e.Required) && !m.Any(e.Excluded)
}

// Config holds the tunables. Both fields may change between frames.
type Config struct {
	DirtyThreshold float32
	Eligibility    Eligibility
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{DirtyThreshold: DefaultDirtyThreshold, Eligibility: DefaultEligibility}
}

// Skip says why Observe did not track an object.
type Skip uint8

const (
	SkipNone Skip = iota
	SkipZeroRadius
	SkipEmpty
	SkipMaterial
	SkipBuffers
	SkipLayout
	SkipIndexFormat
	skipCount
)

// String returns the reason name.
func (s Skip) String() string {
	switch s {
	case SkipNone:
		return "none"
	case SkipZeroRadius:
		return "zero-radius"
	case SkipEmpty:
		return "empty"
	case SkipMaterial:
		return "material"
	case SkipBuffers:
		return "buffers"
	case SkipLayout:
		return "layout"
	case SkipIndexFormat:
		return "index-format"
	default:
		return fmt.Sprintf("Skip(%d)", uint8(s))
	}
}

// BufferSource resolves buffer identities to library handles.
type BufferSource interface {
	Lookup(id xdev.ResourceID) (*bufreg.Entry, bool)
	GetOrAssignHandle(e *bufreg.Entry) (accel.BufferHandle, error)
}

// LayoutSource resolves vertex-descriptor keys.
type LayoutSource interface {
	Resolve(key uint64) (layout.Layout, bool)
}

type state uint8

const (
	stateQueued state = iota
	stateActive
	stateDropped
)

type entry struct {
	geom   scene.Geometry
	id     accel.InstanceID
	epoch  Epoch
	state  state
	anchor geom.Vec3 // local representative point
}

// Report summarizes one reconciliation pass.
type Report struct {
	Epoch   Epoch
	Created int
	Deleted int
	Dropped int
	Active  int
}

// Stats are cumulative counters.
type Stats struct {
	Active       int
	Queued       int
	Created      uint64
	Deleted      uint64
	DirtyDeletes uint64
	Skipped      [skipCount]uint64
}

// Manager is the instance lifecycle manager.
type Manager struct {
	lib     accel.Library
	buffers BufferSource
	layouts LayoutSource

	mu      sync.Mutex
	cfg     Config
	entries map[scene.ObjectID]*entry
	queue   []*entry
	epoch   Epoch
	stats   Stats
}

// New creates a manager with an empty instance set.
func New(lib accel.Library, buffers BufferSource, layouts LayoutSource, cfg Config) *Manager {
	return &Manager{
		lib:     lib,
		buffers: buffers,
		layouts: layouts,
		cfg:     cfg,
		entries: make(map[scene.ObjectID]*entry),
		epoch:   EpochEven,
	}
}

// SetConfig replaces the tunables. The new eligibility applies from the
// next Observe; active instances are not re-filtered.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Epoch returns the current pass epoch.
func (m *Manager) Epoch() Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// eligible applies the tunable filters. Caller holds mu.
func (m *Manager) eligible(g *scene.Geometry) Skip {
	if g.BoundRadius <= 0 {
		return SkipZeroRadius
	}
	if g.TriangleCount == 0 || g.VertexCount == 0 {
		return SkipEmpty
	}
	if !m.cfg.Eligibility.Accepts(g.Material) {
		return SkipMaterial
	}
	return SkipNone
}

// bindable checks that g can be described to the library. It runs without
// mu held.
func (m *Manager) bindable(g *scene.Geometry) Skip {
	if g.IndexFormat != xdev.FormatR16Uint && g.IndexFormat != xdev.FormatR32Uint {
		return SkipIndexFormat
	}
	if _, ok := m.buffers.Lookup(g.VertexBuffer); !ok {
		return SkipBuffers
	}
	if _, ok := m.buffers.Lookup(g.IndexBuffer); !ok {
		return SkipBuffers
	}
	if _, ok := m.layouts.Resolve(g.VertexDescriptor); !ok {
		return SkipLayout
	}
	return SkipNone
}

// Observe is the traversal feed. Eligible objects are marked as seen in
// the current pass; untracked ones are queued for creation.
func (m *Manager) Observe(g scene.Geometry) Skip {
	b := m.bindable(&g)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.eligible(&g)
	if s == SkipNone {
		s = b
	}
	if s != SkipNone {
		m.stats.Skipped[s]++
		return s
	}
	if e, ok := m.entries[g.ID]; ok {
		e.geom = g
		e.epoch = m.epoch
		return SkipNone
	}
	e := &entry{geom: g, epoch: m.epoch, state: stateQueued}
	m.entries[g.ID] = e
	m.queue = append(m.queue, e)
	return SkipNone
}

// deleteLocked deletes library instances. Caller holds mu.
func (m *Manager) deleteLocked(ids []accel.InstanceID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.lib.DeleteInstances(ids).Err("DeleteInstances"); err != nil {
		return fmt.Errorf("%w: delete %d: %w", ErrLibrary, len(ids), err)
	}
	m.stats.Deleted += uint64(len(ids))
	return nil
}

func representative(g *scene.Geometry) geom.Vec3 {
	return geom.FromSphere(geom.FromArray(g.BoundCenter), g.BoundRadius).Min
}

// resolve fills the buffer handles and vertex layout of the creation
// descriptor. It runs without mu held. ok is false when the object's
// buffers or layout disappeared after it was queued, including a buffer
// released while its handle was being assigned.
func (m *Manager) resolve(g *scene.Geometry) (accel.InstanceDesc, bool, error) {
	vb, ok := m.buffers.Lookup(g.VertexBuffer)
	if !ok {
		return accel.InstanceDesc{}, false, nil
	}
	ib, ok := m.buffers.Lookup(g.IndexBuffer)
	if !ok {
		return accel.InstanceDesc{}, false, nil
	}
	l, ok := m.layouts.Resolve(g.VertexDescriptor)
	if !ok {
		return accel.InstanceDesc{}, false, nil
	}
	vh, err := m.buffers.GetOrAssignHandle(vb)
	if errors.Is(err, bufreg.ErrNotRegistered) {
		return accel.InstanceDesc{}, false, nil
	}
	if err != nil {
		return accel.InstanceDesc{}, false, err
	}
	ih, err := m.buffers.GetOrAssignHandle(ib)
	if errors.Is(err, bufreg.ErrNotRegistered) {
		return accel.InstanceDesc{}, false, nil
	}
	if err != nil {
		return accel.InstanceDesc{}, false, err
	}
	return accel.InstanceDesc{
		VertexBuffer:   vh,
		IndexBuffer:    ih,
		VertexStride:   l.Stride,
		PositionOffset: l.PositionOffset,
		PositionFormat: l.PositionFormat,
		IndexFormat:    g.IndexFormat,
		TriangleCount:  g.TriangleCount,
		VertexCount:    g.VertexCount,
	}, true, nil
}

// place sets the world placement of d from g.
func place(d *accel.InstanceDesc, g *scene.Geometry) {
	local := geom.FromSphere(geom.FromArray(g.BoundCenter), g.BoundRadius)
	world := local.Transform(geom.Mat3x4(g.World))
	d.BoundsMin = world.Min.Array()
	d.BoundsMax = world.Max.Array()
	d.Transform = g.World
}

// sameMesh reports whether a and b draw from the same buffers and layout.
func sameMesh(a, b *scene.Geometry) bool {
	return a.VertexBuffer == b.VertexBuffer && a.IndexBuffer == b.IndexBuffer &&
		a.VertexDescriptor == b.VertexDescriptor && a.IndexFormat == b.IndexFormat &&
		a.TriangleCount == b.TriangleCount && a.VertexCount == b.VertexCount
}

// dropLocked forgets an entry that never became active. Caller holds mu.
func (m *Manager) dropLocked(e *entry) {
	e.state = stateDropped
	if m.entries[e.geom.ID] == e {
		delete(m.entries, e.geom.ID)
	}
}

// Reconcile ends the current pass: unseen objects are evicted, queued
// objects are created in one batch and the epoch flips. Deletions are
// issued before creations. Queued objects whose buffers or layout are gone
// are dropped without a library call.
func (m *Manager) Reconcile() (Report, error) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	meshes := make([]scene.Geometry, len(pending))
	for i, e := range pending {
		meshes[i] = e.geom
	}
	m.mu.Unlock()

	descs := make([]accel.InstanceDesc, len(pending))
	found := make([]bool, len(pending))
	for i := range meshes {
		d, ok, err := m.resolve(&meshes[i])
		if err != nil {
			m.mu.Lock()
			for _, e := range pending {
				if e.state == stateQueued {
					m.dropLocked(e)
				}
			}
			rep := Report{Epoch: m.epoch}
			m.mu.Unlock()
			return rep, err
		}
		descs[i], found[i] = d, ok
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{Epoch: m.epoch}

	var stale []accel.InstanceID
	for oid, e := range m.entries {
		if e.epoch == m.epoch {
			continue
		}
		if e.state == stateActive {
			stale = append(stale, e.id)
		}
		e.state = stateDropped
		delete(m.entries, oid)
	}
	if err := m.deleteLocked(stale); err != nil {
		return rep, err
	}
	rep.Deleted = len(stale)

	var (
		batch   []accel.InstanceDesc
		created []*entry
	)
	for i, e := range pending {
		if e.state != stateQueued {
			continue
		}
		if !found[i] || !sameMesh(&e.geom, &meshes[i]) {
			m.dropLocked(e)
			rep.Dropped++
			continue
		}
		d := descs[i]
		place(&d, &e.geom)
		batch = append(batch, d)
		created = append(created, e)
	}

	if len(batch) > 0 {
		ids := make([]accel.InstanceID, len(batch))
		if err := m.lib.CreateInstances(batch, ids).Err("CreateInstances"); err != nil {
			for _, e := range created {
				m.dropLocked(e)
			}
			return rep, fmt.Errorf("%w: create %d: %w", ErrLibrary, len(batch), err)
		}
		for i, e := range created {
			e.id = ids[i]
			e.state = stateActive
			e.anchor = representative(&e.geom)
		}
		m.stats.Created += uint64(len(ids))
		rep.Created = len(ids)
	}

	m.epoch = m.epoch.Flip()
	rep.Active = len(m.entries)
	logx.L().Debug("instances: reconciled",
		"created", rep.Created, "deleted", rep.Deleted, "dropped", rep.Dropped, "active", rep.Active)
	return rep, nil
}

// WorldUpdate compares the representative point of an active instance
// under the transforms before and after a world update. When it moved
// more than the dirty threshold the instance is deleted at once; the
// object is queued again the next time it is observed. Reports whether a
// deletion happened.
func (m *Manager) WorldUpdate(id scene.ObjectID, before, after scene.Transform) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	e.geom.World = after
	if e.state != stateActive {
		return false, nil
	}

	p0 := geom.Mat3x4(before).TransformPoint(e.anchor)
	p1 := geom.Mat3x4(after).TransformPoint(e.anchor)
	if geom.Distance(p0, p1) <= m.cfg.DirtyThreshold {
		return false, nil
	}

	if err := m.deleteLocked([]accel.InstanceID{e.id}); err != nil {
		return false, err
	}
	e.state = stateDropped
	delete(m.entries, id)
	m.stats.DirtyDeletes++
	return true, nil
}

// Forget removes an object the host destroyed, deleting its instance if
// it has one.
func (m *Manager) Forget(id scene.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	if e.state == stateActive {
		if err := m.deleteLocked([]accel.InstanceID{e.id}); err != nil {
			return err
		}
	}
	e.state = stateDropped
	delete(m.entries, id)
	return nil
}

// Instance returns the library ID of an active object.
func (m *Manager) Instance(id scene.ObjectID) (accel.InstanceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.state != stateActive {
		return 0, false
	}
	return e.id, true
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	for _, e := range m.entries {
		switch e.state {
		case stateActive:
			s.Active++
		case stateQueued:
			s.Queued++
		}
	}
	return s
}

// Clear deletes every active instance and forgets all objects.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []accel.InstanceID
	for _, e := range m.entries {
		if e.state == stateActive {
			ids = append(ids, e.id)
		}
		e.state = stateDropped
	}
	clear(m.entries)
	m.queue = nil
	return m.deleteLocked(ids)
}
