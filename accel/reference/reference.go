// Package reference is an in-process implementation of accel.Library.
//
// It performs no distance-field math. It keeps the instance and buffer sets
// the real library would keep, validates every descriptor the way the real
// library documents, computes a deterministic scratch requirement, and marks
// each Update on the supplied command list. Tests and the replay tool use it
// to observe exactly which calls the subsystem makes.
package reference

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/xdev"
)

// Op names a library entry point.
type Op uint8

const (
	OpRegisterBuffers Op = iota
	OpCreateInstances
	OpDeleteInstances
	OpBake
	OpUpdate
	opCount
)

// String returns the entry point name.
func (o Op) String() string {
	switch o {
	case OpRegisterBuffers:
		return "RegisterBuffers"
	case OpCreateInstances:
		return "CreateInstances"
	case OpDeleteInstances:
		return "DeleteInstances"
	case OpBake:
		return "Bake"
	case OpUpdate:
		return "Update"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Event records one successful call that changed library state.
type Event struct {
	Op        Op
	Instances []accel.InstanceID
	Buffers   []accel.BufferHandle
}

// Costs parameterize the scratch requirement:
//
//	Base + PerCascade*cascades + PerInstance*instances + PerTriangle*min(triangles, MaxTriangles)
type Costs struct {
	Base        uint64
	PerCascade  uint64
	PerInstance uint64
	PerTriangle uint64
}

// DefaultCosts are small enough for the default scratch budget to hold a
// few thousand instances.
var DefaultCosts = Costs{
	Base:        64 << 10,
	PerCascade:  16 << 10,
	PerInstance: 256,
	PerTriangle: 16,
}

// Library is the reference accel.Library. The zero value is not usable; use
// New.
type Library struct {
	mu sync.Mutex

	costs        Costs
	nextBuffer   accel.BufferHandle
	nextInstance accel.InstanceID
	buffers      map[accel.BufferHandle]accel.BufferDesc
	instances    map[accel.InstanceID]accel.InstanceDesc

	calls       [opCount]int
	fail        [opCount]accel.Result
	events      []Event
	lastScratch uint64
	updates     uint64
}

// Option configures a Library.
type Option func(*Library)

// WithCosts overrides DefaultCosts.
func WithCosts(c Costs) Option {
	return func(l *Library) { l.costs = c }
}

// New creates an empty library.
func New(opts ...Option) *Library {
	l := &Library{
		costs:     DefaultCosts,
		buffers:   make(map[accel.BufferHandle]accel.BufferDesc),
		instances: make(map[accel.InstanceID]accel.InstanceDesc),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// FailNext makes the next call of op return r without side effects.
func (l *Library) FailNext(op Op, r accel.Result) {
	l.mu.Lock()
	l.fail[op] = r
	l.mu.Unlock()
}

// enter counts the call and consumes an injected failure. Caller holds mu.
func (l *Library) enter(op Op) accel.Result {
	l.calls[op]++
	if r := l.fail[op]; r != accel.OK {
		l.fail[op] = accel.OK
		return r
	}
	return accel.OK
}

// RegisterBuffers implements accel.Library.
func (l *Library) RegisterBuffers(descs []accel.BufferDesc, out []accel.BufferHandle) accel.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.enter(OpRegisterBuffers); r != accel.OK {
		return r
	}
	if len(out) < len(descs) {
		return accel.InvalidArgument
	}
	for _, d := range descs {
		if d.Resource == nil || d.ByteWidth == 0 {
			return accel.InvalidArgument
		}
		rd := d.Resource.Desc()
		if rd.Kind != xdev.KindBuffer || d.ByteWidth > rd.Size() {
			return accel.InvalidArgument
		}
	}
	ev := Event{Op: OpRegisterBuffers}
	for i, d := range descs {
		l.nextBuffer++
		l.buffers[l.nextBuffer] = d
		out[i] = l.nextBuffer
		ev.Buffers = append(ev.Buffers, l.nextBuffer)
	}
	l.events = append(l.events, ev)
	return accel.OK
}

func (l *Library) validInstance(d *accel.InstanceDesc) bool {
	if _, ok := l.buffers[d.VertexBuffer]; !ok {
		return false
	}
	if _, ok := l.buffers[d.IndexBuffer]; !ok {
		return false
	}
	switch d.PositionFormat {
	case xdev.FormatR32G32B32Float, xdev.FormatR16G16B16A16Float:
	default:
		return false
	}
	if d.VertexStride == 0 || d.PositionOffset+d.PositionFormat.Size() > d.VertexStride {
		return false
	}
	switch d.IndexFormat {
	case xdev.FormatR16Uint, xdev.FormatR32Uint:
	default:
		return false
	}
	if d.TriangleCount == 0 || d.VertexCount == 0 {
		return false
	}
	for i := range 3 {
		if d.BoundsMin[i] > d.BoundsMax[i] {
			return false
		}
	}
	return true
}

// CreateInstances implements accel.Library. Either all descriptors are
// accepted or none is.
func (l *Library) CreateInstances(descs []accel.InstanceDesc, out []accel.InstanceID) accel.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.enter(OpCreateInstances); r != accel.OK {
		return r
	}
	if len(out) < len(descs) {
		return accel.InvalidArgument
	}
	for i := range descs {
		if !l.validInstance(&descs[i]) {
			return accel.InvalidArgument
		}
	}
	ev := Event{Op: OpCreateInstances}
	for i, d := range descs {
		l.nextInstance++
		l.instances[l.nextInstance] = d
		out[i] = l.nextInstance
		ev.Instances = append(ev.Instances, l.nextInstance)
	}
	l.events = append(l.events, ev)
	return accel.OK
}

// DeleteInstances implements accel.Library. Known IDs are deleted even when
// some IDs are unknown; the call then reports NotFound.
func (l *Library) DeleteInstances(ids []accel.InstanceID) accel.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.enter(OpDeleteInstances); r != accel.OK {
		return r
	}
	res := accel.OK
	ev := Event{Op: OpDeleteInstances}
	for _, id := range ids {
		if _, ok := l.instances[id]; !ok {
			res = accel.NotFound
			continue
		}
		delete(l.instances, id)
		ev.Instances = append(ev.Instances, id)
	}
	if len(ev.Instances) > 0 {
		l.events = append(l.events, ev)
	}
	return res
}

func validUpdate(d *accel.UpdateDesc) bool {
	if d == nil || d.OutScratchSize == nil || len(d.Cascades) == 0 {
		return false
	}
	if d.Atlas == nil || d.BrickAABBs == nil || d.Scratch == nil {
		return false
	}
	for _, c := range d.Cascades {
		if c.Tree == nil || c.BrickMap == nil {
			return false
		}
	}
	return d.MaxReferences > 0 && d.MaxTriangles > 0
}

// scratchFor computes the requirement. Caller holds mu.
func (l *Library) scratchFor(d *accel.UpdateDesc) uint64 {
	var tris uint64
	for _, inst := range l.instances {
		tris += uint64(inst.TriangleCount)
	}
	tris = min(tris, uint64(d.MaxTriangles))
	n := uint64(len(l.instances))
	return l.costs.Base +
		l.costs.PerCascade*uint64(len(d.Cascades)) +
		l.costs.PerInstance*n +
		l.costs.PerTriangle*tris
}

// Bake implements accel.Library.
func (l *Library) Bake(d *accel.UpdateDesc) accel.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.enter(OpBake); r != accel.OK {
		return r
	}
	if !validUpdate(d) {
		return accel.InvalidArgument
	}
	l.lastScratch = l.scratchFor(d)
	*d.OutScratchSize = l.lastScratch
	l.events = append(l.events, Event{Op: OpBake})
	return accel.OK
}

// Update implements accel.Library. The scratch buffer must hold the
// current requirement.
func (l *Library) Update(d *accel.UpdateDesc) accel.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.enter(OpUpdate); r != accel.OK {
		return r
	}
	if !validUpdate(d) || d.CommandList == nil {
		return accel.InvalidArgument
	}
	if need := l.scratchFor(d); d.Scratch.Desc().Size() < need {
		return accel.OutOfMemory
	}
	l.updates++
	d.CommandList.Annotate(fmt.Sprintf("voxgi update frame=%d instances=%d cascades=%d",
		d.FrameIndex, len(l.instances), len(d.Cascades)))
	if d.DebugView != nil && d.DebugFlags != 0 {
		d.CommandList.Annotate(fmt.Sprintf("voxgi debug flags=%#x", uint32(d.DebugFlags)))
	}
	l.events = append(l.events, Event{Op: OpUpdate})
	return accel.OK
}

// Instances returns the live instance IDs in ascending order.
func (l *Library) Instances() []accel.InstanceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]accel.InstanceID, 0, len(l.instances))
	for id := range l.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Instance returns the descriptor an instance was created with.
func (l *Library) Instance(id accel.InstanceID) (accel.InstanceDesc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.instances[id]
	return d, ok
}

// BufferCount returns the number of imported buffers.
func (l *Library) BufferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffers)
}

// Calls returns how many times op was called, failed calls included.
func (l *Library) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Events returns a copy of the event log.
func (l *Library) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// ResetEvents clears the event log.
func (l *Library) ResetEvents() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// LastScratch returns the requirement computed by the latest Bake.
func (l *Library) LastScratch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastScratch
}

// Updates returns the number of successful Update calls.
func (l *Library) Updates() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates
}

var _ accel.Library = (*Library)(nil)
