// Package cascade owns the cascade resource set and runs the per-frame
// Bake and Update sequence on the secondary device.
package cascade

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/internal/instances"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/xdev"
)

var (
	// ErrScratchOverflow is returned when Bake asks for more scratch than
	// was allocated. It is fatal.
	ErrScratchOverflow = errors.New("cascade: scratch requirement exceeds budget")

	// ErrLibrary wraps a failed Bake or Update.
	ErrLibrary = errors.New("cascade: library call failed")

	// ErrClosed is returned by Frame after Close.
	ErrClosed = errors.New("cascade: closed")
)

// Sync brackets the secondary's frame work against the primary queue.
type Sync interface {
	BeginSecondary() (uint64, error)
	EndSecondary() (uint64, error)
}

// Reconciler drains the instance queue once per frame.
type Reconciler interface {
	Reconcile() (instances.Report, error)
}

// DebugRecorder records the debug visualization into the frame's command
// list. The view is in the unordered-access state while it runs.
type DebugRecorder interface {
	RecordDebug(cl xdev.CommandList, view xdev.Resource, width, height, instances, flags uint32) error
}

type cascadeSet struct {
	tree     *xdev.Owned[xdev.Resource]
	brickMap *xdev.Owned[xdev.Resource]
}

// FrameStats describe one completed frame.
type FrameStats struct {
	Frame     uint64
	SignalA   uint64
	SignalB   uint64
	Scratch   uint64
	Instances instances.Report
}

// Orchestrator runs the frame sequence. Frame must not be called
// concurrently with itself or Close.
type Orchestrator struct {
	dev    xdev.SecondaryDevice
	lib    accel.Library
	sync   Sync
	scene  Reconciler
	limits Limits

	cascades  []cascadeSet
	atlas     *xdev.Owned[xdev.Resource]
	aabbs     *xdev.Owned[xdev.Resource]
	scratch   *xdev.Owned[xdev.Resource]
	debugView *xdev.Owned[xdev.Resource]

	debug      DebugRecorder
	debugFlags atomic.Uint32
	frames     atomic.Uint64
	lastBake   atomic.Uint64
	closed     atomic.Bool
}

// New allocates the cascade resource set on dev and moves every resource
// into the shader-read state.
func New(dev xdev.SecondaryDevice, lib accel.Library, sync Sync, scene Reconciler, limits Limits) (*Orchestrator, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{dev: dev, lib: lib, sync: sync, scene: scene, limits: limits}
	if err := o.allocate(); err != nil {
		o.release()
		return nil, err
	}

	cl := dev.CommandList()
	for _, r := range o.resources() {
		cl.Transition(xdev.Barrier{Resource: r, Before: xdev.StateCommon, After: xdev.StateShaderRead})
	}
	if err := dev.Flush(); err != nil {
		o.release()
		return nil, fmt.Errorf("cascade: initial transitions: %w", err)
	}

	logx.L().Info("cascade: resources created",
		"cascades", limits.Cascades, "scratch", limits.ScratchBytes, "debug", fmt.Sprintf("%dx%d", limits.DebugWidth, limits.DebugHeight))
	return o, nil
}

func (o *Orchestrator) buffer(label string, size uint64, misc xdev.MiscFlags) (*xdev.Owned[xdev.Resource], error) {
	owned, err := o.dev.CreateBuffer(xdev.ResourceDesc{
		Label:     label,
		Kind:      xdev.KindBuffer,
		ByteWidth: size,
		Bind:      xdev.BindShaderResource | xdev.BindUnorderedAccess,
		Misc:      misc,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("cascade: allocate %s: %w", label, err)
	}
	return owned, nil
}

func (o *Orchestrator) allocate() error {
	var err error
	for i := range o.limits.Cascades {
		var c cascadeSet
		if c.tree, err = o.buffer(fmt.Sprintf("voxgi_cascade%d_tree", i), o.limits.TreeBytes, 0); err != nil {
			return err
		}
		o.cascades = append(o.cascades, c)
		if o.cascades[i].brickMap, err = o.buffer(fmt.Sprintf("voxgi_cascade%d_bricks", i), o.limits.BrickMapBytes, 0); err != nil {
			return err
		}
	}
	if o.atlas, err = o.buffer("voxgi_atlas", o.limits.AtlasBytes, 0); err != nil {
		return err
	}
	if o.aabbs, err = o.buffer("voxgi_brick_aabbs", o.limits.BrickAABBBytes, 0); err != nil {
		return err
	}
	if o.scratch, err = o.buffer("voxgi_scratch", o.limits.ScratchBytes, 0); err != nil {
		return err
	}
	o.debugView, err = o.buffer("voxgi_debug_view", o.limits.DebugViewBytes(), xdev.MiscShared|xdev.MiscSharedNTHandle)
	return err
}

// resources lists every resource that is transitioned around Update.
func (o *Orchestrator) resources() []xdev.Resource {
	rs := make([]xdev.Resource, 0, 2*len(o.cascades)+4)
	for _, c := range o.cascades {
		rs = append(rs, c.tree.Get(), c.brickMap.Get())
	}
	return append(rs, o.atlas.Get(), o.aabbs.Get(), o.scratch.Get(), o.debugView.Get())
}

func (o *Orchestrator) release() {
	for _, c := range o.cascades {
		c.tree.Release()
		c.brickMap.Release()
	}
	o.atlas.Release()
	o.aabbs.Release()
	o.scratch.Release()
	o.debugView.Release()
}

// SetDebugRecorder installs the debug visualization pass.
func (o *Orchestrator) SetDebugRecorder(r DebugRecorder) { o.debug = r }

// SetDebugFlags selects the debug visualization. Zero disables it.
func (o *Orchestrator) SetDebugFlags(f accel.DebugFlags) { o.debugFlags.Store(uint32(f)) }

// DebugFlags returns the current debug selection.
func (o *Orchestrator) DebugFlags() accel.DebugFlags { return accel.DebugFlags(o.debugFlags.Load()) }

// DebugView returns the shareable debug output buffer.
func (o *Orchestrator) DebugView() xdev.Resource { return o.debugView.Get() }

// Limits returns the sizes the set was created with.
func (o *Orchestrator) Limits() Limits { return o.limits }

// Frames returns the number of completed frames.
func (o *Orchestrator) Frames() uint64 { return o.frames.Load() }

// LastScratch returns the scratch requirement of the last Bake.
func (o *Orchestrator) LastScratch() uint64 { return o.lastBake.Load() }

func barriers(rs []xdev.Resource, before, after xdev.ResourceState) []xdev.Barrier {
	bs := make([]xdev.Barrier, len(rs))
	for i, r := range rs {
		bs[i] = xdev.Barrier{Resource: r, Before: before, After: after}
	}
	return bs
}

// Frame runs one frame: wait for the primary, reconcile instances, make the
// cascade resources writable, Bake, check the scratch budget, Update,
// record the debug view, make the resources readable again, submit and
// signal the primary. Any error is fatal for the subsystem.
func (o *Orchestrator) Frame(camera [3]float32) (FrameStats, error) {
	if o.closed.Load() {
		return FrameStats{}, ErrClosed
	}
	var st FrameStats
	var err error

	if st.SignalA, err = o.sync.BeginSecondary(); err != nil {
		return st, err
	}
	if st.Instances, err = o.scene.Reconcile(); err != nil {
		return st, err
	}

	rs := o.resources()
	toWrite := barriers(rs, xdev.StateShaderRead, xdev.StateUnorderedAccess)
	toRead := barriers(rs, xdev.StateUnorderedAccess, xdev.StateShaderRead)

	cl := o.dev.CommandList()
	cl.Transition(toWrite...)

	frame := o.frames.Load() + 1
	flags := o.DebugFlags()
	desc := accel.UpdateDesc{
		FrameIndex:     frame,
		Center:         camera,
		DebugFlags:     flags,
		MaxReferences:  o.limits.MaxReferences,
		MaxTriangles:   o.limits.MaxTriangles,
		OutScratchSize: &st.Scratch,
		Atlas:          o.atlas.Get(),
		BrickAABBs:     o.aabbs.Get(),
		Scratch:        o.scratch.Get(),
		CommandList:    cl,
	}
	for _, c := range o.cascades {
		desc.Cascades = append(desc.Cascades, accel.CascadeBinding{Tree: c.tree.Get(), BrickMap: c.brickMap.Get()})
	}
	if flags != 0 {
		desc.DebugView = o.debugView.Get()
	}

	if err := o.lib.Bake(&desc).Err("Bake"); err != nil {
		return st, o.abort(toRead, fmt.Errorf("%w: %w", ErrLibrary, err))
	}
	o.lastBake.Store(st.Scratch)
	if st.Scratch > o.limits.ScratchBytes {
		return st, o.abort(toRead, fmt.Errorf("%w: need %d, have %d", ErrScratchOverflow, st.Scratch, o.limits.ScratchBytes))
	}
	if err := o.lib.Update(&desc).Err("Update"); err != nil {
		return st, o.abort(toRead, fmt.Errorf("%w: %w", ErrLibrary, err))
	}
	if flags != 0 && o.debug != nil {
		err := o.debug.RecordDebug(cl, o.debugView.Get(), o.limits.DebugWidth, o.limits.DebugHeight,
			uint32(st.Instances.Active), uint32(flags))
		if err != nil {
			return st, o.abort(toRead, fmt.Errorf("cascade: debug view: %w", err))
		}
	}

	cl.Transition(toRead...)
	if err := o.dev.Flush(); err != nil {
		return st, fmt.Errorf("cascade: submit frame %d: %w", frame, err)
	}
	if st.SignalB, err = o.sync.EndSecondary(); err != nil {
		return st, err
	}
	o.frames.Store(frame)
	st.Frame = frame

	logx.L().Debug("cascade: frame",
		"frame", frame, "scratch", st.Scratch, "instances", st.Instances.Active,
		"created", st.Instances.Created, "deleted", st.Instances.Deleted)
	return st, nil
}

// abort restores the read state, submits what was recorded and returns
// cause.
func (o *Orchestrator) abort(toRead []xdev.Barrier, cause error) error {
	o.dev.CommandList().Transition(toRead...)
	if err := o.dev.Flush(); err != nil {
		logx.L().Error("cascade: flush after failed frame", "error", err)
	}
	logx.Critical("cascade: frame aborted", "error", cause)
	return cause
}

// Close releases the resource set. It is idempotent.
func (o *Orchestrator) Close() {
	if o.closed.Swap(true) {
		return
	}
	o.release()
}
