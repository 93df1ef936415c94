package voxgi

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/internal/bridge"
	"github.com/gogpu/voxgi/internal/bufreg"
	"github.com/gogpu/voxgi/internal/capture"
	"github.com/gogpu/voxgi/internal/cascade"
	"github.com/gogpu/voxgi/internal/fencesync"
	"github.com/gogpu/voxgi/internal/instances"
	"github.com/gogpu/voxgi/internal/layout"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/scene"
	"github.com/gogpu/voxgi/xdev"
)

// Options wire a System to the host.
type Options struct {
	Config    Config
	Primary   xdev.PrimaryDevice
	Secondary xdev.SecondaryDevice
	Library   accel.Library

	// Releases reports final releases of primary resources. When nil the
	// host calls OnBufferReleased itself.
	Releases xdev.ReleaseNotifier

	// Debug records the debug visualization. Optional.
	Debug cascade.DebugRecorder
}

// FrameStats describe one completed frame.
type FrameStats = cascade.FrameStats

// Stats is a snapshot of the subsystem's counters.
type Stats struct {
	Buffers         int
	BufferImports   uint64
	Layouts         int
	LayoutsIgnored  uint64
	LayoutsRejected uint64

	SharedToSecondary int
	SharedToPrimary   int

	Instances instances.Stats

	Frames        uint64
	SignalA       uint64
	SignalB       uint64
	LastScratch   uint64
	ScratchBudget uint64

	Disabled bool
}

// System is the composition root. Hooks are safe for concurrent use;
// Frame, Capture and Close must be called from the frame loop.
type System struct {
	cfg       Config
	primary   xdev.PrimaryDevice
	secondary xdev.SecondaryDevice
	lib       accel.Library

	buffers  *bufreg.Registry
	layouts  *layout.Registry
	bridge   *bridge.Bridge
	fences   *fencesync.Pair
	scene    *instances.Manager
	cascades *cascade.Orchestrator

	debugView xdev.View[xdev.Resource]
	tunables  atomic.Pointer[Tunables]

	fatal  atomic.Pointer[error]
	closed atomic.Bool
}

// New builds the subsystem: shared fences, registries, the instance
// manager and the cascade resource set. Any failure is an initialization
// error and nothing is retried.
func New(opts Options) (*System, error) {
	if opts.Primary == nil || opts.Secondary == nil || opts.Library == nil {
		return nil, ErrMissingDevice
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ic, _ := cfg.Tunables.instances()
	flags, _ := cfg.Tunables.debugFlags()

	s := &System{
		cfg:       cfg,
		primary:   opts.Primary,
		secondary: opts.Secondary,
		lib:       opts.Library,
		buffers:   bufreg.New(opts.Secondary, opts.Library, opts.Releases),
		layouts:   layout.New(),
		bridge:    bridge.New(opts.Primary, opts.Secondary, opts.Releases),
	}
	s.tunables.Store(&cfg.Tunables)

	var err error
	if s.fences, err = fencesync.New(opts.Primary, opts.Secondary); err != nil {
		return nil, s.initFailed("shared fences", err)
	}
	s.scene = instances.New(opts.Library, s.buffers, s.layouts, ic)
	if s.cascades, err = cascade.New(opts.Secondary, opts.Library, s.fences, s.scene, cfg.Limits()); err != nil {
		return nil, s.initFailed("cascade resources", err)
	}
	if opts.Debug != nil {
		s.cascades.SetDebugRecorder(opts.Debug)
	}
	s.cascades.SetDebugFlags(flags)

	if s.debugView, err = s.bridge.ShareToPrimary(s.cascades.DebugView()); err != nil {
		s.cascades.Close()
		return nil, s.initFailed("debug view", err)
	}

	logx.L().Info("voxgi: started",
		"primary", opts.Primary.Name(), "secondary", opts.Secondary.Name(),
		"cascades", cfg.Cascades, "scratch", cfg.ScratchBytes)
	return s, nil
}

func (s *System) initFailed(step string, err error) error {
	s.bridge.Close()
	s.buffers.Close()
	logx.Critical("voxgi: initialization failed", "step", step, "error", err)
	return fmt.Errorf("voxgi: %s: %w", step, err)
}

// fail latches the first fatal error and disables the subsystem.
func (s *System) fail(op string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
	if s.fatal.CompareAndSwap(nil, &wrapped) {
		logx.Critical("voxgi: disabled", "op", op, "error", err)
	}
	return *s.fatal.Load()
}

// Disabled reports whether a fatal error or Close stopped the subsystem.
func (s *System) Disabled() bool { return s.fatal.Load() != nil || s.closed.Load() }

// Err returns the fatal error, if any.
func (s *System) Err() error {
	if p := s.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Config returns the configuration the System was created with, with the
// latest applied tunables.
func (s *System) Config() Config {
	c := s.cfg
	c.Tunables = *s.tunables.Load()
	return c
}

// OnBufferCreated forwards a primary buffer creation. Buffers without a
// vertex or index bind flag are ignored.
func (s *System) OnBufferCreated(desc xdev.ResourceDesc, initial []byte, id xdev.ResourceID) error {
	if s.Disabled() {
		return nil
	}
	if _, _, err := s.buffers.Observe(desc, initial, id); err != nil {
		return s.fail("register buffer", err)
	}
	return nil
}

// OnBufferReleased forwards the final release of a primary resource. Not
// needed when Options.Releases is set.
func (s *System) OnBufferReleased(id xdev.ResourceID) {
	if s.closed.Load() {
		return
	}
	s.buffers.Unregister(id)
	s.bridge.Release(id)
}

// OnInputLayoutCreated forwards an input layout creation. Layouts without
// a position attribute are ignored; layouts with an unsupported position
// format are rejected with an error that does not disable the subsystem.
func (s *System) OnInputLayoutCreated(id xdev.ResourceID, elems []xdev.InputElement) error {
	if s.Disabled() {
		return nil
	}
	_, _, err := s.layouts.Register(id, elems)
	return err
}

// BindVertexDescriptor maps a compact vertex-descriptor key to a layout.
func (s *System) BindVertexDescriptor(key uint64, layoutID xdev.ResourceID) {
	if s.Disabled() {
		return
	}
	s.layouts.BindDescriptor(key, layoutID)
}

// OnGeometryVisible is the traversal feed: call it for every visible
// object each frame before Frame.
func (s *System) OnGeometryVisible(g scene.Geometry) {
	if s.Disabled() {
		return
	}
	s.scene.Observe(g)
}

// OnWorldUpdate forwards a world-transform change of an object.
func (s *System) OnWorldUpdate(id scene.ObjectID, before, after scene.Transform) error {
	if s.Disabled() {
		return nil
	}
	if _, err := s.scene.WorldUpdate(id, before, after); err != nil {
		return s.fail("world update", err)
	}
	return nil
}

// OnObjectDestroyed removes an object the host destroyed.
func (s *System) OnObjectDestroyed(id scene.ObjectID) error {
	if s.Disabled() {
		return nil
	}
	if err := s.scene.Forget(id); err != nil {
		return s.fail("destroy object", err)
	}
	return nil
}

// Frame runs the secondary frame: wait for the primary, reconcile the
// instance set, Bake and Update, then signal the primary. camera is the
// cascade center. After a fatal error Frame returns a zero FrameStats and
// a nil error.
func (s *System) Frame(ctx context.Context, camera [3]float32) (FrameStats, error) {
	if s.Disabled() {
		return FrameStats{}, nil
	}
	if err := ctx.Err(); err != nil {
		return FrameStats{}, err
	}
	st, err := s.cascades.Frame(camera)
	if err != nil {
		return st, s.fail("frame", err)
	}
	return st, nil
}

// ShareTexture shares a primary resource with the secondary device. A
// resource created without the shared NT-handle flag yields a zero view
// and a nil error.
func (s *System) ShareTexture(res xdev.Resource) (xdev.View[xdev.Resource], error) {
	if s.Disabled() {
		return xdev.View[xdev.Resource]{}, nil
	}
	return s.bridge.ShareToSecondary(res)
}

// ShareOutput shares a secondary resource back to the primary device,
// read-write.
func (s *System) ShareOutput(res xdev.Resource) (xdev.View[xdev.Resource], error) {
	if s.Disabled() {
		return xdev.View[xdev.Resource]{}, nil
	}
	return s.bridge.ShareToPrimary(res)
}

// DebugView returns the primary device's view of the debug visualization.
func (s *System) DebugView() xdev.View[xdev.Resource] { return s.debugView }

// DebugSize returns the debug visualization dimensions.
func (s *System) DebugSize() (width, height uint32) { return s.cfg.DebugWidth, s.cfg.DebugHeight }

// Capture reads the debug visualization back after the last frame and
// writes it to path as TIFF.
func (s *System) Capture(path string) error {
	if s.closed.Load() {
		return errors.New("voxgi: capture after close")
	}
	return capture.WriteFile(path, s.secondary, s.cascades.DebugView(), int(s.cfg.DebugWidth), int(s.cfg.DebugHeight))
}

// ApplyTunables replaces the runtime tunables.
func (s *System) ApplyTunables(t Tunables) error {
	ic, err := t.instances()
	if err != nil {
		return err
	}
	flags, err := t.debugFlags()
	if err != nil {
		return err
	}
	s.scene.SetConfig(ic)
	s.cascades.SetDebugFlags(flags)
	s.tunables.Store(&t)
	logx.L().Info("voxgi: tunables applied",
		"dirty_threshold", ic.DirtyThreshold, "required", ic.Eligibility.Required,
		"excluded", ic.Eligibility.Excluded, "debug", flags)
	return nil
}

// Reload applies the tunables of a reloaded config. Changes to other
// fields need a restart and are logged.
func (s *System) Reload(cfg Config) error {
	if !sameFrozen(cfg, s.cfg) {
		logx.L().Warn("voxgi: reload ignores process-lifetime settings")
	}
	return s.ApplyTunables(cfg.Tunables)
}

func sameFrozen(a, b Config) bool {
	return a.Limits() == b.Limits() && a.FenceTimeout == b.FenceTimeout
}

// Stats returns a snapshot of the counters.
func (s *System) Stats() Stats {
	toSec, toPrim := s.bridge.Len()
	a, b := s.fences.Values()
	return Stats{
		Buffers:           s.buffers.Len(),
		BufferImports:     s.buffers.Imports(),
		Layouts:           s.layouts.Len(),
		LayoutsIgnored:    s.layouts.Ignored(),
		LayoutsRejected:   s.layouts.Rejected(),
		SharedToSecondary: toSec,
		SharedToPrimary:   toPrim,
		Instances:         s.scene.Stats(),
		Frames:            s.cascades.Frames(),
		SignalA:           a,
		SignalB:           b,
		LastScratch:       s.cascades.LastScratch(),
		ScratchBudget:     s.cfg.ScratchBytes,
		Disabled:          s.Disabled(),
	}
}

// Close tears the subsystem down. It waits for the secondary's last
// signalled frame, bounded by ctx and the fence timeout, deletes every
// instance and releases imports before their owners.
func (s *System) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if !s.fences.Broken() {
		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.FenceTimeout))
		if err := s.fences.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("voxgi: drain: %w", err))
		}
		cancel()
	}
	if err := s.scene.Clear(); err != nil {
		errs = append(errs, err)
	}
	s.bridge.Close()
	s.buffers.Close()
	s.cascades.Close()
	logx.L().Info("voxgi: closed", "frames", s.cascades.Frames())
	return errors.Join(errs...)
}
