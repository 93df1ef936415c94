package instances

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/accel/reference"
	"github.com/gogpu/voxgi/internal/bufreg"
	"github.com/gogpu/voxgi/internal/halgpu"
	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/layout"
	"github.com/gogpu/voxgi/scene"
	"github.com/gogpu/voxgi/xdev"
)

const descriptorKey = 7

type rig struct {
	lib     *reference.Library
	buffers *bufreg.Registry
	layouts *layout.Registry
	mgr     *Manager
	vb, ib  xdev.ResourceID
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dev, err := halgpu.Open(halgpu.Options{Backend: halgpu.BackendNoop, Handles: handles.NewTable(), FenceTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	r := &rig{
		lib:     reference.New(),
		layouts: layout.New(),
		vb:      xdev.NextResourceID(),
		ib:      xdev.NextResourceID(),
	}
	r.buffers = bufreg.New(dev, r.lib, nil)
	if _, err := r.buffers.RegisterVertexBuffer(xdev.ResourceDesc{Kind: xdev.KindBuffer, ByteWidth: 288, Bind: xdev.BindVertexBuffer}, nil, r.vb); err != nil {
		t.Fatal(err)
	}
	if _, err := r.buffers.RegisterIndexBuffer(xdev.ResourceDesc{Kind: xdev.KindBuffer, ByteWidth: 72, Bind: xdev.BindIndexBuffer}, nil, r.ib); err != nil {
		t.Fatal(err)
	}
	lid := xdev.NextResourceID()
	if _, ok, err := r.layouts.Register(lid, []xdev.InputElement{
		{Semantic: "POSITION", Format: xdev.FormatR32G32B32Float},
		{Semantic: "NORMAL", Format: xdev.FormatR32G32B32Float},
	}); err != nil || !ok {
		t.Fatalf("Register layout = %v, %v", ok, err)
	}
	r.layouts.BindDescriptor(descriptorKey, lid)
	r.mgr = New(r.lib, r.buffers, r.layouts, DefaultConfig())
	return r
}

func (r *rig) geometry(id scene.ObjectID) scene.Geometry {
	return scene.Geometry{
		ID:               id,
		World:            scene.Identity(),
		BoundRadius:      1,
		Material:         scene.MaterialDepthTest | scene.MaterialDepthWrite,
		VertexBuffer:     r.vb,
		IndexBuffer:      r.ib,
		VertexDescriptor: descriptorKey,
		IndexFormat:      xdev.FormatR16Uint,
		TriangleCount:    12,
		VertexCount:      12,
	}
}

func (r *rig) pass(t *testing.T, ids ...scene.ObjectID) Report {
	t.Helper()
	for _, id := range ids {
		if s := r.mgr.Observe(r.geometry(id)); s != SkipNone {
			t.Fatalf("Observe(%d) skipped: %v", id, s)
		}
	}
	rep, err := r.mgr.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	return rep
}

func TestEpochFlip(t *testing.T) {
	if EpochNever.Flip() != EpochEven || EpochEven.Flip() != EpochOdd || EpochOdd.Flip() != EpochEven {
		t.Error("unexpected flip sequence")
	}
}

func TestObserveQueuesThenReconcileCreates(t *testing.T) {
	r := newRig(t)
	r.mgr.Observe(r.geometry(1))
	r.mgr.Observe(r.geometry(2))
	if s := r.mgr.Stats(); s.Queued != 2 || s.Active != 0 {
		t.Fatalf("before reconcile: %+v", s)
	}
	if len(r.lib.Instances()) != 0 {
		t.Fatal("Observe created instances")
	}
	rep, err := r.mgr.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Created != 2 || rep.Active != 2 {
		t.Errorf("report = %+v", rep)
	}
	if r.lib.Calls(reference.OpCreateInstances) != 1 {
		t.Errorf("creates issued in %d calls, want one batch", r.lib.Calls(reference.OpCreateInstances))
	}
	if len(r.lib.Instances()) != 2 {
		t.Errorf("library holds %d instances", len(r.lib.Instances()))
	}
}

func TestInstanceDescriptor(t *testing.T) {
	r := newRig(t)
	g := r.geometry(1)
	g.World = scene.Translation(10, 0, 0)
	g.BoundCenter = [3]float32{0, 1, 0}
	r.mgr.Observe(g)
	if _, err := r.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	id, ok := r.mgr.Instance(1)
	if !ok {
		t.Fatal("object not active")
	}
	d, ok := r.lib.Instance(id)
	if !ok {
		t.Fatal("library has no such instance")
	}
	if d.BoundsMin != [3]float32{9, 0, -1} || d.BoundsMax != [3]float32{11, 2, 1} {
		t.Errorf("bounds = %v..%v", d.BoundsMin, d.BoundsMax)
	}
	if d.VertexStride != 24 || d.PositionOffset != 0 || d.PositionFormat != xdev.FormatR32G32B32Float {
		t.Errorf("layout fields = %d %d %v", d.VertexStride, d.PositionOffset, d.PositionFormat)
	}
	if d.VertexBuffer == d.IndexBuffer {
		t.Error("vertex and index buffers share a handle")
	}
}

func TestUnseenObjectsAreEvicted(t *testing.T) {
	r := newRig(t)
	r.pass(t, 1, 2, 3)
	rep := r.pass(t, 1, 3)
	if rep.Deleted != 1 || rep.Created != 0 || rep.Active != 2 {
		t.Errorf("report = %+v", rep)
	}
	if _, ok := r.mgr.Instance(2); ok {
		t.Error("unseen object still active")
	}
	rep = r.pass(t)
	if rep.Deleted != 2 || len(r.lib.Instances()) != 0 {
		t.Errorf("empty pass left %d instances", len(r.lib.Instances()))
	}
}

func TestSteadyStateIssuesNoCalls(t *testing.T) {
	r := newRig(t)
	r.pass(t, 1, 2)
	r.lib.ResetEvents()
	for range 5 {
		r.pass(t, 1, 2)
	}
	if ev := r.lib.Events(); len(ev) != 0 {
		t.Errorf("steady state issued %d events", len(ev))
	}
}

func TestEligibility(t *testing.T) {
	r := newRig(t)
	cases := []struct {
		name string
		edit func(*scene.Geometry)
		want Skip
	}{
		{"zero radius", func(g *scene.Geometry) { g.BoundRadius = 0 }, SkipZeroRadius},
		{"no triangles", func(g *scene.Geometry) { g.TriangleCount = 0 }, SkipEmpty},
		{"no vertices", func(g *scene.Geometry) { g.VertexCount = 0 }, SkipEmpty},
		{"alpha blend", func(g *scene.Geometry) { g.Material |= scene.MaterialAlphaBlend }, SkipMaterial},
		{"no depth write", func(g *scene.Geometry) { g.Material = scene.MaterialDepthTest }, SkipMaterial},
		{"skinned", func(g *scene.Geometry) { g.Material |= scene.MaterialSkinned }, SkipMaterial},
		{"unregistered vb", func(g *scene.Geometry) { g.VertexBuffer = xdev.NextResourceID() }, SkipBuffers},
		{"unknown descriptor", func(g *scene.Geometry) { g.VertexDescriptor = 99 }, SkipLayout},
		{"float index", func(g *scene.Geometry) { g.IndexFormat = xdev.FormatR32Float }, SkipIndexFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := r.geometry(42)
			tc.edit(&g)
			if got := r.mgr.Observe(g); got != tc.want {
				t.Errorf("Observe = %v, want %v", got, tc.want)
			}
		})
	}
	if s := r.mgr.Stats(); s.Queued != 0 || s.Skipped[SkipMaterial] != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSetConfigChangesEligibility(t *testing.T) {
	r := newRig(t)
	g := r.geometry(1)
	g.Material |= scene.MaterialAlphaTest
	if r.mgr.Observe(g) != SkipMaterial {
		t.Fatal("alpha-tested object accepted by default")
	}
	cfg := DefaultConfig()
	cfg.Eligibility.Excluded &^= scene.MaterialAlphaTest
	r.mgr.SetConfig(cfg)
	if s := r.mgr.Observe(g); s != SkipNone {
		t.Errorf("Observe after relaxing = %v", s)
	}
}

func TestWorldUpdateBelowThresholdKeepsInstance(t *testing.T) {
	r := newRig(t)
	r.pass(t, 1)
	deleted, err := r.mgr.WorldUpdate(1, scene.Identity(), scene.Translation(0.005, 0, 0))
	if err != nil || deleted {
		t.Errorf("WorldUpdate = %v, %v", deleted, err)
	}
	if _, ok := r.mgr.Instance(1); !ok {
		t.Error("instance deleted by small move")
	}
}

func TestDirtyDeleteAndReinsert(t *testing.T) {
	r := newRig(t)
	r.pass(t, 1)
	old, _ := r.mgr.Instance(1)

	deleted, err := r.mgr.WorldUpdate(1, scene.Identity(), scene.Translation(5, 0, 0))
	if err != nil || !deleted {
		t.Fatalf("WorldUpdate = %v, %v", deleted, err)
	}
	if len(r.lib.Instances()) != 0 {
		t.Fatal("instance not deleted immediately")
	}

	g := r.geometry(1)
	g.World = scene.Translation(5, 0, 0)
	r.mgr.Observe(g)
	if _, err := r.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	fresh, ok := r.mgr.Instance(1)
	if !ok || fresh == old {
		t.Fatalf("re-inserted id = %d (old %d)", fresh, old)
	}

	var ops []reference.Op
	for _, ev := range r.lib.Events() {
		if ev.Op != reference.OpRegisterBuffers {
			ops = append(ops, ev.Op)
		}
	}
	want := []reference.Op{reference.OpCreateInstances, reference.OpDeleteInstances, reference.OpCreateInstances}
	if !slices.Equal(ops, want) {
		t.Errorf("ops = %v, want %v", ops, want)
	}
	if s := r.mgr.Stats(); s.DirtyDeletes != 1 {
		t.Errorf("DirtyDeletes = %d", s.DirtyDeletes)
	}
}

func TestWorldUpdateOfQueuedObject(t *testing.T) {
	r := newRig(t)
	r.mgr.Observe(r.geometry(1))
	deleted, err := r.mgr.WorldUpdate(1, scene.Identity(), scene.Translation(3, 0, 0))
	if err != nil || deleted {
		t.Fatalf("WorldUpdate = %v, %v", deleted, err)
	}
	if _, err := r.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	id, _ := r.mgr.Instance(1)
	d, _ := r.lib.Instance(id)
	if d.BoundsMin[0] != 2 {
		t.Errorf("created with stale transform, min x = %v", d.BoundsMin[0])
	}
}

func TestForget(t *testing.T) {
	r := newRig(t)
	r.pass(t, 1, 2)
	if err := r.mgr.Forget(1); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.mgr.Instance(1); ok || len(r.lib.Instances()) != 1 {
		t.Errorf("Forget left %d instances", len(r.lib.Instances()))
	}
	if err := r.mgr.Forget(1); err != nil {
		t.Errorf("second Forget = %v", err)
	}
}

func TestLibraryFailureIsReported(t *testing.T) {
	r := newRig(t)
	r.lib.FailNext(reference.OpCreateInstances, accel.OutOfMemory)
	r.mgr.Observe(r.geometry(1))
	_, err := r.mgr.Reconcile()
	if !errors.Is(err, ErrLibrary) || !errors.Is(err, accel.ErrLibrary) {
		t.Fatalf("Reconcile = %v", err)
	}
	if s := r.mgr.Stats(); s.Active != 0 || s.Queued != 0 {
		t.Errorf("failed batch left state: %+v", s)
	}

	r.pass(t, 1)
	r.lib.FailNext(reference.OpDeleteInstances, accel.Internal)
	if _, err := r.mgr.WorldUpdate(1, scene.Identity(), scene.Translation(9, 9, 9)); !errors.Is(err, ErrLibrary) {
		t.Errorf("WorldUpdate = %v", err)
	}
}

func TestClear(t *testing.T) {
	r := newRig(t)
	r.pass(t, 1, 2, 3)
	if err := r.mgr.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(r.lib.Instances()) != 0 || r.mgr.Stats().Active != 0 {
		t.Error("Clear left instances")
	}
}

func TestEmptyMeshDoesNotSpoilBatch(t *testing.T) {
	r := newRig(t)
	empty := r.geometry(2)
	empty.TriangleCount = 0
	if s := r.mgr.Observe(empty); s != SkipEmpty {
		t.Fatalf("Observe(empty) = %v, want %v", s, SkipEmpty)
	}
	rep := r.pass(t, 1, 3)
	if rep.Created != 2 || rep.Active != 2 {
		t.Errorf("report = %+v", rep)
	}
	if _, ok := r.mgr.Instance(2); ok {
		t.Error("empty mesh got an instance")
	}
	if s := r.mgr.Stats(); s.Skipped[SkipEmpty] != 1 {
		t.Errorf("skipped = %v", s.Skipped)
	}
}

func TestReleasedBufferIsDropped(t *testing.T) {
	r := newRig(t)
	r.mgr.Observe(r.geometry(1))
	r.buffers.Unregister(r.ib)
	rep, err := r.mgr.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile = %v", err)
	}
	if rep.Created != 0 || rep.Dropped != 1 || rep.Active != 0 {
		t.Errorf("report = %+v", rep)
	}
	if r.lib.Calls(reference.OpCreateInstances) != 0 {
		t.Error("dropped object reached the library")
	}
}

// releasingBuffers unregisters a buffer between lookup and handle
// assignment, the way a host release on another thread can.
type releasingBuffers struct {
	*bufreg.Registry
	release xdev.ResourceID
}

func (b releasingBuffers) GetOrAssignHandle(e *bufreg.Entry) (accel.BufferHandle, error) {
	b.Unregister(b.release)
	return b.Registry.GetOrAssignHandle(e)
}

func TestReleaseDuringHandleAssignment(t *testing.T) {
	r := newRig(t)
	mgr := New(r.lib, releasingBuffers{Registry: r.buffers, release: r.vb}, r.layouts, DefaultConfig())
	mgr.Observe(r.geometry(1))
	rep, err := mgr.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile = %v", err)
	}
	if rep.Dropped != 1 || rep.Created != 0 {
		t.Errorf("report = %+v", rep)
	}
	if s := mgr.Stats(); s.Active != 0 || s.Queued != 0 {
		t.Errorf("stats = %+v", s)
	}
}

// reentrantBuffers reads manager stats while a handle is being assigned,
// which deadlocks if the instance mutex is held at that point.
type reentrantBuffers struct {
	*bufreg.Registry
	mgr   **Manager
	calls *int
}

func (b reentrantBuffers) GetOrAssignHandle(e *bufreg.Entry) (accel.BufferHandle, error) {
	(*b.mgr).Stats()
	*b.calls++
	return b.Registry.GetOrAssignHandle(e)
}

func TestHandlesResolvedOutsideInstanceLock(t *testing.T) {
	r := newRig(t)
	var (
		mgr   *Manager
		calls int
	)
	mgr = New(r.lib, reentrantBuffers{Registry: r.buffers, mgr: &mgr, calls: &calls}, r.layouts, DefaultConfig())
	mgr.Observe(r.geometry(1))

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Reconcile()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reconcile held the instance lock while assigning handles")
	}
	if calls != 2 {
		t.Errorf("handle assignments = %d, want 2", calls)
	}
	if _, ok := mgr.Instance(1); !ok {
		t.Error("object not active")
	}
}
