package voxgi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/accel/reference"
	"github.com/gogpu/voxgi/internal/halgpu"
	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/loopback"
	"github.com/gogpu/voxgi/scene"
	"github.com/gogpu/voxgi/xdev"
)

type harness struct {
	prim *loopback.Device
	sec  *halgpu.Device
	lib  *reference.Library
	sys  *System
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cascades = 2
	cfg.ScratchBytes = 1 << 20
	cfg.TreeBytes = 4096
	cfg.BrickMapBytes = 4096
	cfg.AtlasBytes = 4096
	cfg.BrickAABBBytes = 4096
	cfg.DebugWidth, cfg.DebugHeight = 16, 16
	cfg.FenceTimeout = Duration(100 * time.Millisecond)
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	tbl := handles.NewTable()
	sec, err := halgpu.Open(halgpu.Options{Backend: halgpu.BackendNoop, Handles: tbl, FenceTimeout: time.Duration(cfg.FenceTimeout)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sec.Close() })
	h := &harness{
		prim: loopback.New(loopback.Options{Handles: tbl, HalDevice: sec.HalDevice(), HalQueue: sec.HalQueue(), FenceTimeout: time.Duration(cfg.FenceTimeout)}),
		sec:  sec,
		lib:  reference.New(),
	}
	pass, err := halgpu.NewDebugPass(sec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pass.Close)

	h.sys, err = New(Options{Config: cfg, Primary: h.prim, Secondary: sec, Library: h.lib, Releases: h.prim, Debug: pass})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.sys.Close(context.Background()) })
	return h
}

// mesh creates a shared vertex/index buffer pair and a matching layout.
func (h *harness) mesh(t *testing.T, key uint64) (vb, ib *loopback.Resource) {
	t.Helper()
	var err error
	vbDesc := xdev.ResourceDesc{Label: "mesh_vb", ByteWidth: 24 * 8, Bind: xdev.BindVertexBuffer}
	if vb, err = h.prim.CreateBuffer(vbDesc, make([]byte, 24*8)); err != nil {
		t.Fatal(err)
	}
	ibDesc := xdev.ResourceDesc{Label: "mesh_ib", ByteWidth: 2 * 36, Bind: xdev.BindIndexBuffer}
	if ib, err = h.prim.CreateBuffer(ibDesc, make([]byte, 2*36)); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*loopback.Resource{vb, ib} {
		if err := h.sys.OnBufferCreated(r.Desc(), r.Data(), r.ID()); err != nil {
			t.Fatal(err)
		}
	}
	lid := xdev.NextResourceID()
	if err := h.sys.OnInputLayoutCreated(lid, []xdev.InputElement{
		{Semantic: "POSITION", Format: xdev.FormatR32G32B32Float},
		{Semantic: "NORMAL", Format: xdev.FormatR32G32B32Float, AlignedByteOffset: 12},
	}); err != nil {
		t.Fatal(err)
	}
	h.sys.BindVertexDescriptor(key, lid)
	return vb, ib
}

func object(id scene.ObjectID, vb, ib xdev.ResourceID, key uint64, x float32) scene.Geometry {
	return scene.Geometry{
		ID:               id,
		World:            scene.Translation(x, 0, 0),
		BoundRadius:      1,
		Material:         scene.MaterialDepthTest | scene.MaterialDepthWrite,
		VertexBuffer:     vb,
		IndexBuffer:      ib,
		VertexDescriptor: key,
		IndexFormat:      xdev.FormatR16Uint,
		TriangleCount:    12,
		VertexCount:      8,
	}
}

func TestNewRequiresDevices(t *testing.T) {
	if _, err := New(Options{Config: DefaultConfig()}); !errors.Is(err, ErrMissingDevice) {
		t.Errorf("New = %v", err)
	}
}

func TestThreeObjectScenario(t *testing.T) {
	h := newHarness(t, testConfig())
	vb, ib := h.mesh(t, 1)
	ctx := context.Background()

	// A second creation event for the same buffer identity is deduplicated.
	if err := h.sys.OnBufferCreated(vb.Desc(), vb.Data(), vb.ID()); err != nil {
		t.Fatal(err)
	}

	for id := scene.ObjectID(1); id <= 3; id++ {
		h.sys.OnGeometryVisible(object(id, vb.ID(), ib.ID(), 1, float32(id)*4))
	}
	st, err := h.sys.Frame(ctx, [3]float32{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Instances.Created != 3 || len(h.lib.Instances()) != 3 {
		t.Errorf("created %d, library holds %d", st.Instances.Created, len(h.lib.Instances()))
	}
	if h.lib.BufferCount() != 2 {
		t.Errorf("library imported %d buffers, want 2", h.lib.BufferCount())
	}
	if st.Scratch == 0 || st.Scratch > testConfig().ScratchBytes {
		t.Errorf("scratch %d outside (0, %d]", st.Scratch, testConfig().ScratchBytes)
	}

	// Object 2 is hidden.
	h.sys.OnGeometryVisible(object(1, vb.ID(), ib.ID(), 1, 4))
	h.sys.OnGeometryVisible(object(3, vb.ID(), ib.ID(), 1, 12))
	h.lib.ResetEvents()
	st, err = h.sys.Frame(ctx, [3]float32{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Instances.Deleted != 1 || st.Instances.Created != 0 || len(h.lib.Instances()) != 2 {
		t.Errorf("report %+v, library holds %d", st.Instances, len(h.lib.Instances()))
	}
	if n := h.lib.Calls(reference.OpDeleteInstances); n != 1 {
		t.Errorf("%d delete calls", n)
	}

	s := h.sys.Stats()
	if s.Frames != 2 || s.SignalA != 2 || s.SignalB != 2 || s.Instances.Active != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWorldUpdateReinserts(t *testing.T) {
	h := newHarness(t, testConfig())
	vb, ib := h.mesh(t, 1)
	ctx := context.Background()

	g := object(1, vb.ID(), ib.ID(), 1, 0)
	h.sys.OnGeometryVisible(g)
	if _, err := h.sys.Frame(ctx, [3]float32{}); err != nil {
		t.Fatal(err)
	}
	before := g.World
	g.World = scene.Translation(3, 0, 0)
	if err := h.sys.OnWorldUpdate(1, before, g.World); err != nil {
		t.Fatal(err)
	}
	if len(h.lib.Instances()) != 0 {
		t.Fatal("moved instance not deleted")
	}
	h.sys.OnGeometryVisible(g)
	st, err := h.sys.Frame(ctx, [3]float32{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Instances.Created != 1 || len(h.lib.Instances()) != 1 {
		t.Errorf("re-insert report %+v", st.Instances)
	}
}

func TestBufferReleaseUnregisters(t *testing.T) {
	h := newHarness(t, testConfig())
	vb, _ := h.mesh(t, 1)
	if h.sys.Stats().Buffers != 2 {
		t.Fatalf("Buffers = %d", h.sys.Stats().Buffers)
	}
	vb.Release()
	if h.sys.Stats().Buffers != 1 {
		t.Errorf("Buffers after release = %d", h.sys.Stats().Buffers)
	}
}

func TestRejectedLayoutIsNotFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.sys.OnInputLayoutCreated(xdev.NextResourceID(), []xdev.InputElement{
		{Semantic: "POSITION", Format: xdev.FormatR32G32Float},
	})
	if err == nil {
		t.Fatal("two-component position accepted")
	}
	if h.sys.Disabled() {
		t.Error("rejected layout disabled the subsystem")
	}
	if err := h.sys.OnInputLayoutCreated(xdev.NextResourceID(), []xdev.InputElement{
		{Semantic: "TEXCOORD", Format: xdev.FormatR32G32Float},
	}); err != nil {
		t.Errorf("layout without position: %v", err)
	}
	if s := h.sys.Stats(); s.LayoutsRejected != 1 || s.LayoutsIgnored != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFatalErrorDisables(t *testing.T) {
	h := newHarness(t, testConfig())
	vb, ib := h.mesh(t, 1)
	h.sys.OnGeometryVisible(object(1, vb.ID(), ib.ID(), 1, 0))
	h.lib.FailNext(reference.OpBake, accel.Internal)

	_, err := h.sys.Frame(context.Background(), [3]float32{})
	if !errors.Is(err, ErrFatal) || !errors.Is(err, accel.ErrLibrary) {
		t.Fatalf("Frame = %v", err)
	}
	if !h.sys.Disabled() || !errors.Is(h.sys.Err(), ErrFatal) {
		t.Fatal("fatal error not latched")
	}

	updates := h.lib.Updates()
	h.sys.OnGeometryVisible(object(2, vb.ID(), ib.ID(), 1, 0))
	if st, err := h.sys.Frame(context.Background(), [3]float32{}); err != nil || st.Frame != 0 {
		t.Errorf("Frame after disable = %+v, %v", st, err)
	}
	if h.lib.Updates() != updates {
		t.Error("library called after disable")
	}
}

func TestShareTexture(t *testing.T) {
	h := newHarness(t, testConfig())

	plain, err := h.prim.CreateTexture(xdev.ResourceDesc{Label: "plain", Width: 4, Height: 4, Format: xdev.FormatR8G8B8A8Unorm})
	if err != nil {
		t.Fatal(err)
	}
	v, err := h.sys.ShareTexture(plain)
	if err != nil || !v.IsZero() {
		t.Errorf("non-shareable texture: view zero=%v err=%v", v.IsZero(), err)
	}

	shared, err := h.prim.CreateTexture(xdev.ResourceDesc{
		Label: "gbuffer_depth", Width: 4, Height: 4, Format: xdev.FormatR8G8B8A8Unorm,
		Bind: xdev.BindShaderResource, Misc: xdev.MiscShared | xdev.MiscSharedNTHandle,
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err = h.sys.ShareTexture(shared)
	if err != nil || !v.Valid() {
		t.Fatalf("shared texture: valid=%v err=%v", v.Valid(), err)
	}
	alias, _ := v.Get()
	if s := h.sec.State(alias.ID()); s != xdev.StateNonPixelShaderResource {
		t.Errorf("alias state = %s", s)
	}
	if toSec, _ := h.sys.bridge.Len(); toSec != 1 {
		t.Errorf("bridge holds %d pairs", toSec)
	}

	h.sys.OnBufferReleased(shared.ID())
	if !shared.Alive() {
		t.Error("closing the import released the primary texture")
	}
}

func TestDebugViewAndCapture(t *testing.T) {
	cfg := testConfig()
	cfg.Tunables.Debug = []string{"bricks"}
	h := newHarness(t, cfg)

	if !h.sys.DebugView().Valid() {
		t.Fatal("debug view not shared to the primary")
	}
	if _, err := h.sys.Frame(context.Background(), [3]float32{}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "debug.tiff")
	if err := h.sys.Capture(path); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Errorf("capture file: %v", err)
	}
}

func TestApplyTunables(t *testing.T) {
	h := newHarness(t, testConfig())
	vb, ib := h.mesh(t, 1)

	g := object(1, vb.ID(), ib.ID(), 1, 0)
	g.Material |= scene.MaterialAlphaTest
	h.sys.OnGeometryVisible(g)
	if h.sys.Stats().Instances.Queued != 0 {
		t.Fatal("alpha-tested object queued")
	}

	tn := h.sys.Config().Tunables
	tn.ExcludedMaterials = []string{"alpha-blend", "skinned"}
	if err := h.sys.ApplyTunables(tn); err != nil {
		t.Fatal(err)
	}
	h.sys.OnGeometryVisible(g)
	if h.sys.Stats().Instances.Queued != 1 {
		t.Error("relaxed eligibility not applied")
	}

	tn.Debug = []string{"nonsense"}
	if err := h.sys.ApplyTunables(tn); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ApplyTunables = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	vb, ib := h.mesh(t, 1)
	h.sys.OnGeometryVisible(object(1, vb.ID(), ib.ID(), 1, 0))
	if _, err := h.sys.Frame(context.Background(), [3]float32{}); err != nil {
		t.Fatal(err)
	}
	if err := h.sys.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.sys.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if len(h.lib.Instances()) != 0 {
		t.Error("Close left instances")
	}
	if !h.sys.Disabled() {
		t.Error("closed system not disabled")
	}
}

func TestFrameHonorsContext(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.sys.Frame(ctx, [3]float32{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Frame = %v", err)
	}
	if h.sys.Disabled() {
		t.Error("cancelled frame disabled the subsystem")
	}
}
