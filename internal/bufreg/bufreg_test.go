package bufreg

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/accel/reference"
	"github.com/gogpu/voxgi/internal/halgpu"
	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/loopback"
	"github.com/gogpu/voxgi/xdev"
)

func newSecondary(t *testing.T) *halgpu.Device {
	t.Helper()
	d, err := halgpu.Open(halgpu.Options{Backend: halgpu.BackendNoop, Handles: handles.NewTable(), FenceTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func vbDesc(size uint64) xdev.ResourceDesc {
	return xdev.ResourceDesc{Kind: xdev.KindBuffer, ByteWidth: size, Bind: xdev.BindVertexBuffer}
}

func ibDesc(size uint64) xdev.ResourceDesc {
	return xdev.ResourceDesc{Kind: xdev.KindBuffer, ByteWidth: size, Bind: xdev.BindIndexBuffer}
}

// failingDevice fails every allocation.
type failingDevice struct {
	xdev.SecondaryDevice
}

func (failingDevice) CreateBuffer(xdev.ResourceDesc, []byte) (*xdev.Owned[xdev.Resource], error) {
	return nil, errors.New("out of device memory")
}

func TestRegisterChecksBindFlags(t *testing.T) {
	r := New(newSecondary(t), reference.New(), nil)
	if _, err := r.RegisterVertexBuffer(ibDesc(16), nil, xdev.NextResourceID()); !errors.Is(err, ErrNotVertexBuffer) {
		t.Errorf("vertex register of index buffer = %v", err)
	}
	if _, err := r.RegisterIndexBuffer(vbDesc(16), nil, xdev.NextResourceID()); !errors.Is(err, ErrNotIndexBuffer) {
		t.Errorf("index register of vertex buffer = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestRegisterIsIdempotentPerIdentity(t *testing.T) {
	r := New(newSecondary(t), reference.New(), nil)
	id := xdev.NextResourceID()
	a, err := r.RegisterVertexBuffer(vbDesc(96), make([]byte, 96), id)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.RegisterVertexBuffer(vbDesc(96), make([]byte, 96), id)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || r.Len() != 1 {
		t.Errorf("re-registration created a second entry (len %d)", r.Len())
	}
	if a.Copy().IsZero() || !a.Copy().Valid() {
		t.Error("entry has no valid secondary copy")
	}
}

func TestObserveDispatchesByFlags(t *testing.T) {
	r := New(newSecondary(t), reference.New(), nil)

	e, ok, err := r.Observe(ibDesc(12), nil, xdev.NextResourceID())
	if err != nil || !ok || e.Kind != Index {
		t.Errorf("index observe = %v, %v, %v", e, ok, err)
	}
	cb := xdev.ResourceDesc{Kind: xdev.KindBuffer, ByteWidth: 64, Bind: xdev.BindConstantBuffer}
	if _, ok, err := r.Observe(cb, nil, xdev.NextResourceID()); ok || err != nil {
		t.Errorf("constant buffer observe = %v, %v", ok, err)
	}
}

func TestGetOrAssignHandleImportsOnce(t *testing.T) {
	lib := reference.New()
	r := New(newSecondary(t), lib, nil)
	e, _ := r.RegisterVertexBuffer(vbDesc(64), nil, xdev.NextResourceID())

	if lib.Calls(reference.OpRegisterBuffers) != 0 {
		t.Fatal("registration must not import eagerly")
	}
	h1, err := r.GetOrAssignHandle(e)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.GetOrAssignHandle(e)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || h1 == 0 {
		t.Errorf("handles %d, %d", h1, h2)
	}
	if lib.Calls(reference.OpRegisterBuffers) != 1 || r.Imports() != 1 {
		t.Errorf("imports = %d", lib.Calls(reference.OpRegisterBuffers))
	}
}

func TestGetOrAssignHandleConcurrent(t *testing.T) {
	lib := reference.New()
	r := New(newSecondary(t), lib, nil)
	id := xdev.NextResourceID()
	r.RegisterIndexBuffer(ibDesc(24), nil, id)

	var wg sync.WaitGroup
	hs := make([]accel.BufferHandle, 16)
	for i := range hs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Handle(id)
			if err != nil {
				t.Error(err)
			}
			hs[i] = h
		}()
	}
	wg.Wait()
	for _, h := range hs {
		if h != hs[0] {
			t.Fatalf("handles differ: %v", hs)
		}
	}
	if lib.Calls(reference.OpRegisterBuffers) != 1 {
		t.Errorf("imports = %d", lib.Calls(reference.OpRegisterBuffers))
	}
}

func TestImportFailureIsFatalError(t *testing.T) {
	lib := reference.New()
	r := New(newSecondary(t), lib, nil)
	e, _ := r.RegisterVertexBuffer(vbDesc(64), nil, xdev.NextResourceID())
	lib.FailNext(reference.OpRegisterBuffers, accel.OutOfMemory)

	_, err := r.GetOrAssignHandle(e)
	if !errors.Is(err, ErrImport) {
		t.Errorf("err = %v, want ErrImport", err)
	}
}

func TestAllocationFailure(t *testing.T) {
	r := New(failingDevice{}, reference.New(), nil)
	_, err := r.RegisterVertexBuffer(vbDesc(64), nil, xdev.NextResourceID())
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("err = %v, want ErrAllocation", err)
	}
	if r.Len() != 0 {
		t.Error("failed registration was stored")
	}
}

func TestReleaseHookUnregisters(t *testing.T) {
	sec := newSecondary(t)
	prim := loopback.New(loopback.Options{Handles: handles.NewTable()})
	lib := reference.New()
	r := New(sec, lib, prim)

	vb, _ := prim.CreateBuffer(vbDesc(48), make([]byte, 48))
	e, err := r.RegisterVertexBuffer(vb.Desc(), vb.Data(), vb.ID())
	if err != nil {
		t.Fatal(err)
	}
	ib, _ := prim.CreateBuffer(ibDesc(12), nil)
	r.RegisterIndexBuffer(ib.Desc(), nil, ib.ID())
	if !r.HookInstalled() {
		t.Fatal("hook not installed on first registration")
	}
	h, _ := r.GetOrAssignHandle(e)
	copyView := e.Copy()

	vb.Release()
	if _, ok := r.Lookup(vb.ID()); ok {
		t.Error("entry survived final release")
	}
	if copyView.Valid() {
		t.Error("secondary copy not released")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want the index buffer only", r.Len())
	}

	// A later buffer gets a fresh handle; the old one is never reused.
	vb2, _ := prim.CreateBuffer(vbDesc(48), nil)
	e2, _ := r.RegisterVertexBuffer(vb2.Desc(), nil, vb2.ID())
	h2, _ := r.GetOrAssignHandle(e2)
	if h2 == h {
		t.Errorf("handle %d recycled", h)
	}
}

func TestUnregisterUnknown(t *testing.T) {
	r := New(newSecondary(t), reference.New(), nil)
	if r.Unregister(xdev.NextResourceID()) {
		t.Error("Unregister of unknown id reported true")
	}
	if _, err := r.Handle(xdev.NextResourceID()); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Handle = %v", err)
	}
}

func TestClose(t *testing.T) {
	sec := newSecondary(t)
	r := New(sec, reference.New(), nil)
	r.RegisterVertexBuffer(vbDesc(16), nil, xdev.NextResourceID())
	r.RegisterIndexBuffer(ibDesc(16), nil, xdev.NextResourceID())
	r.Close()
	if r.Len() != 0 || sec.Stats().Buffers != 0 {
		t.Errorf("after Close: len=%d buffers=%d", r.Len(), sec.Stats().Buffers)
	}
}
