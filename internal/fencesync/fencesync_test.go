package fencesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/voxgi/internal/halgpu"
	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/loopback"
	"github.com/gogpu/voxgi/xdev"
)

func newDevices(t *testing.T) (*loopback.Device, *halgpu.Device, *handles.Table) {
	t.Helper()
	tbl := handles.NewTable()
	sec, err := halgpu.Open(halgpu.Options{Backend: halgpu.BackendNoop, Handles: tbl, FenceTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sec.Close() })
	prim := loopback.New(loopback.Options{Handles: tbl, FenceTimeout: 20 * time.Millisecond})
	return prim, sec, tbl
}

// lazyPrimary never advances its fences, as if its queue had hung.
type lazyPrimary struct {
	*loopback.Device
}

type lazyQueue struct{}

func (lazyQueue) Signal(xdev.Fence, uint64) error { return nil }
func (lazyQueue) Wait(xdev.Fence, uint64) error   { return nil }

func (lazyPrimary) Queue() xdev.Queue { return lazyQueue{} }

func TestNewClosesHandles(t *testing.T) {
	prim, sec, tbl := newDevices(t)
	if _, err := New(prim, sec); err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 0 {
		t.Errorf("%d handles left open", tbl.Len())
	}
}

func TestFenceMonotonicity(t *testing.T) {
	prim, sec, _ := newDevices(t)
	p, err := New(prim, sec)
	if err != nil {
		t.Fatal(err)
	}

	for frame := uint64(1); frame <= 10; frame++ {
		prevA, prevB := p.Values()
		a, err := p.BeginSecondary()
		if err != nil {
			t.Fatalf("frame %d begin: %v", frame, err)
		}
		sec.CommandList().Annotate("frame work")
		if err := sec.Flush(); err != nil {
			t.Fatal(err)
		}
		b, err := p.EndSecondary()
		if err != nil {
			t.Fatalf("frame %d end: %v", frame, err)
		}
		if a != prevA+1 || b != prevB+1 {
			t.Fatalf("frame %d: a %d->%d, b %d->%d", frame, prevA, a, prevB, b)
		}
		if a != frame || b != frame {
			t.Fatalf("frame %d: values %d, %d", frame, a, b)
		}
	}
	if got := p.fenceA.Completed(); got != 10 {
		t.Errorf("fence A at %d", got)
	}
	if got := p.fenceBOnPrim.Completed(); got != 10 {
		t.Errorf("fence B seen from primary at %d", got)
	}
	if err := p.Drain(context.Background()); err != nil {
		t.Errorf("Drain = %v", err)
	}
}

func TestStallBreaksPair(t *testing.T) {
	prim, sec, _ := newDevices(t)
	p, err := New(lazyPrimary{prim}, sec)
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.BeginSecondary()
	if !errors.Is(err, ErrBroken) || !errors.Is(err, xdev.ErrFenceStall) {
		t.Fatalf("err = %v, want ErrBroken wrapping ErrFenceStall", err)
	}
	if !p.Broken() {
		t.Error("pair not marked broken")
	}
	if _, err := p.EndSecondary(); !errors.Is(err, ErrBroken) {
		t.Errorf("EndSecondary after break = %v", err)
	}
	if a, b := p.Values(); a != 1 || b != 0 {
		t.Errorf("values = %d, %d", a, b)
	}
}
