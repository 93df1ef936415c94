package handles

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/voxgi/xdev"
)

type liveObj struct{ alive bool }

func (o *liveObj) Alive() bool { return o.alive }

func TestExportOpenClose(t *testing.T) {
	tbl := NewTable()
	obj := &liveObj{alive: true}

	h, err := tbl.Export(obj, xdev.HandleResource, xdev.AccessRead)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h.Name, NamePrefix) {
		t.Errorf("name %q lacks prefix", h.Name)
	}

	got, err := tbl.Open(h, xdev.AccessRead)
	if err != nil || got != obj {
		t.Fatalf("Open = %v, %v", got, err)
	}
	if _, err := tbl.Open(h, xdev.AccessReadWrite); err == nil {
		t.Error("read-write open of a read export should fail")
	}

	if err := tbl.Close(h); err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d after last close", tbl.Len())
	}
	if _, err := tbl.Open(h, xdev.AccessRead); !errors.Is(err, xdev.ErrUnknownHandle) {
		t.Errorf("Open after close = %v", err)
	}
	if !obj.alive {
		t.Error("closing the handle affected the object")
	}
}

func TestExportNamesUnique(t *testing.T) {
	tbl := NewTable()
	a, _ := tbl.Export(&liveObj{alive: true}, xdev.HandleResource, xdev.AccessRead)
	b, _ := tbl.Export(&liveObj{alive: true}, xdev.HandleResource, xdev.AccessRead)
	if a.Name == b.Name {
		t.Errorf("duplicate handle name %q", a.Name)
	}
}

func TestRetainRefs(t *testing.T) {
	tbl := NewTable()
	h, _ := tbl.Export(&liveObj{alive: true}, xdev.HandleFence, xdev.AccessReadWrite)
	if err := tbl.Retain(h); err != nil {
		t.Fatal(err)
	}
	if tbl.Refs(h) != 2 {
		t.Errorf("Refs = %d, want 2", tbl.Refs(h))
	}
	tbl.Close(h)
	if tbl.Refs(h) != 1 {
		t.Errorf("Refs = %d, want 1", tbl.Refs(h))
	}
	tbl.Close(h)
	if err := tbl.Close(h); !errors.Is(err, xdev.ErrUnknownHandle) {
		t.Errorf("extra Close = %v", err)
	}
}

func TestOpenReleasedObject(t *testing.T) {
	tbl := NewTable()
	obj := &liveObj{alive: true}
	h, _ := tbl.Export(obj, xdev.HandleResource, xdev.AccessRead)
	obj.alive = false
	if _, err := tbl.Open(h, xdev.AccessRead); !errors.Is(err, xdev.ErrResourceReleased) {
		t.Errorf("Open = %v, want ErrResourceReleased", err)
	}
	if _, err := tbl.Export(obj, xdev.HandleResource, xdev.AccessRead); !errors.Is(err, xdev.ErrResourceReleased) {
		t.Errorf("Export = %v, want ErrResourceReleased", err)
	}
}

func TestTimelineMonotonic(t *testing.T) {
	tl := NewTimeline("test")
	if err := tl.Set(3); err != nil {
		t.Fatal(err)
	}
	if err := tl.Set(3); err != nil {
		t.Errorf("repeat set = %v", err)
	}
	if err := tl.Set(2); !errors.Is(err, ErrRegression) {
		t.Errorf("Set(2) = %v, want ErrRegression", err)
	}
	if tl.Completed() != 3 {
		t.Errorf("Completed = %d", tl.Completed())
	}
}

func TestTimelineWaitWakes(t *testing.T) {
	tl := NewTimeline("wake")
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tl.Wait(context.Background(), 2)
		}()
	}
	tl.Set(1)
	tl.Set(2)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Wait = %v", err)
		}
	}
}

func TestTimelineWaitTimeout(t *testing.T) {
	tl := NewTimeline("stall")
	err := tl.WaitTimeout(1, 10*time.Millisecond)
	if !errors.Is(err, xdev.ErrFenceStall) {
		t.Errorf("WaitTimeout = %v, want ErrFenceStall", err)
	}
}

func TestTimelineWaitCanceled(t *testing.T) {
	tl := NewTimeline("cancel")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tl.Wait(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v", err)
	}
}

func TestFenceAliasCannotSignal(t *testing.T) {
	f := NewFence("primary", "frame")
	alias := f.Alias("secondary")

	if err := alias.Signal(1); !errors.Is(err, xdev.ErrNotOwner) {
		t.Errorf("alias Signal = %v, want ErrNotOwner", err)
	}
	if err := f.Signal(1); err != nil {
		t.Fatal(err)
	}
	if alias.Completed() != 1 {
		t.Errorf("alias Completed = %d", alias.Completed())
	}
	if !f.Same(alias) || alias.Owner() || alias.Device() != "secondary" {
		t.Error("alias metadata wrong")
	}
}

func TestAsFence(t *testing.T) {
	if _, err := AsFence(NewFence("d", "f")); err != nil {
		t.Error(err)
	}
	if _, err := AsFence(nil); err == nil {
		t.Error("AsFence(nil) should fail")
	}
}
