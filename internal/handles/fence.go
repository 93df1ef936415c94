package handles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/voxgi/xdev"
)

// ErrRegression is returned when a timeline is set below its current value.
var ErrRegression = errors.New("handles: fence value decreased")

// Timeline is a monotonically increasing counter with blocking waits.
type Timeline struct {
	label string

	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

// NewTimeline creates a timeline at zero.
func NewTimeline(label string) *Timeline {
	return &Timeline{label: label, changed: make(chan struct{})}
}

// Label returns the debug label.
func (t *Timeline) Label() string { return t.label }

// Completed returns the current value.
func (t *Timeline) Completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Set advances the timeline to v and wakes waiters. Setting the current
// value again is allowed; going backwards is not.
func (t *Timeline) Set(v uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v < t.value {
		return fmt.Errorf("%w: %s at %d, set %d", ErrRegression, t.label, t.value, v)
	}
	if v == t.value {
		return nil
	}
	t.value = v
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

// Wait blocks until the timeline reaches v or ctx is done.
func (t *Timeline) Wait(ctx context.Context, v uint64) error {
	for {
		t.mu.Lock()
		if t.value >= v {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitTimeout waits at most d. A timeout is reported as xdev.ErrFenceStall.
func (t *Timeline) WaitTimeout(v uint64, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := t.Wait(ctx, v); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s waiting for %d, at %d", xdev.ErrFenceStall, t.label, v, t.Completed())
		}
		return err
	}
	return nil
}

// Fence is one device's reference to a timeline. The device that created
// the timeline holds the owning fence; devices that opened it through a
// shared handle hold aliases.
type Fence struct {
	tl     *Timeline
	device string
	owner  bool
}

// NewFence creates a timeline owned by device.
func NewFence(device, label string) *Fence {
	return &Fence{tl: NewTimeline(label), device: device, owner: true}
}

// Alias returns a non-owning reference to the same timeline for device.
func (f *Fence) Alias(device string) *Fence {
	return &Fence{tl: f.tl, device: device}
}

// Label implements xdev.Fence.
func (f *Fence) Label() string { return f.tl.label }

// Completed implements xdev.Fence.
func (f *Fence) Completed() uint64 { return f.tl.Completed() }

// Wait implements xdev.Fence.
func (f *Fence) Wait(ctx context.Context, v uint64) error { return f.tl.Wait(ctx, v) }

// WaitTimeout waits with a deadline; see Timeline.WaitTimeout.
func (f *Fence) WaitTimeout(v uint64, d time.Duration) error { return f.tl.WaitTimeout(v, d) }

// Device returns the name of the device holding this reference.
func (f *Fence) Device() string { return f.device }

// Owner reports whether this is the owning reference.
func (f *Fence) Owner() bool { return f.owner }

// Signal advances the timeline. Only the owning reference may signal.
func (f *Fence) Signal(v uint64) error {
	if !f.owner {
		return fmt.Errorf("%w: %s on %s", xdev.ErrNotOwner, f.tl.label, f.device)
	}
	return f.tl.Set(v)
}

// Same reports whether f and other refer to the same timeline.
func (f *Fence) Same(other *Fence) bool { return other != nil && f.tl == other.tl }

var _ xdev.Fence = (*Fence)(nil)

// AsFence converts an xdev.Fence produced by this package.
func AsFence(f xdev.Fence) (*Fence, error) {
	hf, ok := f.(*Fence)
	if !ok || hf == nil {
		return nil, fmt.Errorf("handles: foreign fence type %T", f)
	}
	return hf, nil
}
