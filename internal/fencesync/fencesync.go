// Package fencesync orders the primary and secondary queues within a frame
// using two shared timeline fences.
//
// Fence A is created by the primary device and opened on the secondary;
// fence B is the reverse. Each frame the primary signals A and the
// secondary waits for it before touching shared resources, then the
// secondary signals B and the primary waits for it before consuming the
// secondary's output. Both values advance by exactly one per frame and are
// never reset.
package fencesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/xdev"
)

// ErrBroken is returned once any signal or wait has failed. A broken pair
// cannot be used again: the queues' relative order is no longer known.
var ErrBroken = errors.New("fencesync: fence pair broken")

// Pair is the shared fence pair.
type Pair struct {
	primary   xdev.PrimaryDevice
	secondary xdev.SecondaryDevice

	fenceA         xdev.Fence // owned by primary
	fenceAOnSecond xdev.Fence
	fenceB         xdev.Fence // owned by secondary
	fenceBOnPrim   xdev.Fence

	mu     sync.Mutex
	valueA atomic.Uint64
	valueB atomic.Uint64
	broken atomic.Bool
}

// New creates both fences, exports each and opens it on the other device.
// The handles are closed once opened.
func New(primary xdev.PrimaryDevice, secondary xdev.SecondaryDevice) (*Pair, error) {
	p := &Pair{primary: primary, secondary: secondary}

	var err error
	p.fenceA, p.fenceAOnSecond, err = share(primary, secondary, "voxgi_fence_a")
	if err != nil {
		return nil, err
	}
	p.fenceB, p.fenceBOnPrim, err = share(secondary, primary, "voxgi_fence_b")
	if err != nil {
		return nil, err
	}
	logx.L().Info("fencesync: fence pair created",
		"a", p.fenceA.Label(), "b", p.fenceB.Label())
	return p, nil
}

func share(owner, opener xdev.Device, label string) (native, alias xdev.Fence, err error) {
	native, err = owner.CreateSharedFence(label)
	if err != nil {
		return nil, nil, fmt.Errorf("fencesync: create %s on %s: %w", label, owner.Name(), err)
	}
	h, err := owner.ExportFence(native)
	if err != nil {
		return nil, nil, fmt.Errorf("fencesync: export %s: %w", label, err)
	}
	defer owner.CloseHandle(h)
	alias, err = opener.OpenSharedFence(h)
	if err != nil {
		return nil, nil, fmt.Errorf("fencesync: open %s on %s: %w", label, opener.Name(), err)
	}
	return native, alias, nil
}

func (p *Pair) fail(step string, v uint64, err error) error {
	p.broken.Store(true)
	logx.Critical("fencesync: "+step+" failed", "value", v, "error", err)
	return fmt.Errorf("%w: %s %d: %w", ErrBroken, step, v, err)
}

// BeginSecondary starts the secondary device's frame: the primary signals
// A to the next value and the secondary waits for it. It returns the new
// value of A.
func (p *Pair) BeginSecondary() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken.Load() {
		return 0, ErrBroken
	}

	n := p.valueA.Load() + 1
	if err := p.primary.Queue().Signal(p.fenceA, n); err != nil {
		return 0, p.fail("primary signal", n, err)
	}
	p.valueA.Store(n)
	if err := p.secondary.Queue().Wait(p.fenceAOnSecond, n); err != nil {
		return 0, p.fail("secondary wait", n, err)
	}
	return n, nil
}

// EndSecondary ends the secondary device's frame: the secondary signals B
// to the next value and the primary waits for it. It returns the new value
// of B.
func (p *Pair) EndSecondary() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken.Load() {
		return 0, ErrBroken
	}

	n := p.valueB.Load() + 1
	if err := p.secondary.Queue().Signal(p.fenceB, n); err != nil {
		return 0, p.fail("secondary signal", n, err)
	}
	p.valueB.Store(n)
	if err := p.primary.Queue().Wait(p.fenceBOnPrim, n); err != nil {
		return 0, p.fail("primary wait", n, err)
	}
	return n, nil
}

// Values returns the last signalled values of A and B.
func (p *Pair) Values() (a, b uint64) {
	return p.valueA.Load(), p.valueB.Load()
}

// Broken reports whether a signal or wait has failed.
func (p *Pair) Broken() bool { return p.broken.Load() }

// Drain blocks until fence B has reached its last signalled value, as seen
// from the primary device. It is the only CPU wait of the protocol and is
// used at teardown.
func (p *Pair) Drain(ctx context.Context) error {
	return p.fenceBOnPrim.Wait(ctx, p.valueB.Load())
}
