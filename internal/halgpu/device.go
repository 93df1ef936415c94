// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/xdev"
)

// Backend names accepted by Open.
const (
	BackendNoop   = "noop"
	BackendVulkan = "vulkan"
)

// DefaultFenceTimeout bounds every wait on a hal fence or shared timeline.
const DefaultFenceTimeout = 5 * time.Second

var (
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("halgpu: unknown backend")

	// ErrNoAdapter is returned when the backend exposes no adapter.
	ErrNoAdapter = errors.New("halgpu: no GPU adapters found")

	// ErrStateMismatch is returned by Flush when a barrier's Before state
	// did not match the resource's tracked state.
	ErrStateMismatch = errors.New("halgpu: barrier state mismatch")

	// ErrForeignResource is returned for resources without a hal object on
	// this device.
	ErrForeignResource = errors.New("halgpu: resource has no hal object")
)

// Options configure a Device.
type Options struct {
	// Name identifies the device in fences and logs.
	Name string
	// Backend is BackendNoop or BackendVulkan. Used by Open only.
	Backend string
	// FenceTimeout defaults to DefaultFenceTimeout.
	FenceTimeout time.Duration
	// Handles defaults to handles.Default().
	Handles *handles.Table
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "secondary"
	}
	if o.Backend == "" {
		o.Backend = BackendNoop
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = DefaultFenceTimeout
	}
	if o.Handles == nil {
		o.Handles = handles.Default()
	}
}

// Device is a hal-backed secondary device.
type Device struct {
	name    string
	timeout time.Duration
	handles *handles.Table

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	owned    bool
	adapter  string

	fence    hal.Fence
	submitMu sync.Mutex
	serial   uint64

	mu      sync.Mutex
	current *CommandList
	pending []hal.CommandBuffer
	lists   uint64
	states  map[xdev.ResourceID]xdev.ResourceState
	stats   Stats
	closed  bool
}

// Stats counts device activity.
type Stats struct {
	Buffers     int
	BufferBytes uint64
	Submissions uint64
	Lists       uint64
}

// Open creates an instance on the requested backend, picks an adapter
// (discrete or integrated preferred) and opens a device on it.
func Open(opts Options) (*Device, error) {
	opts.setDefaults()

	var create func(*hal.InstanceDescriptor) (hal.Instance, error)
	switch opts.Backend {
	case BackendNoop:
		api := noop.API{}
		create = api.CreateInstance
	case BackendVulkan:
		backend, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("%w: vulkan backend not available", ErrUnknownBackend)
		}
		create = backend.CreateInstance
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}

	instance, err := create(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halgpu: open device: %w", err)
	}

	d, err := newDevice(openDev.Device, openDev.Queue, opts)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	d.owned = true
	d.adapter = selected.Info.Name
	logx.L().Info("halgpu: device opened", "name", d.name, "backend", opts.Backend, "adapter", d.adapter)
	return d, nil
}

// New wraps a hal device and queue owned by the caller. Close does not
// destroy them.
func New(device hal.Device, queue hal.Queue, opts Options) (*Device, error) {
	opts.setDefaults()
	if device == nil || queue == nil {
		return nil, fmt.Errorf("halgpu: nil hal device or queue")
	}
	return newDevice(device, queue, opts)
}

func newDevice(device hal.Device, queue hal.Queue, opts Options) (*Device, error) {
	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("halgpu: create fence: %w", err)
	}
	return &Device{
		name:    opts.Name,
		timeout: opts.FenceTimeout,
		handles: opts.Handles,
		device:  device,
		queue:   queue,
		fence:   fence,
		states:  make(map[xdev.ResourceID]xdev.ResourceState),
	}, nil
}

// Name implements xdev.Device.
func (d *Device) Name() string { return d.name }

// Adapter returns the adapter name when the device was opened by Open.
func (d *Device) Adapter() string { return d.adapter }

// HalDevice returns the underlying hal device.
func (d *Device) HalDevice() hal.Device { return d.device }

// HalQueue returns the underlying hal queue.
func (d *Device) HalQueue() hal.Queue { return d.queue }

// Handles returns the shared-handle table the device exports into.
func (d *Device) Handles() *handles.Table { return d.handles }

// FenceTimeout returns the wait bound.
func (d *Device) FenceTimeout() time.Duration { return d.timeout }

// Queue implements xdev.Device.
func (d *Device) Queue() xdev.Queue { return queue{d: d} }

// Stats returns a snapshot of the activity counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// State returns the tracked state of a resource on this device.
func (d *Device) State(id xdev.ResourceID) xdev.ResourceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[id]
}

// Tracks reports whether the device holds a state for id.
func (d *Device) Tracks(id xdev.ResourceID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.states[id]
	return ok
}

// SetState records the state of a resource without a barrier. Used for
// resources whose initial state is known from creation.
func (d *Device) SetState(id xdev.ResourceID, s xdev.ResourceState) {
	d.mu.Lock()
	d.states[id] = s
	d.mu.Unlock()
}

// submitAndWait submits the pending lists plus extra, waits on the
// internal fence and frees the command buffers.
func (d *Device) submitAndWait(extra ...hal.CommandBuffer) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	d.mu.Lock()
	cmds := append(d.pending, extra...)
	d.pending = nil
	d.mu.Unlock()
	if len(cmds) == 0 {
		return nil
	}
	defer func() {
		for _, c := range cmds {
			d.device.FreeCommandBuffer(c)
		}
	}()

	d.serial++
	if err := d.queue.Submit(cmds, d.fence, d.serial); err != nil {
		return fmt.Errorf("halgpu: submit: %w", err)
	}
	ok, err := d.device.Wait(d.fence, d.serial, d.timeout)
	if err != nil {
		return fmt.Errorf("halgpu: wait for submission %d: %w", d.serial, err)
	}
	if !ok {
		return fmt.Errorf("%w: submission %d on %s", xdev.ErrFenceStall, d.serial, d.name)
	}

	d.mu.Lock()
	d.stats.Submissions++
	d.mu.Unlock()
	return nil
}

// Close waits for outstanding work and releases the device's own objects.
// Buffers must have been released by their owners.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.Flush()
	if serr := d.submitAndWait(); serr != nil && err == nil {
		err = serr
	}
	d.device.DestroyFence(d.fence)
	if d.owned {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	logx.L().Info("halgpu: device closed", "name", d.name)
	return err
}

var _ xdev.SecondaryDevice = (*Device)(nil)
