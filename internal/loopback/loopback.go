// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package loopback implements xdev.PrimaryDevice for tests and the replay
// tool.
//
// It stands in for a host renderer's device. Resources are reference
// counted the way the host's resources are: the creator holds one
// reference, AddRef/Release adjust it, and the final Release destroys the
// hal object and notifies release subscribers. When a hal device is
// supplied, buffers and textures are real hal objects on it, so aliases
// opened by a halgpu.Device on the same hal device share them.
//
// Primary-queue work is considered complete when it is signalled: the
// loopback device records no GPU commands of its own.
package loopback

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/voxgi/internal/halgpu"
	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/xdev"
)

// ErrReleased is returned by AddRef on a resource whose count reached zero.
var ErrReleased = errors.New("loopback: resource already released")

// Options configure a Device.
type Options struct {
	Name string
	// HalDevice and HalQueue are optional. Without them resources are CPU
	// only.
	HalDevice    hal.Device
	HalQueue     hal.Queue
	FenceTimeout time.Duration
	Handles      *handles.Table
}

// Device is the loopback primary device.
type Device struct {
	name    string
	hdev    hal.Device
	hq      hal.Queue
	timeout time.Duration
	handles *handles.Table

	mu   sync.Mutex
	subs []func(xdev.ResourceID)
	live map[xdev.ResourceID]*Resource
}

// New creates a loopback device.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "primary"
	}
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = halgpu.DefaultFenceTimeout
	}
	if opts.Handles == nil {
		opts.Handles = handles.Default()
	}
	return &Device{
		name:    opts.Name,
		hdev:    opts.HalDevice,
		hq:      opts.HalQueue,
		timeout: opts.FenceTimeout,
		handles: opts.Handles,
		live:    make(map[xdev.ResourceID]*Resource),
	}
}

// Name implements xdev.Device.
func (d *Device) Name() string { return d.name }

// Queue implements xdev.Device.
func (d *Device) Queue() xdev.Queue { return queue{d: d} }

// Live returns the number of resources with a non-zero reference count.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// SubscribeRelease implements xdev.ReleaseNotifier.
func (d *Device) SubscribeRelease(fn func(xdev.ResourceID)) {
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
}

// Resource is a reference-counted buffer or texture.
type Resource struct {
	dev  *Device
	id   xdev.ResourceID
	desc xdev.ResourceDesc
	data []byte
	buf  hal.Buffer
	tex  hal.Texture
	refs atomic.Int32
}

// ID implements xdev.Resource.
func (r *Resource) ID() xdev.ResourceID { return r.id }

// Desc implements xdev.Resource.
func (r *Resource) Desc() xdev.ResourceDesc { return r.desc }

// Data returns the initial contents the resource was created with.
func (r *Resource) Data() []byte { return r.data }

// HalBuffer implements halgpu.BufferBacked.
func (r *Resource) HalBuffer() hal.Buffer { return r.buf }

// HalTexture implements halgpu.TextureBacked.
func (r *Resource) HalTexture() hal.Texture { return r.tex }

// Alive reports whether the reference count is above zero.
func (r *Resource) Alive() bool { return r.refs.Load() > 0 }

// Refs returns the current reference count.
func (r *Resource) Refs() int32 { return r.refs.Load() }

// AddRef adds a reference and returns the new count.
func (r *Resource) AddRef() (int32, error) {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return 0, ErrReleased
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return n + 1, nil
		}
	}
}

// Release drops a reference and returns the new count. The final release
// destroys the resource and notifies subscribers.
func (r *Resource) Release() int32 {
	n := r.refs.Add(-1)
	switch {
	case n == 0:
		r.dev.destroy(r)
	case n < 0:
		r.refs.Store(0)
		return 0
	}
	return n
}

func (d *Device) destroy(r *Resource) {
	if d.hdev != nil {
		if r.buf != nil {
			d.hdev.DestroyBuffer(r.buf)
		}
		if r.tex != nil {
			d.hdev.DestroyTexture(r.tex)
		}
	}

	d.mu.Lock()
	delete(d.live, r.id)
	subs := slices.Clone(d.subs)
	d.mu.Unlock()

	for _, fn := range subs {
		fn(r.id)
	}
}

func (d *Device) track(r *Resource) *Resource {
	r.refs.Store(1)
	d.mu.Lock()
	d.live[r.id] = r
	d.mu.Unlock()
	return r
}

// CreateBuffer creates a buffer holding one reference.
func (d *Device) CreateBuffer(desc xdev.ResourceDesc, initial []byte) (*Resource, error) {
	desc.Kind = xdev.KindBuffer
	if desc.ByteWidth == 0 {
		return nil, fmt.Errorf("loopback: buffer %q: zero byte width", desc.Label)
	}
	if uint64(len(initial)) > desc.ByteWidth {
		return nil, fmt.Errorf("loopback: buffer %q: initial data exceeds width", desc.Label)
	}
	r := &Resource{dev: d, id: xdev.NextResourceID(), desc: desc}
	r.data = append([]byte(nil), initial...)

	if d.hdev != nil {
		usage := gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc | gputypes.BufferUsageStorage
		if desc.Bind.Has(xdev.BindVertexBuffer) {
			usage |= gputypes.BufferUsageVertex
		}
		buf, err := d.hdev.CreateBuffer(&hal.BufferDescriptor{
			Label: desc.Label,
			Size:  (desc.ByteWidth + 3) &^ 3,
			Usage: usage,
		})
		if err != nil {
			return nil, fmt.Errorf("loopback: create buffer %q: %w", desc.Label, err)
		}
		r.buf = buf
	}
	return d.track(r), nil
}

func textureFormat(f xdev.Format) (gputypes.TextureFormat, bool) {
	switch f {
	case xdev.FormatR8G8B8A8Unorm:
		return gputypes.TextureFormatRGBA8Unorm, true
	case xdev.FormatB8G8R8A8Unorm:
		return gputypes.TextureFormatBGRA8Unorm, true
	default:
		return gputypes.TextureFormatUndefined, false
	}
}

// CreateTexture creates a 2D texture holding one reference. Formats the
// HAL path does not map are created CPU only.
func (d *Device) CreateTexture(desc xdev.ResourceDesc) (*Resource, error) {
	desc.Kind = xdev.KindTexture
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("loopback: texture %q: zero extent", desc.Label)
	}
	r := &Resource{dev: d, id: xdev.NextResourceID(), desc: desc}

	if format, ok := textureFormat(desc.Format); ok && d.hdev != nil {
		tex, err := d.hdev.CreateTexture(&hal.TextureDescriptor{
			Label:         desc.Label,
			Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        format,
			Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("loopback: create texture %q: %w", desc.Label, err)
		}
		r.tex = tex
	}
	return d.track(r), nil
}

// ExportResource implements xdev.Device.
func (d *Device) ExportResource(res xdev.Resource, access xdev.Access) (xdev.SharedHandle, error) {
	if res == nil {
		return xdev.SharedHandle{}, fmt.Errorf("loopback: export nil resource")
	}
	if !res.Desc().Misc.Has(xdev.MiscSharedNTHandle) {
		return xdev.SharedHandle{}, fmt.Errorf("%w: %q", xdev.ErrNotShareable, res.Desc().Label)
	}
	return d.handles.Export(res, xdev.HandleResource, access)
}

// OpenSharedResource implements xdev.Device.
func (d *Device) OpenSharedResource(h xdev.SharedHandle, access xdev.Access) (xdev.Resource, error) {
	obj, err := d.handles.Open(h, access)
	if err != nil {
		return nil, err
	}
	origin, ok := obj.(xdev.Resource)
	if !ok {
		return nil, fmt.Errorf("loopback: %q refers to %T", h.Name, obj)
	}
	return halgpu.NewAlias(origin, access), nil
}

// CloseHandle implements xdev.Device.
func (d *Device) CloseHandle(h xdev.SharedHandle) error { return d.handles.Close(h) }

// CreateSharedFence implements xdev.Device.
func (d *Device) CreateSharedFence(label string) (xdev.Fence, error) {
	return handles.NewFence(d.name, label), nil
}

// ExportFence implements xdev.Device.
func (d *Device) ExportFence(f xdev.Fence) (xdev.SharedHandle, error) {
	hf, err := handles.AsFence(f)
	if err != nil {
		return xdev.SharedHandle{}, err
	}
	if !hf.Owner() || hf.Device() != d.name {
		return xdev.SharedHandle{}, fmt.Errorf("%w: export of %s", xdev.ErrNotOwner, hf.Label())
	}
	return d.handles.Export(hf, xdev.HandleFence, xdev.AccessReadWrite)
}

// OpenSharedFence implements xdev.Device.
func (d *Device) OpenSharedFence(h xdev.SharedHandle) (xdev.Fence, error) {
	obj, err := d.handles.Open(h, xdev.AccessRead)
	if err != nil {
		return nil, err
	}
	hf, ok := obj.(*handles.Fence)
	if !ok {
		return nil, fmt.Errorf("loopback: %q refers to %T", h.Name, obj)
	}
	return hf.Alias(d.name), nil
}

type queue struct{ d *Device }

// Signal advances f immediately.
func (q queue) Signal(f xdev.Fence, v uint64) error {
	hf, err := handles.AsFence(f)
	if err != nil {
		return err
	}
	if !hf.Owner() || hf.Device() != q.d.name {
		return fmt.Errorf("%w: %s signalled on %s", xdev.ErrNotOwner, hf.Label(), q.d.name)
	}
	return hf.Signal(v)
}

// Wait blocks until f reaches v or the timeout expires.
func (q queue) Wait(f xdev.Fence, v uint64) error {
	hf, err := handles.AsFence(f)
	if err != nil {
		return err
	}
	if err := hf.WaitTimeout(v, q.d.timeout); err != nil {
		logx.L().Error("loopback: fence wait failed", "device", q.d.name, "fence", hf.Label(), "value", v, "error", err)
		return err
	}
	return nil
}

var (
	_ xdev.PrimaryDevice   = (*Device)(nil)
	_ xdev.ReleaseNotifier = (*Device)(nil)
	_ halgpu.BufferBacked  = (*Resource)(nil)
	_ halgpu.TextureBacked = (*Resource)(nil)
)
