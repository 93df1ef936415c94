// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/xdev"
)

// BufferBacked is implemented by resources with a hal buffer.
type BufferBacked interface {
	HalBuffer() hal.Buffer
}

// TextureBacked is implemented by resources with a hal texture.
type TextureBacked interface {
	HalTexture() hal.Texture
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

// Buffer is a buffer allocated by a Device.
type Buffer struct {
	id       xdev.ResourceID
	desc     xdev.ResourceDesc
	raw      hal.Buffer
	size     uint64
	released atomic.Bool
}

// ID implements xdev.Resource.
func (b *Buffer) ID() xdev.ResourceID { return b.id }

// Desc implements xdev.Resource.
func (b *Buffer) Desc() xdev.ResourceDesc { return b.desc }

// HalBuffer implements BufferBacked.
func (b *Buffer) HalBuffer() hal.Buffer { return b.raw }

// Alive reports whether the owner has not released the buffer.
func (b *Buffer) Alive() bool { return !b.released.Load() }

func bufferUsage(bind xdev.BindFlags) gputypes.BufferUsage {
	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	if bind.Has(xdev.BindVertexBuffer) {
		usage |= gputypes.BufferUsageVertex
	}
	if bind.Has(xdev.BindIndexBuffer) {
		usage |= gputypes.BufferUsageIndex
	}
	if bind.Has(xdev.BindConstantBuffer) {
		usage |= gputypes.BufferUsageUniform
	}
	return usage
}

// CreateBuffer implements xdev.SecondaryDevice. The allocation is rounded
// up to a multiple of four bytes; Desc reports the requested width.
func (d *Device) CreateBuffer(desc xdev.ResourceDesc, initial []byte) (*xdev.Owned[xdev.Resource], error) {
	if desc.Kind != xdev.KindBuffer {
		return nil, fmt.Errorf("halgpu: CreateBuffer with %s descriptor", desc.Kind)
	}
	if desc.ByteWidth == 0 {
		return nil, fmt.Errorf("halgpu: CreateBuffer %q: zero byte width", desc.Label)
	}
	if uint64(len(initial)) > desc.ByteWidth {
		return nil, fmt.Errorf("halgpu: CreateBuffer %q: %d initial bytes exceed width %d",
			desc.Label, len(initial), desc.ByteWidth)
	}

	size := align4(desc.ByteWidth)
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: bufferUsage(desc.Bind),
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create buffer %q: %w", desc.Label, err)
	}
	if len(initial) > 0 {
		data := initial
		if n := align4(uint64(len(initial))); n != uint64(len(initial)) {
			data = make([]byte, n)
			copy(data, initial)
		}
		d.queue.WriteBuffer(raw, 0, data)
	}

	b := &Buffer{id: xdev.NextResourceID(), desc: desc, raw: raw, size: size}
	d.mu.Lock()
	d.states[b.id] = xdev.StateCommon
	d.stats.Buffers++
	d.stats.BufferBytes += size
	d.mu.Unlock()

	return xdev.NewOwned[xdev.Resource](b, d.releaseBuffer), nil
}

func (d *Device) releaseBuffer(res xdev.Resource) {
	b := res.(*Buffer)
	b.released.Store(true)
	d.device.DestroyBuffer(b.raw)

	d.mu.Lock()
	delete(d.states, b.id)
	d.stats.Buffers--
	d.stats.BufferBytes -= b.size
	d.mu.Unlock()
}

// Alias is a resource opened from a shared handle. It never owns memory:
// its hal object, if any, belongs to the exporting side.
type Alias struct {
	id     xdev.ResourceID
	desc   xdev.ResourceDesc
	origin xdev.Resource
	access xdev.Access
	buf    hal.Buffer
	tex    hal.Texture
}

// NewAlias creates an alias of origin. The hal object is shared when origin
// exposes one.
func NewAlias(origin xdev.Resource, access xdev.Access) *Alias {
	a := &Alias{
		id:     xdev.NextResourceID(),
		desc:   origin.Desc(),
		origin: origin,
		access: access,
	}
	if bb, ok := origin.(BufferBacked); ok {
		a.buf = bb.HalBuffer()
	}
	if tb, ok := origin.(TextureBacked); ok {
		a.tex = tb.HalTexture()
	}
	return a
}

// ID implements xdev.Resource. Aliases have their own identity.
func (a *Alias) ID() xdev.ResourceID { return a.id }

// Desc implements xdev.Resource.
func (a *Alias) Desc() xdev.ResourceDesc { return a.desc }

// Origin returns the exported resource.
func (a *Alias) Origin() xdev.Resource { return a.origin }

// Access returns the access the alias was opened with.
func (a *Alias) Access() xdev.Access { return a.access }

// Alive reports whether the exporting side still holds the resource.
func (a *Alias) Alive() bool {
	if l, ok := a.origin.(handles.Liveness); ok {
		return l.Alive()
	}
	return true
}

// HalBuffer implements BufferBacked.
func (a *Alias) HalBuffer() hal.Buffer { return a.buf }

// HalTexture implements TextureBacked.
func (a *Alias) HalTexture() hal.Texture { return a.tex }

// ExportResource implements xdev.Device.
func (d *Device) ExportResource(res xdev.Resource, access xdev.Access) (xdev.SharedHandle, error) {
	if res == nil {
		return xdev.SharedHandle{}, fmt.Errorf("halgpu: export nil resource")
	}
	if !res.Desc().Misc.Has(xdev.MiscSharedNTHandle) {
		return xdev.SharedHandle{}, fmt.Errorf("%w: %q", xdev.ErrNotShareable, res.Desc().Label)
	}
	return d.handles.Export(res, xdev.HandleResource, access)
}

// OpenSharedResource implements xdev.Device. The returned alias starts in
// the common state.
func (d *Device) OpenSharedResource(h xdev.SharedHandle, access xdev.Access) (xdev.Resource, error) {
	if h.Kind != xdev.HandleResource {
		return nil, fmt.Errorf("halgpu: %q is not a resource handle", h.Name)
	}
	obj, err := d.handles.Open(h, access)
	if err != nil {
		return nil, err
	}
	origin, ok := obj.(xdev.Resource)
	if !ok {
		return nil, fmt.Errorf("halgpu: %q refers to %T", h.Name, obj)
	}
	a := NewAlias(origin, access)
	d.SetState(a.id, xdev.StateCommon)
	return a, nil
}

// CloseHandle implements xdev.Device.
func (d *Device) CloseHandle(h xdev.SharedHandle) error {
	return d.handles.Close(h)
}

// ForgetState drops the tracked state of a resource that is no longer used
// on this device, such as a closed alias.
func (d *Device) ForgetState(id xdev.ResourceID) {
	d.mu.Lock()
	delete(d.states, id)
	d.mu.Unlock()
}

// CreateSharedFence implements xdev.Device.
func (d *Device) CreateSharedFence(label string) (xdev.Fence, error) {
	return handles.NewFence(d.name, label), nil
}

// ExportFence implements xdev.Device. Only fences created by this device
// can be exported.
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
	if h.Kind != xdev.HandleFence {
		return nil, fmt.Errorf("halgpu: %q is not a fence handle", h.Name)
	}
	obj, err := d.handles.Open(h, xdev.AccessRead)
	if err != nil {
		return nil, err
	}
	hf, ok := obj.(*handles.Fence)
	if !ok {
		return nil, fmt.Errorf("halgpu: %q refers to %T", h.Name, obj)
	}
	return hf.Alias(d.name), nil
}
