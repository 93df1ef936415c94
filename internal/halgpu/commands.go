// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/logx"
	"github.com/gogpu/voxgi/xdev"
)

// CommandList records into a hal command encoder.
type CommandList struct {
	dev   *Device
	label string
	enc   hal.CommandEncoder
	notes []string
	err   error
}

// Label implements xdev.CommandList.
func (l *CommandList) Label() string { return l.label }

// Annotate implements xdev.CommandList.
func (l *CommandList) Annotate(msg string) {
	l.dev.mu.Lock()
	l.notes = append(l.notes, msg)
	l.dev.mu.Unlock()
	logx.L().Debug("halgpu: annotate", "list", l.label, "msg", msg)
}

// Notes returns the annotations recorded so far.
func (l *CommandList) Notes() []string {
	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	return append([]string(nil), l.notes...)
}

// Encoder returns the hal encoder, nil if the list failed to begin.
func (l *CommandList) Encoder() hal.CommandEncoder { return l.enc }

// Err returns the first recording error.
func (l *CommandList) Err() error {
	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	return l.err
}

func (l *CommandList) failLocked(err error) {
	if l.err == nil {
		l.err = err
	}
}

func textureUsage(s xdev.ResourceState) gputypes.TextureUsage {
	switch {
	case s&xdev.StateUnorderedAccess != 0:
		return gputypes.TextureUsageStorageBinding
	case s&xdev.StateShaderRead != 0:
		return gputypes.TextureUsageTextureBinding
	case s&xdev.StateCopySource != 0:
		return gputypes.TextureUsageCopySrc
	case s&xdev.StateCopyDest != 0:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}

// Transition implements xdev.CommandList. Texture barriers are recorded on
// the encoder; buffer barriers only update tracked state, since the HAL
// derives buffer synchronization from pass usage.
func (l *CommandList) Transition(barriers ...xdev.Barrier) {
	var texBarriers []hal.TextureBarrier

	l.dev.mu.Lock()
	for _, b := range barriers {
		if b.Resource == nil {
			l.failLocked(fmt.Errorf("halgpu: barrier on nil resource"))
			continue
		}
		id := b.Resource.ID()
		if cur := l.dev.states[id]; cur != b.Before {
			l.failLocked(fmt.Errorf("%w: %q is %s, barrier expects %s",
				ErrStateMismatch, b.Resource.Desc().Label, cur, b.Before))
			continue
		}
		l.dev.states[id] = b.After
		if tb, ok := b.Resource.(TextureBacked); ok && tb.HalTexture() != nil {
			texBarriers = append(texBarriers, hal.TextureBarrier{
				Texture: tb.HalTexture(),
				Usage: hal.TextureUsageTransition{
					OldUsage: textureUsage(b.Before),
					NewUsage: textureUsage(b.After),
				},
			})
		}
	}
	enc := l.enc
	l.dev.mu.Unlock()

	if len(texBarriers) > 0 && enc != nil {
		enc.TransitionTextures(texBarriers)
	}
}

// CommandList implements xdev.SecondaryDevice.
func (d *Device) CommandList() xdev.CommandList { return d.recording() }

// recording returns the open list, beginning a new one if needed.
func (d *Device) recording() *CommandList {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return d.current
	}
	d.lists++
	d.stats.Lists++
	l := &CommandList{dev: d, label: fmt.Sprintf("%s_list_%d", d.name, d.lists)}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: l.label})
	if err == nil {
		err = enc.BeginEncoding(l.label)
	}
	if err != nil {
		l.err = fmt.Errorf("halgpu: begin %s: %w", l.label, err)
	} else {
		l.enc = enc
	}
	d.current = l
	return l
}

// Flush implements xdev.SecondaryDevice.
func (d *Device) Flush() error {
	d.mu.Lock()
	l := d.current
	d.current = nil
	var lerr error
	if l != nil {
		lerr = l.err
	}
	d.mu.Unlock()

	if l == nil {
		return nil
	}
	if lerr != nil {
		if l.enc != nil {
			l.enc.DiscardEncoding()
		}
		return lerr
	}
	cmd, err := l.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("halgpu: end %s: %w", l.label, err)
	}
	d.mu.Lock()
	d.pending = append(d.pending, cmd)
	d.mu.Unlock()
	return nil
}

// ReadBuffer implements xdev.SecondaryDevice. Pending lists are submitted
// ahead of the copy.
func (d *Device) ReadBuffer(res xdev.Resource, dst []byte) error {
	bb, ok := res.(BufferBacked)
	if !ok || bb.HalBuffer() == nil {
		return fmt.Errorf("%w: read of %T", ErrForeignResource, res)
	}
	if uint64(len(dst)) > res.Desc().Size() {
		return fmt.Errorf("halgpu: read of %d bytes from %q of %d",
			len(dst), res.Desc().Label, res.Desc().Size())
	}
	if len(dst) == 0 {
		return nil
	}

	size := align4(uint64(len(dst)))
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "voxgi_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("halgpu: create readback buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "voxgi_readback"})
	if err != nil {
		return fmt.Errorf("halgpu: create readback encoder: %w", err)
	}
	if err := enc.BeginEncoding("voxgi_readback"); err != nil {
		return fmt.Errorf("halgpu: begin readback: %w", err)
	}
	enc.CopyBufferToBuffer(bb.HalBuffer(), staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	cmd, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("halgpu: end readback: %w", err)
	}
	if err := d.submitAndWait(cmd); err != nil {
		return err
	}

	if size == uint64(len(dst)) {
		return d.queue.ReadBuffer(staging, 0, dst)
	}
	tmp := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, tmp); err != nil {
		return err
	}
	copy(dst, tmp)
	return nil
}

// queue implements xdev.Queue for a Device.
type queue struct{ d *Device }

// Signal submits every pending list, waits for the GPU to finish them and
// advances f to v. f must be a fence this device created.
func (q queue) Signal(f xdev.Fence, v uint64) error {
	hf, err := handles.AsFence(f)
	if err != nil {
		return err
	}
	if !hf.Owner() || hf.Device() != q.d.name {
		return fmt.Errorf("%w: %s signalled on %s", xdev.ErrNotOwner, hf.Label(), q.d.name)
	}
	if err := q.d.submitAndWait(); err != nil {
		return err
	}
	return hf.Signal(v)
}

// Wait blocks until f reaches v or the fence timeout expires. The HAL has
// no cross-device queue wait, so the wait happens before later submissions
// instead of on the GPU timeline.
func (q queue) Wait(f xdev.Fence, v uint64) error {
	hf, err := handles.AsFence(f)
	if err != nil {
		return err
	}
	if err := hf.WaitTimeout(v, q.d.timeout); err != nil {
		if errors.Is(err, xdev.ErrFenceStall) {
			logx.Critical("halgpu: fence stall", "device", q.d.name, "fence", hf.Label(), "value", v)
		}
		return err
	}
	return nil
}
