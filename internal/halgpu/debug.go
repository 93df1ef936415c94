// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/voxgi/xdev"
)

// debugShaderSource fills the debug view with a brick-sized checker whose
// brightness grows with the instance count when bit 0 of flags is set.
// Pixels are packed 0xAABBGGRR.
const debugShaderSource = `
struct Params {
    width: u32,
    height: u32,
    instances: u32,
    flags: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read_write> pixels: array<u32>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x >= params.width || id.y >= params.height) {
        return;
    }
    let cell = ((id.x / 8u) + (id.y / 8u)) & 1u;
    var shade = 0x40u + cell * 0x40u;
    if ((params.flags & 1u) != 0u) {
        shade = shade + min(params.instances, 0x7fu);
    }
    pixels[id.y * params.width + id.x] = 0xff000000u | (shade << 16u) | (shade << 8u) | shade;
}
`

const debugParamsSize = 16

// DebugPass records the debug-visualization compute pass.
type DebugPass struct {
	dev      *Device
	res      gpuResources
	pipeline hal.ComputePipeline
	layout   hal.BindGroupLayout
	params   hal.Buffer
	groups   map[xdev.ResourceID]hal.BindGroup
}

// NewDebugPass compiles the shader and creates the pipeline.
func NewDebugPass(d *Device) (*DebugPass, error) {
	spirv, err := CompileShaderToSPIRV(debugShaderSource)
	if err != nil {
		return nil, fmt.Errorf("halgpu: debug shader: %w", err)
	}

	p := &DebugPass{dev: d, groups: make(map[xdev.ResourceID]hal.BindGroup)}
	p.res.device = d.device

	p.res.shaderModule, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "voxgi_debug_shader",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create debug shader module: %w", err)
	}

	p.layout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "voxgi_debug_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("halgpu: create debug bind layout: %w", err)
	}
	p.res.bindLayouts = []hal.BindGroupLayout{p.layout}

	p.res.pipelineLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "voxgi_debug_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.layout},
	})
	if err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("halgpu: create debug pipeline layout: %w", err)
	}

	p.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "voxgi_debug_pipeline",
		Layout:  p.res.pipelineLayout,
		Compute: hal.ComputeState{Module: p.res.shaderModule, EntryPoint: "main"},
	})
	if err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("halgpu: create debug pipeline: %w", err)
	}
	p.res.pipelines = []hal.ComputePipeline{p.pipeline}

	p.params, err = d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "voxgi_debug_params",
		Size:  debugParamsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("halgpu: create debug params: %w", err)
	}
	return p, nil
}

func (p *DebugPass) bindGroup(target xdev.Resource, raw hal.Buffer, size uint64) (hal.BindGroup, error) {
	if bg, ok := p.groups[target.ID()]; ok {
		return bg, nil
	}
	bg, err := p.dev.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "voxgi_debug_bind_group",
		Layout: p.layout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: p.params.NativeHandle(), Offset: 0, Size: debugParamsSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: raw.NativeHandle(), Offset: 0, Size: size}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create debug bind group: %w", err)
	}
	p.groups[target.ID()] = bg
	return bg, nil
}

// RecordDebug records a dispatch writing width*height RGBA pixels into
// view, which must be a buffer of this device in the unordered-access
// state.
func (p *DebugPass) RecordDebug(cl xdev.CommandList, view xdev.Resource, width, height, instances, flags uint32) error {
	l, ok := cl.(*CommandList)
	if !ok || l.dev != p.dev {
		return fmt.Errorf("halgpu: debug pass on foreign command list %T", cl)
	}
	if err := l.Err(); err != nil {
		return err
	}
	bb, ok := view.(BufferBacked)
	if !ok || bb.HalBuffer() == nil {
		return fmt.Errorf("%w: debug view %T", ErrForeignResource, view)
	}
	need := uint64(width) * uint64(height) * 4
	if need == 0 || need > view.Desc().Size() {
		return fmt.Errorf("halgpu: debug view %dx%d does not fit %d bytes", width, height, view.Desc().Size())
	}
	if s := p.dev.State(view.ID()); s != xdev.StateUnorderedAccess {
		return fmt.Errorf("%w: debug view is %s", ErrStateMismatch, s)
	}

	bg, err := p.bindGroup(view, bb.HalBuffer(), need)
	if err != nil {
		return err
	}

	var params [debugParamsSize]byte
	binary.LittleEndian.PutUint32(params[0:], width)
	binary.LittleEndian.PutUint32(params[4:], height)
	binary.LittleEndian.PutUint32(params[8:], instances)
	binary.LittleEndian.PutUint32(params[12:], flags)
	p.dev.queue.WriteBuffer(p.params, 0, params[:])

	pass := l.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "voxgi_debug_pass"})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch((width+7)/8, (height+7)/8, 1)
	pass.End()
	return nil
}

// Forget drops the cached bind group of a released view.
func (p *DebugPass) Forget(id xdev.ResourceID) {
	if bg, ok := p.groups[id]; ok {
		p.dev.device.DestroyBindGroup(bg)
		delete(p.groups, id)
	}
}

// Close destroys the pipeline objects.
func (p *DebugPass) Close() {
	for id := range p.groups {
		p.Forget(id)
	}
	if p.params != nil {
		p.dev.device.DestroyBuffer(p.params)
		p.params = nil
	}
	p.res.destroy()
}
