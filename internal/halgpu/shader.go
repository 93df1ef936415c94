// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// CompileShaderToSPIRV compiles WGSL source to SPIR-V words.
func CompileShaderToSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("spir-v length %d is not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words
	spirvCode := make([]uint32, len(spirvBytes)/4)
	for i := range spirvCode {
		spirvCode[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return spirvCode, nil
}

// gpuResources groups pipeline objects destroyed together.
type gpuResources struct {
	device         hal.Device
	shaderModule   hal.ShaderModule
	pipelineLayout hal.PipelineLayout
	bindLayouts    []hal.BindGroupLayout
	pipelines      []hal.ComputePipeline
}

// destroy releases pipelines before the layouts and shader they use.
func (r *gpuResources) destroy() {
	if r.device == nil {
		return
	}
	for _, p := range r.pipelines {
		if p != nil {
			r.device.DestroyComputePipeline(p)
		}
	}
	if r.pipelineLayout != nil {
		r.device.DestroyPipelineLayout(r.pipelineLayout)
	}
	for _, l := range r.bindLayouts {
		if l != nil {
			r.device.DestroyBindGroupLayout(l)
		}
	}
	if r.shaderModule != nil {
		r.device.DestroyShaderModule(r.shaderModule)
	}
	*r = gpuResources{}
}
