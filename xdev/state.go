// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xdev

import (
	"strings"
)

// ResourceState is the usage state a resource is in on a given queue.
// Compute reads use NonPixelShaderResource; compute writes use
// UnorderedAccess.
type ResourceState uint32

// StateCommon is the state of a freshly opened shared resource.
const StateCommon ResourceState = 0

const (
	StateVertexBuffer ResourceState = 1 << iota
	StateIndexBuffer
	StateNonPixelShaderResource
	StatePixelShaderResource
	StateUnorderedAccess
	StateCopySource
	StateCopyDest
)

// StateShaderRead is the steady read state of cascade resources.
const StateShaderRead = StateNonPixelShaderResource | StatePixelShaderResource

var stateNames = []struct {
	s    ResourceState
	name string
}{
	{StateVertexBuffer, "vertex"},
	{StateIndexBuffer, "index"},
	{StateNonPixelShaderResource, "non-pixel-srv"},
	{StatePixelShaderResource, "pixel-srv"},
	{StateUnorderedAccess, "uav"},
	{StateCopySource, "copy-src"},
	{StateCopyDest, "copy-dst"},
}

// String lists the set bits, or "common".
func (s ResourceState) String() string {
	if s == StateCommon {
		return "common"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Barrier is a state transition of one resource.
type Barrier struct {
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

// Inverse returns the barrier that undoes b.
func (b Barrier) Inverse() Barrier {
	return Barrier{Resource: b.Resource, Before: b.After, After: b.Before}
}

// CommandList is the secondary device's current recording list.
// The acceleration library records its own commands into it.
type CommandList interface {
	Label() string
	Transition(barriers ...Barrier)
	Annotate(msg string)
}
