// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xdev

import (
	"fmt"
	"sync/atomic"
)

// ResourceKind distinguishes buffers from textures.
type ResourceKind uint8

const (
	KindBuffer ResourceKind = iota
	KindTexture
)

// String returns the kind name.
func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	default:
		return fmt.Sprintf("ResourceKind(%d)", uint8(k))
	}
}

// BindFlags describe how the renderer binds a resource to the pipeline.
type BindFlags uint32

const (
	BindVertexBuffer BindFlags = 1 << iota
	BindIndexBuffer
	BindConstantBuffer
	BindShaderResource
	BindUnorderedAccess
	BindRenderTarget
	BindDepthStencil
)

// Has reports whether all bits of f are set.
func (b BindFlags) Has(f BindFlags) bool { return b&f == f }

// MiscFlags carry creation options unrelated to binding.
type MiscFlags uint32

const (
	// MiscShared allows legacy (non-NT) sharing. voxgi does not accept it
	// for cross-device import.
	MiscShared MiscFlags = 1 << iota
	// MiscSharedNTHandle allows the resource to be exported as a named
	// shareable handle.
	MiscSharedNTHandle
	// MiscSharedKeyedMutex adds a keyed mutex to a shared resource.
	MiscSharedKeyedMutex
)

// Has reports whether all bits of f are set.
func (m MiscFlags) Has(f MiscFlags) bool { return m&f == f }

// ResourceDesc is the creation descriptor of a buffer or texture.
// ByteWidth is used by buffers; Width, Height and Format by textures.
type ResourceDesc struct {
	Label     string
	Kind      ResourceKind
	ByteWidth uint64
	Width     uint32
	Height    uint32
	Format    Format
	Bind      BindFlags
	Misc      MiscFlags
}

// Size returns the allocation size in bytes.
func (d ResourceDesc) Size() uint64 {
	if d.Kind == KindTexture {
		return uint64(d.Width) * uint64(d.Height) * uint64(d.Format.Size())
	}
	return d.ByteWidth
}

// ResourceID is a process-unique resource identity.
// Zero is never assigned.
type ResourceID uint64

var lastResourceID atomic.Uint64

// NextResourceID returns a fresh process-unique identity.
func NextResourceID() ResourceID {
	return ResourceID(lastResourceID.Add(1))
}

// Resource is a buffer or texture living on one device.
type Resource interface {
	ID() ResourceID
	Desc() ResourceDesc
}

// Access is the access mode requested when exporting or opening a
// shared resource.
type Access uint8

const (
	AccessRead Access = iota
	AccessReadWrite
)

// String returns the access name.
func (a Access) String() string {
	if a == AccessReadWrite {
		return "read-write"
	}
	return "read"
}

// SharedHandle names an exported resource or fence. Handles are valid
// across devices in the same process until closed.
type SharedHandle struct {
	Name string
	Kind HandleKind
}

// IsZero reports whether h is the empty handle.
func (h SharedHandle) IsZero() bool { return h.Name == "" }

// HandleKind tells what a SharedHandle refers to.
type HandleKind uint8

const (
	HandleResource HandleKind = iota
	HandleFence
)

// InputElement is one element of a vertex input layout, in the order the
// renderer declared it.
type InputElement struct {
	Semantic          string
	SemanticIndex     uint32
	Format            Format
	InputSlot         uint32
	AlignedByteOffset uint32
}
