// Package accel is the contract of the sparse voxel acceleration library.
//
// The library is a black box: it owns the distance-field construction and
// records its own compute work into a caller-supplied command list. Every
// entry point returns a Result code and never panics across the boundary.
//
// Call pattern per frame:
//
//	lib.CreateInstances / lib.DeleteInstances   // scene reconciliation
//	lib.Bake(desc)                              // writes *desc.OutScratchSize
//	lib.Update(desc)                            // records GPU work
package accel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/voxgi/xdev"
)

// ErrLibrary is wrapped by every error derived from a non-OK Result.
var ErrLibrary = errors.New("accel: library call failed")

// Result is the status code returned by library entry points.
type Result int32

const (
	OK Result = iota
	InvalidArgument
	OutOfMemory
	NotFound
	Internal
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfMemory:
		return "OutOfMemory"
	case NotFound:
		return "NotFound"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Result(%d)", int32(r))
	}
}

// Err converts r to an error. OK yields nil.
func (r Result) Err(op string) error {
	if r == OK {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrLibrary, op, r)
}

// BufferHandle is the library's name for an imported buffer. Zero is invalid.
type BufferHandle uint32

// InstanceID is the library's name for an instance. Zero is invalid.
type InstanceID uint64

// BufferDesc imports one secondary-device buffer read-only.
type BufferDesc struct {
	Resource  xdev.Resource
	ByteWidth uint64
}

// InstanceDesc describes one piece of geometry contributing to the
// distance field.
type InstanceDesc struct {
	BoundsMin [3]float32
	BoundsMax [3]float32
	// Transform is row-major 3x4.
	Transform [12]float32

	VertexBuffer   BufferHandle
	IndexBuffer    BufferHandle
	VertexStride   uint32
	PositionOffset uint32
	PositionFormat xdev.Format
	IndexFormat    xdev.Format
	TriangleCount  uint32
	VertexCount    uint32
}

// DebugFlags select what the library writes into the debug view.
type DebugFlags uint32

const (
	DebugBricks DebugFlags = 1 << iota
	DebugDistance
	DebugInstances
	DebugCascades
)

var debugFlagNames = []struct {
	flag DebugFlags
	name string
}{
	{DebugBricks, "bricks"},
	{DebugDistance, "distance"},
	{DebugInstances, "instances"},
	{DebugCascades, "cascades"},
}

// String joins the set flag names with "|", or returns "off".
func (f DebugFlags) String() string {
	if f == 0 {
		return "off"
	}
	var parts []string
	for _, n := range debugFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseDebugFlags ORs the named flags together.
func ParseDebugFlags(names []string) (DebugFlags, error) {
	var f DebugFlags
next:
	for _, s := range names {
		for _, n := range debugFlagNames {
			if strings.EqualFold(s, n.name) {
				f |= n.flag
				continue next
			}
		}
		return 0, fmt.Errorf("accel: unknown debug flag %q", s)
	}
	return f, nil
}

// CascadeBinding is the per-cascade resource pair.
type CascadeBinding struct {
	Tree     xdev.Resource
	BrickMap xdev.Resource
}

// UpdateDesc is shared by Bake and Update.
type UpdateDesc struct {
	FrameIndex    uint64
	Center        [3]float32
	DebugFlags    DebugFlags
	MaxReferences uint32
	MaxTriangles  uint32

	// OutScratchSize receives the scratch requirement from Bake.
	OutScratchSize *uint64

	Cascades   []CascadeBinding
	Atlas      xdev.Resource
	BrickAABBs xdev.Resource
	Scratch    xdev.Resource
	// DebugView is optional.
	DebugView xdev.Resource

	// CommandList receives the commands recorded by Update.
	CommandList xdev.CommandList
}

// Library is the acceleration library.
type Library interface {
	// RegisterBuffers imports buffers and writes one handle per descriptor
	// into out, which must be at least as long as descs.
	RegisterBuffers(descs []BufferDesc, out []BufferHandle) Result
	// CreateInstances writes one ID per descriptor into out.
	CreateInstances(descs []InstanceDesc, out []InstanceID) Result
	DeleteInstances(ids []InstanceID) Result
	// Bake computes the scratch requirement without touching the GPU.
	Bake(desc *UpdateDesc) Result
	// Update records the frame's compute work into desc.CommandList.
	Update(desc *UpdateDesc) Result
}
