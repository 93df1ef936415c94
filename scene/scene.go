// Package scene describes the geometry stream a host renderer feeds to
// voxgi during scene traversal.
//
// The subsystem never walks the scene graph itself. The host calls
// voxgi.System.OnGeometryVisible once per visible object per frame with a
// Geometry value, and OnWorldUpdate whenever it recomputes an object's
// world transform.
package scene

import (
	"fmt"
	"strings"

	"github.com/gogpu/voxgi/xdev"
)

// ObjectID is the host's stable identity of a geometry object.
type ObjectID uint64

// Transform is a row-major 3x4 affine world transform. Row i holds the
// i-th output coordinate: out[i] = M[4i]*x + M[4i+1]*y + M[4i+2]*z + M[4i+3].
type Transform [12]float32

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// Translation returns a pure translation.
func Translation(x, y, z float32) Transform {
	t := Identity()
	t[3], t[7], t[11] = x, y, z
	return t
}

// MaterialFlags is the material bitset attached to a geometry object.
type MaterialFlags uint32

const (
	MaterialAlphaBlend MaterialFlags = 1 << iota
	MaterialAlphaTest
	MaterialDepthTest
	MaterialDepthWrite
	MaterialSkinned
	MaterialLOD
	MaterialDecal
	MaterialMultiTextureLandscape
	MaterialTwoSided
	MaterialEmissive
)

var materialNames = []struct {
	f    MaterialFlags
	name string
}{
	{MaterialAlphaBlend, "alpha-blend"},
	{MaterialAlphaTest, "alpha-test"},
	{MaterialDepthTest, "depth-test"},
	{MaterialDepthWrite, "depth-write"},
	{MaterialSkinned, "skinned"},
	{MaterialLOD, "lod"},
	{MaterialDecal, "decal"},
	{MaterialMultiTextureLandscape, "multi-texture-landscape"},
	{MaterialTwoSided, "two-sided"},
	{MaterialEmissive, "emissive"},
}

// Has reports whether all bits of f are set.
func (m MaterialFlags) Has(f MaterialFlags) bool { return m&f == f }

// Any reports whether any bit of f is set.
func (m MaterialFlags) Any(f MaterialFlags) bool { return m&f != 0 }

// Names returns the names of the set flags in bit order.
func (m MaterialFlags) Names() []string {
	var names []string
	for _, n := range materialNames {
		if m&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

// String lists the set flags separated by '|'.
func (m MaterialFlags) String() string {
	if m == 0 {
		return "none"
	}
	return strings.Join(m.Names(), "|")
}

// ParseMaterialFlag parses one flag name as produced by String.
func ParseMaterialFlag(s string) (MaterialFlags, error) {
	for _, n := range materialNames {
		if n.name == s {
			return n.f, nil
		}
	}
	return 0, fmt.Errorf("scene: unknown material flag %q", s)
}

// ParseMaterialFlags ORs together a list of flag names.
func ParseMaterialFlags(names []string) (MaterialFlags, error) {
	var m MaterialFlags
	for _, s := range names {
		f, err := ParseMaterialFlag(strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		m |= f
	}
	return m, nil
}

// Geometry is one visible object as reported by the host's traversal.
//
// VertexBuffer and IndexBuffer are the primary-device identities of the
// buffers the object draws with. VertexDescriptor is the compact key the
// renderer binds the input layout under.
type Geometry struct {
	ID               ObjectID
	World            Transform
	BoundCenter      [3]float32
	BoundRadius      float32
	Material         MaterialFlags
	VertexBuffer     xdev.ResourceID
	IndexBuffer      xdev.ResourceID
	VertexDescriptor uint64
	IndexFormat      xdev.Format
	TriangleCount    uint32
	VertexCount      uint32
}
