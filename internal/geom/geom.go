// Package geom provides the small amount of 3D math the instance lifecycle
// needs: transforming bounding volumes and measuring displacement.
package geom

import "math"

// Vec3 is a 3D point or displacement.
type Vec3 struct {
	X, Y, Z float32
}

// V3 is a convenience function to create a Vec3.
func V3(x, y, z float32) Vec3 { return Vec3{X: x, Y: y, Z: z} }

// FromArray converts a [3]float32.
func FromArray(a [3]float32) Vec3 { return Vec3{X: a[0], Y: a[1], Z: a[2]} }

// Array converts v to a [3]float32.
func (v Vec3) Array() [3]float32 { return [3]float32{v.X, v.Y, v.Z} }

// Add returns the sum of two vectors.
func (v Vec3) Add(w Vec3) Vec3 { return Vec3{X: v.X + w.X, Y: v.Y + w.Y, Z: v.Z + w.Z} }

// Sub returns the difference of two vectors.
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{X: v.X - w.X, Y: v.Y - w.Y, Z: v.Z - w.Z} }

// Length returns the Euclidean length.
func (v Vec3) Length() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// Distance returns the distance between two points.
func Distance(a, b Vec3) float32 { return a.Sub(b).Length() }

// Min returns the componentwise minimum.
func (v Vec3) Min(w Vec3) Vec3 {
	return Vec3{X: min(v.X, w.X), Y: min(v.Y, w.Y), Z: min(v.Z, w.Z)}
}

// Max returns the componentwise maximum.
func (v Vec3) Max(w Vec3) Vec3 {
	return Vec3{X: max(v.X, w.X), Y: max(v.Y, w.Y), Z: max(v.Z, w.Z)}
}

// Mat3x4 is a row-major 3x4 affine transform.
//
//	| m[0] m[1]  m[2]  m[3]  |
//	| m[4] m[5]  m[6]  m[7]  |
//	| m[8] m[9]  m[10] m[11] |
type Mat3x4 [12]float32

// Identity returns the identity transform.
func Identity() Mat3x4 {
	return Mat3x4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0}
}

// TransformPoint applies m to p, translation included.
func (m Mat3x4) TransformPoint(p Vec3) Vec3 {
	return Vec3{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max Vec3
}

// FromSphere returns the box enclosing a sphere.
func FromSphere(center Vec3, radius float32) AABB {
	r := Vec3{X: radius, Y: radius, Z: radius}
	return AABB{Min: center.Sub(r), Max: center.Add(r)}
}

// Corner returns corner i (0..7). Bit 0 selects X, bit 1 Y, bit 2 Z;
// a set bit picks Max. Corner(0) is Min.
func (b AABB) Corner(i int) Vec3 {
	c := b.Min
	if i&1 != 0 {
		c.X = b.Max.X
	}
	if i&2 != 0 {
		c.Y = b.Max.Y
	}
	if i&4 != 0 {
		c.Z = b.Max.Z
	}
	return c
}

// Transform returns the world-space box of b under m: all eight corners
// are transformed and the componentwise min/max taken.
func (b AABB) Transform(m Mat3x4) AABB {
	p := m.TransformPoint(b.Corner(0))
	out := AABB{Min: p, Max: p}
	for i := 1; i < 8; i++ {
		p = m.TransformPoint(b.Corner(i))
		out.Min = out.Min.Min(p)
		out.Max = out.Max.Max(p)
	}
	return out
}

// Empty reports whether the box has no volume along any axis.
func (b AABB) Empty() bool {
	return b.Max.X <= b.Min.X || b.Max.Y <= b.Min.Y || b.Max.Z <= b.Min.Z
}
