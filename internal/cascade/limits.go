package cascade

import (
	"errors"
	"fmt"
)

// ErrInvalidLimits is returned by Limits.Validate.
var ErrInvalidLimits = errors.New("cascade: invalid limits")

// Limits are the process-lifetime sizes of the cascade resource set.
type Limits struct {
	Cascades      int
	ScratchBytes  uint64
	MaxReferences uint32
	MaxTriangles  uint32

	TreeBytes      uint64 // per cascade
	BrickMapBytes  uint64 // per cascade
	AtlasBytes     uint64
	BrickAABBBytes uint64

	DebugWidth  uint32
	DebugHeight uint32
}

// DefaultLimits returns the built-in sizes.
func DefaultLimits() Limits {
	return Limits{
		Cascades:       4,
		ScratchBytes:   16 << 20,
		MaxReferences:  1 << 20,
		MaxTriangles:   1 << 22,
		TreeBytes:      1 << 20,
		BrickMapBytes:  1 << 20,
		AtlasBytes:     8 << 20,
		BrickAABBBytes: 1 << 20,
		DebugWidth:     256,
		DebugHeight:    256,
	}
}

// Validate reports the first out-of-range field.
func (l Limits) Validate() error {
	switch {
	case l.Cascades < 1 || l.Cascades > 8:
		return fmt.Errorf("%w: cascades %d not in [1, 8]", ErrInvalidLimits, l.Cascades)
	case l.ScratchBytes == 0:
		return fmt.Errorf("%w: zero scratch size", ErrInvalidLimits)
	case l.MaxReferences == 0 || l.MaxTriangles == 0:
		return fmt.Errorf("%w: zero reference or triangle limit", ErrInvalidLimits)
	case l.TreeBytes == 0 || l.BrickMapBytes == 0 || l.AtlasBytes == 0 || l.BrickAABBBytes == 0:
		return fmt.Errorf("%w: zero resource size", ErrInvalidLimits)
	case l.DebugWidth == 0 || l.DebugHeight == 0:
		return fmt.Errorf("%w: empty debug view %dx%d", ErrInvalidLimits, l.DebugWidth, l.DebugHeight)
	}
	return nil
}

// DebugViewBytes is the size of the RGBA8 debug view.
func (l Limits) DebugViewBytes() uint64 {
	return uint64(l.DebugWidth) * uint64(l.DebugHeight) * 4
}
