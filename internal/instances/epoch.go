package instances

// Epoch is the visibility marker of a tracked object.
//
// Each reconciliation pass has a current epoch, either Even or Odd.
// Objects seen during traversal take the current epoch; at the end of the
// pass every object whose marker differs is evicted and the current epoch
// flips. Never is the marker of an object that has not been seen by any
// pass and never equals a pass epoch.
type Epoch uint8

const (
	EpochNever Epoch = iota
	EpochEven
	EpochOdd
)

// Flip returns the epoch of the next pass. Never flips to Even.
func (e Epoch) Flip() Epoch {
	if e == EpochEven {
		return EpochOdd
	}
	return EpochEven
}

// String returns the epoch name.
func (e Epoch) String() string {
	switch e {
	case EpochEven:
		return "even"
	case EpochOdd:
		return "odd"
	default:
		return "never"
	}
}
