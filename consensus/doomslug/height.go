package doomslug

import "math"

// BlockHeight identifies a position along a chain. Heights increase
// monotonically.
type BlockHeight uint64

// BlockHeightDelta is a difference between two heights, or a count of
// heights.
type BlockHeightDelta uint64

// satSubHeight returns a-b, saturating at zero instead of wrapping when
// b > a. Go has no saturating subtraction for unsigned integers in the
// standard library, so this one helper is hand-rolled — see DESIGN.md.
func satSubHeight(a, b BlockHeight) BlockHeightDelta {
	if b >= a {
		return 0
	}
	return BlockHeightDelta(a - b)
}

// saturateToUint32 coerces a height delta to a 32-bit unsigned value,
// saturating at math.MaxUint32 instead of wrapping.
func saturateToUint32(d BlockHeightDelta) uint32 {
	if d > BlockHeightDelta(math.MaxUint32) {
		return math.MaxUint32
	}
	return uint32(d)
}
