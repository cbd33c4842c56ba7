package doomslug

import "github.com/holiman/uint256"

// Balance is a weighted-stake amount. It is backed by a 256-bit integer,
// which comfortably supersets the 128-bit range the protocol requires and
// gives us an overflow-free truncated division for the two-thirds
// threshold via MulDivOverflow.
type Balance struct {
	v uint256.Int
}

// ZeroBalance is the additive identity.
var ZeroBalance = Balance{}

// NewBalance returns a Balance holding v.
func NewBalance(v uint64) Balance {
	var b Balance
	b.v.SetUint64(v)
	return b
}

// Add returns the saturating sum of a and b: on overflow the result
// clamps to the maximum representable value instead of wrapping.
func (a Balance) Add(b Balance) Balance {
	var sum Balance
	_, overflow := sum.v.AddOverflow(&a.v, &b.v)
	if overflow {
		var max uint256.Int
		max.Not(&max) // all-ones: the maximum representable value
		return Balance{v: max}
	}
	return sum
}

// Sub returns a-b. Per the protocol's invariants, subtraction only ever
// removes an amount previously added, so an underflow indicates a caller
// bug rather than a reachable state.
func (a Balance) Sub(b Balance) Balance {
	var diff Balance
	_, underflow := diff.v.SubOverflow(&a.v, &b.v)
	debugAssert(!underflow, "balance underflow")
	return diff
}

// IsZero reports whether the balance is zero.
func (a Balance) IsZero() bool {
	return a.v.IsZero()
}

// GreaterThan reports whether a > b.
func (a Balance) GreaterThan(b Balance) bool {
	return a.v.Cmp(&b.v) > 0
}

// ExceedsTwoThirdsOf reports whether a is strictly greater than
// floor(total*2/3). Comparisons are strict per the protocol: implementers
// must not substitute >= for >, since that changes behavior when total is
// exactly divisible by 3.
func (a Balance) ExceedsTwoThirdsOf(total Balance) bool {
	two := uint256.NewInt(2)
	three := uint256.NewInt(3)
	var threshold uint256.Int
	threshold.MulDivOverflow(&total.v, two, three)
	return a.v.Cmp(&threshold) > 0
}

// String renders the balance in decimal, for logging/debugging.
func (a Balance) String() string {
	return a.v.String()
}
