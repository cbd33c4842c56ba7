package doomslug

import "testing"

func TestSatSubHeight(t *testing.T) {
	cases := []struct {
		a, b BlockHeight
		want BlockHeightDelta
	}{
		{10, 3, 7},
		{3, 10, 0},
		{5, 5, 0},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := satSubHeight(c.a, c.b); got != c.want {
			t.Errorf("satSubHeight(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSaturateToUint32(t *testing.T) {
	if got := saturateToUint32(5); got != 5 {
		t.Errorf("saturateToUint32(5) = %d, want 5", got)
	}
	huge := BlockHeightDelta(1) << 40
	if got := saturateToUint32(huge); got != 4294967295 {
		t.Errorf("saturateToUint32(huge) = %d, want max uint32", got)
	}
}
