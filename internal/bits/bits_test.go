package bits

import "testing"

func TestRoundTrip32(t *testing.T) {
	cases := []int32{0, 1, -1, -45061, 2147483647, -2147483648}
	for _, c := range cases {
		u := SToU32(c)
		back := UToS32(u)
		if back != c {
			t.Errorf("round trip 32 failed: %d -> %#x -> %d", c, u, back)
		}
	}
}

func TestRoundTrip64(t *testing.T) {
	cases := []int64{0, 1, -1, -2, -45061}
	for _, c := range cases {
		u := SToU64(c)
		back := UToS64(u)
		if back != c {
			t.Errorf("round trip 64 failed: %d -> %#x -> %d", c, u, back)
		}
	}
}

func TestDsIDBitPattern(t *testing.T) {
	const dsID = uint64(0xFFFFFFFFFFFFFFFE)
	if got := SToU64(-2); got != dsID {
		t.Errorf("ds_id bit pattern mismatch: got %#x want %#x", got, dsID)
	}
	if back := UToS64(dsID); back != -2 {
		t.Errorf("ds_id signed round trip mismatch: got %d want -2", back)
	}
}

func TestRoundUpPage(t *testing.T) {
	cases := []struct{ size, page, want uint64 }{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
	}
	for _, c := range cases {
		if got := RoundUpPage(c.size, c.page); got != c.want {
			t.Errorf("RoundUpPage(%d,%d) = %d, want %d", c.size, c.page, got, c.want)
		}
	}
}
