package provision

import (
	"bytes"
	"testing"
)

func TestSplitPTMTK(t *testing.T) {
	ptm := []byte("persistent-token-metadata")
	tk := []byte("trust-key")

	body := make([]byte, 4)
	n := len(ptm)
	body[0] = byte(n >> 24)
	body[1] = byte(n >> 16)
	body[2] = byte(n >> 8)
	body[3] = byte(n)
	body = append(body, ptm...)
	body = append(body, tk...)

	gotPTM, gotTK, err := splitPTMTK(body)
	if err != nil {
		t.Fatalf("splitPTMTK: %v", err)
	}
	if !bytes.Equal(gotPTM, ptm) {
		t.Errorf("ptm mismatch: got %q want %q", gotPTM, ptm)
	}
	if !bytes.Equal(gotTK, tk) {
		t.Errorf("tk mismatch: got %q want %q", gotTK, tk)
	}
}

func TestSplitPTMTKTooShort(t *testing.T) {
	if _, _, err := splitPTMTK([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for short body")
	}
}

func TestSplitPTMTKBadLengthPrefix(t *testing.T) {
	body := []byte{0, 0, 0, 100, 1, 2, 3}
	if _, _, err := splitPTMTK(body); err == nil {
		t.Fatalf("expected error for out-of-range length prefix")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Unprovisioned: "unprovisioned",
		Starting:      "starting",
		Midway:        "midway",
		Ending:        "ending",
		Provisioned:   "provisioned",
		Failed:        "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
