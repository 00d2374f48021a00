package anisette

import (
	"testing"

	"github.com/anisette-go/provider/internal/bits"
)

func TestDsIDConstant(t *testing.T) {
	if dsID != 0xFFFFFFFFFFFFFFFE {
		t.Fatalf("dsID must stay the bit pattern of int64(-2), got 0x%X", dsID)
	}
	if bits.UToS64(dsID) != -2 {
		t.Fatalf("dsID must reinterpret back to -2, got %d", bits.UToS64(dsID))
	}
}
