package adi

import (
	"os"
	"testing"

	"github.com/anisette-go/provider/internal/libstore"
	"github.com/anisette-go/provider/internal/vfs"
)

// testLibraryDir, if set, points at a directory containing real
// libstoreservicescore.so and libCoreADI.so images extracted from an
// Apple Music APK. These binaries are proprietary and not part of this
// repository, so the tests that need a running VM skip themselves when
// the directory is absent.
func testLibraryDir() string {
	return os.Getenv("ANISETTE_TEST_LIBS_DIR")
}

func loadTestStore(t *testing.T) *libstore.Store {
	t.Helper()
	dir := testLibraryDir()
	if dir == "" {
		t.Skip("ANISETTE_TEST_LIBS_DIR not set, skipping test requiring real ADI libraries")
	}

	fs := vfs.New()
	for _, name := range []string{libstore.LibStoreServicesCore, libstore.LibCoreADI} {
		data, err := os.ReadFile(dir + "/" + name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if err := fs.Put(name, data); err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
	}
	return libstore.New(fs)
}

func TestNewReportsFreshDeviceUnprovisioned(t *testing.T) {
	store := loadTestStore(t)

	a, err := New(vfs.New(), store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	const dsID = 0xFFFFFFFFFFFFFFFE // bit pattern of int64(-2)

	if err := a.SetIdentifier("0123456789abcdef"); err != nil {
		t.Fatalf("SetIdentifier: %v", err)
	}

	provisioned, err := a.IsMachineProvisioned(dsID)
	if err != nil {
		t.Fatalf("IsMachineProvisioned: %v", err)
	}
	if provisioned {
		t.Fatalf("expected a fresh device to be unprovisioned")
	}
}

func TestErrNotProvisionedConstant(t *testing.T) {
	if errNotProvisioned != -45061 {
		t.Errorf("errNotProvisioned must stay exactly -45061, got %d", errNotProvisioned)
	}
}
