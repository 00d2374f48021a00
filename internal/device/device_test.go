package device

import (
	"testing"

	"github.com/anisette-go/provider/internal/vfs"
)

func TestApplyGeneratesDefaultsAndPersists(t *testing.T) {
	fs := vfs.New()
	d, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Initialized() {
		t.Fatalf("expected uninitialized device on empty fs")
	}

	if err := d.Apply(Config{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !d.Initialized() {
		t.Fatalf("expected initialized after Apply")
	}
	if len(d.AdiIdentifier()) != 16 {
		t.Errorf("expected 16-char adi identifier, got %q", d.AdiIdentifier())
	}
	if len(d.LocalUserUUID()) != 64 {
		t.Errorf("expected 64-char local uuid, got %q (%d)", d.LocalUserUUID(), len(d.LocalUserUUID()))
	}
	const wantClientInfo = "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"
	if got := d.ServerFriendlyDescription(); got != wantClientInfo {
		t.Errorf("ServerFriendlyDescription() = %q, want %q", got, wantClientInfo)
	}

	reloaded, err := Load(fs)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Initialized() {
		t.Fatalf("expected reload to find the persisted record")
	}
	if reloaded.UniqueDeviceID() != d.UniqueDeviceID() {
		t.Errorf("uuid mismatch after reload")
	}
}

func TestSetterPersists(t *testing.T) {
	fs := vfs.New()
	d, _ := Load(fs)
	if err := d.Apply(Config{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := d.SetAdiIdentifier("deadbeefcafef00d"); err != nil {
		t.Fatalf("SetAdiIdentifier: %v", err)
	}

	reloaded, _ := Load(fs)
	if reloaded.AdiIdentifier() != "deadbeefcafef00d" {
		t.Errorf("expected setter to persist, got %q", reloaded.AdiIdentifier())
	}
}
