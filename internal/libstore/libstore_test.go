package libstore

import (
	"archive/zip"
	"bytes"
	"testing"
)

func buildTestAPK(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range requiredLibraries {
		w, err := zw.Create("lib/arm64-v8a/" + name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte("ELF-" + name)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestInitFromAPK(t *testing.T) {
	data := buildTestAPK(t)
	store, err := InitFromAPK(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("InitFromAPK: %v", err)
	}
	if !store.Ready() {
		t.Fatalf("expected store to be ready after extraction")
	}
	got, err := store.OpenLibrary(LibCoreADI)
	if err != nil {
		t.Fatalf("OpenLibrary: %v", err)
	}
	if string(got) != "ELF-"+LibCoreADI {
		t.Errorf("got %q", got)
	}
}

func TestFromBytesSniffsZip(t *testing.T) {
	data := buildTestAPK(t)
	store, err := FromBytes(data)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !store.Ready() {
		t.Fatalf("expected store to be ready")
	}
}

func TestFromBytesSniffsTar(t *testing.T) {
	data := buildTestAPK(t)
	store, err := InitFromAPK(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("InitFromAPK: %v", err)
	}

	var tarBuf bytes.Buffer
	if err := store.fs.Save(&tarBuf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := FromBytes(tarBuf.Bytes())
	if err != nil {
		t.Fatalf("FromBytes tar: %v", err)
	}
	if !reloaded.Ready() {
		t.Fatalf("expected reloaded store to be ready")
	}
}
