package vfs

import (
	"bytes"
	"testing"
)

func newPopulated() *Collection {
	c := NewCollection()
	c.Get("libs").WriteFile("libstoreservicescore.so", []byte("elf1"))
	c.Get("device").WriteFile("device.json", []byte("{}"))
	return c
}

func TestCollectionSaveAllRoundTrip(t *testing.T) {
	c := newPopulated()

	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadCollection(&buf)
	if err != nil {
		t.Fatalf("LoadCollection: %v", err)
	}
	if !loaded.Has("libs") || !loaded.Has("device") {
		t.Fatalf("expected both libs and device present, got %v", loaded.names())
	}
	got, err := loaded.Get("device").ReadFile("device.json")
	if err != nil || string(got) != "{}" {
		t.Errorf("device.json mismatch: %q err=%v", got, err)
	}
}

func TestCollectionSplitSave(t *testing.T) {
	c := newPopulated()

	var libsOnly bytes.Buffer
	if err := c.Save(&libsOnly, Include("libs")); err != nil {
		t.Fatalf("Save libs: %v", err)
	}
	loadedLibs, err := LoadCollection(&libsOnly)
	if err != nil {
		t.Fatalf("LoadCollection libs: %v", err)
	}
	if loadedLibs.Has("device") {
		t.Errorf("did not expect device in libs-only bundle")
	}

	var rest bytes.Buffer
	if err := c.Save(&rest, Exclude("libs")); err != nil {
		t.Fatalf("Save exclude libs: %v", err)
	}
	loadedRest, err := LoadCollection(&rest)
	if err != nil {
		t.Fatalf("LoadCollection rest: %v", err)
	}
	if loadedRest.Has("libs") {
		t.Errorf("did not expect libs in the non-libs bundle")
	}
	if !loadedRest.Has("device") {
		t.Errorf("expected device in the non-libs bundle")
	}
}
