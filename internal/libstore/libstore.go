// Package libstore manages the "libs" virtual filesystem subtree holding
// the two ADI shared objects, however they were obtained: extracted from
// an APK, loaded from a previously saved bundle, or downloaded from a
// provisioning-library server.
package libstore

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"

	"github.com/anisette-go/provider/internal/errs"
	"github.com/anisette-go/provider/internal/vfs"
)

const path = "libs"

// Names of the two libraries this provider ever loads, in the ABI
// expected by the ARM64 (arm64-v8a) APK slice.
const (
	LibStoreServicesCore = "libstoreservicescore.so"
	LibCoreADI           = "libCoreADI.so"
)

var requiredLibraries = []string{LibStoreServicesCore, LibCoreADI}

const apkArch = "arm64-v8a"

// Store wraps a VFS rooted at "libs" holding the two ADI libraries.
type Store struct {
	fs *vfs.FS
}

// New wraps an already-populated "libs" filesystem (e.g. one member of a
// loaded Collection).
func New(fs *vfs.FS) *Store {
	return &Store{fs: fs}
}

// FS returns the underlying filesystem, for registration into a
// Collection.
func (s *Store) FS() *vfs.FS { return s.fs }

// InitFromAPK extracts the two required libraries from an Android APK
// (a standard ZIP archive) at lib/<arch>/<name>.so, into a fresh store.
func InitFromAPK(r io.ReaderAt, size int64) (*Store, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("libstore: open apk: %w", err)
	}

	fs := vfs.New()
	for _, name := range requiredLibraries {
		entryPath := fmt.Sprintf("lib/%s/%s", apkArch, name)
		f, err := zr.Open(entryPath)
		if err != nil {
			return nil, &errs.NotFoundError{Kind: "apk entry", Name: entryPath}
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("libstore: read %s: %w", entryPath, err)
		}
		if err := fs.Put(name, data); err != nil {
			return nil, fmt.Errorf("libstore: write %s: %w", name, err)
		}
	}
	return &Store{fs: fs}, nil
}

// FromTar loads a store previously saved as a standalone ustar archive.
func FromTar(r io.Reader) (*Store, error) {
	fs, err := vfs.Load(r)
	if err != nil {
		return nil, fmt.Errorf("libstore: load tar: %w", err)
	}
	return &Store{fs: fs}, nil
}

// OpenLibrary returns the bytes of the named library, or NotFoundError.
func (s *Store) OpenLibrary(name string) ([]byte, error) {
	data, err := s.fs.ReadFile(name)
	if err != nil {
		return nil, &errs.NotFoundError{Kind: "library", Name: name}
	}
	return data, nil
}

// Ready reports whether both required libraries are present.
func (s *Store) Ready() bool {
	for _, name := range requiredLibraries {
		if !s.fs.Exists(name) {
			return false
		}
	}
	return true
}

// sniff distinguishes a ZIP (APK) payload from a ustar tar payload by
// magic bytes, so a downloaded bundle can be dispatched without relying
// on HTTP content-type headers.
func sniff(data []byte) string {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04")) {
		return "zip"
	}
	if len(data) >= 262 && bytes.Equal(data[257:262], []byte("ustar")) {
		return "tar"
	}
	return "unknown"
}

// FromBytes dispatches a downloaded library bundle to InitFromAPK or
// FromTar based on its magic bytes.
func FromBytes(data []byte) (*Store, error) {
	switch sniff(data) {
	case "zip":
		return InitFromAPK(bytes.NewReader(data), int64(len(data)))
	case "tar":
		return FromTar(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("libstore: unrecognized library bundle format")
	}
}
