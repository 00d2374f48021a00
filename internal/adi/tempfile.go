package adi

import (
	"fmt"
	"os"
)

// writeTempLibrary spills a library's bytes to a host temp file so the
// ELF loader, which reads through debug/elf.Open, has a path to open.
// The file outlives the process; ADI libraries are a few megabytes and
// sessions are typically short-lived processes or request handlers where
// per-session temp cleanup is not worth the added bookkeeping.
func writeTempLibrary(name string, data []byte) (string, error) {
	f, err := os.CreateTemp("", "anisette-"+name+"-*")
	if err != nil {
		return "", fmt.Errorf("adi: create temp file for %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("adi: write temp file for %s: %w", name, err)
	}
	return f.Name(), nil
}
