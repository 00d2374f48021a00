package vfs

import (
	"archive/tar"
	"fmt"
	"io"
)

// Save serializes the filesystem as a ustar tar archive: one entry per
// regular file, directories implied by path prefixes. File order is
// deterministic (lexical) so that saving the same tree twice produces
// byte-identical output.
func (f *FS) Save(w io.Writer) error {
	tw := tar.NewWriter(w)
	err := f.walk(func(path string, data []byte) error {
		hdr := &tar.Header{
			Name: path,
			Mode: ModeFile,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("vfs: write tar header for %q: %w", path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("vfs: write tar body for %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// Load populates the filesystem from a ustar tar archive previously
// produced by Save. Directory entries in the archive are honored but not
// required; files implicitly create their parent directories.
func Load(r io.Reader) (*FS, error) {
	f := New()
	if err := f.LoadInto(r); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadInto merges the contents of a tar archive into an existing
// filesystem, overwriting any files at colliding paths.
func (f *FS) LoadInto(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("vfs: read tar header: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := f.Mkdir(hdr.Name); err != nil {
				return fmt.Errorf("vfs: mkdir %q from tar: %w", hdr.Name, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("vfs: read tar body for %q: %w", hdr.Name, err)
			}
			if err := f.Put(hdr.Name, data); err != nil {
				return fmt.Errorf("vfs: write %q from tar: %w", hdr.Name, err)
			}
		}
	}
}
