package vfs

import (
	"archive/tar"
	"fmt"
	"io"
	"sort"
)

// Collection bundles several named virtual filesystems (conventionally
// "libs", "device", "adi", "cache") into one archive, each subtree rooted
// at "/<name>/" within the combined tar. This lets a single saved bundle
// carry both the (large, rarely-changing) extracted libraries and the
// (small, frequently-changing) provisioning state, while still allowing
// them to be saved and loaded separately.
type Collection struct {
	fss map[string]*FS
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{fss: map[string]*FS{}}
}

// Set registers fs under name, replacing any existing entry.
func (c *Collection) Set(name string, fs *FS) {
	c.fss[name] = fs
}

// Get returns the filesystem registered under name, creating and
// registering an empty one if absent.
func (c *Collection) Get(name string) *FS {
	if fs, ok := c.fss[name]; ok {
		return fs
	}
	fs := New()
	c.fss[name] = fs
	return fs
}

// Has reports whether name has been registered.
func (c *Collection) Has(name string) bool {
	_, ok := c.fss[name]
	return ok
}

func (c *Collection) names() []string {
	names := make([]string, 0, len(c.fss))
	for name := range c.fss {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// saveSet controls which named filesystems Save includes.
type saveSet struct {
	include map[string]bool // nil means "all"
	exclude map[string]bool
}

func (s saveSet) allows(name string) bool {
	if s.include != nil {
		return s.include[name]
	}
	return !s.exclude[name]
}

// SaveOption configures a Save call.
type SaveOption func(*saveSet)

// Include restricts Save to exactly the named filesystems.
func Include(names ...string) SaveOption {
	return func(s *saveSet) {
		if s.include == nil {
			s.include = map[string]bool{}
		}
		for _, n := range names {
			s.include[n] = true
		}
	}
}

// Exclude omits the named filesystems from an otherwise-complete Save.
func Exclude(names ...string) SaveOption {
	return func(s *saveSet) {
		if s.exclude == nil {
			s.exclude = map[string]bool{}
		}
		for _, n := range names {
			s.exclude[n] = true
		}
	}
}

// Save writes a combined tar archive of the selected named filesystems,
// each under a "/<name>/" prefix. With no options, every registered
// filesystem is written (the "save_all" bundle); Include/Exclude select a
// subset (e.g. "save_libs" or "save_provisioning").
func (c *Collection) Save(w io.Writer, opts ...SaveOption) error {
	set := saveSet{}
	for _, opt := range opts {
		opt(&set)
	}

	tw := tar.NewWriter(w)
	for _, name := range c.names() {
		if !set.allows(name) {
			continue
		}
		fs := c.fss[name]
		err := fs.walk(func(path string, data []byte) error {
			full := name + "/" + path
			hdr := &tar.Header{Name: full, Mode: ModeFile, Size: int64(len(data))}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("vfs: collection write header %q: %w", full, err)
			}
			_, err := tw.Write(data)
			return err
		})
		if err != nil {
			return err
		}
	}
	return tw.Close()
}

// LoadCollection reads a combined tar archive previously produced by
// Save, splitting entries by their top-level path component back into
// per-name filesystems.
func LoadCollection(r io.Reader) (*Collection, error) {
	c := NewCollection()
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			return nil, fmt.Errorf("vfs: collection read header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}
		name, rest, ok := splitTop(hdr.Name)
		if !ok {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("vfs: collection read body %q: %w", hdr.Name, err)
		}
		if err := c.Get(name).Put(rest, data); err != nil {
			return nil, fmt.Errorf("vfs: collection write %q: %w", hdr.Name, err)
		}
	}
}

func splitTop(path string) (top, rest string, ok bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:], true
		}
	}
	return "", "", false
}
