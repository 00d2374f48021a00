// Package anisette is the session façade: it owns every subsystem (library
// store, device record, ADI binding, provisioning session) in the
// leaf-first order the rest of this module builds them in, and exposes
// the small surface a caller actually needs — construct, provision,
// fetch headers, save.
package anisette

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/anisette-go/provider/internal/adi"
	"github.com/anisette-go/provider/internal/bits"
	"github.com/anisette-go/provider/internal/device"
	"github.com/anisette-go/provider/internal/libstore"
	"github.com/anisette-go/provider/internal/logging"
	"github.com/anisette-go/provider/internal/provision"
	"github.com/anisette-go/provider/internal/vfs"
)

// dsID is the u64 value of the bit pattern (u64)(-2), used for every ADI
// call this provider makes. Preserved exactly as the source computes it;
// not "fixed" to a more conventional sentinel.
var dsID = bits.SToU64(-2)

// Header names this provider fills in. Additional headers real Apple
// clients send (client-info, request-id, time) are out of scope here.
const (
	HeaderOTP       = "X-Apple-I-MD"
	HeaderMachineID = "X-Apple-I-MD-M"
)

// collection filesystem names, matching the saved-bundle layout.
const (
	fsLibs   = "libs"
	fsDevice = "device"
	fsAdi    = "adi"
	fsCache  = "cache"
)

// Config supplies the pieces a caller must be explicit about: the
// provisioning server contract and an optional device identity seed. The
// library bundle source is passed separately to Init/Load so this type
// stays free of any guessed-at default URL.
type Config struct {
	Server       provision.ServerConfig
	DeviceConfig device.Config
	Logger       *logging.Logger
}

// Session is one constructed Anisette provider instance: every subsystem
// is built eagerly, in dependency order, at construction time.
type Session struct {
	fsCollection *vfs.Collection
	device       *device.Device
	adi          *adi.ADI
	provisioning *provision.Session
	cfg          Config
}

// InitFromReader builds a fresh session from a library bundle (an APK or
// a previously saved tar of just the "libs" subtree) read from r.
func InitFromReader(r io.Reader, cfg Config) (*Session, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("anisette: read library bundle: %w", err)
	}
	store, err := libstore.FromBytes(data)
	if err != nil {
		return nil, err
	}
	return buildSession(store.FS(), vfs.New(), vfs.New(), vfs.New(), cfg)
}

// InitFromURL downloads a library bundle from url (the caller's own
// server, never a value this package invents) and builds a fresh
// session from it.
func InitFromURL(ctx context.Context, client *http.Client, url string, cfg Config) (*Session, error) {
	store, err := libstore.Fetch(ctx, client, url)
	if err != nil {
		return nil, err
	}
	return buildSession(store.FS(), vfs.New(), vfs.New(), vfs.New(), cfg)
}

// Load reconstructs a session from one or more previously saved bundles
// (in any order: a combined archive, or the split libs/rest pair).
func Load(cfg Config, readers ...io.Reader) (*Session, error) {
	collection := vfs.NewCollection()
	for _, r := range readers {
		part, err := vfs.LoadCollection(r)
		if err != nil {
			return nil, err
		}
		for _, name := range []string{fsLibs, fsDevice, fsAdi, fsCache} {
			if part.Has(name) {
				collection.Set(name, part.Get(name))
			}
		}
	}
	return buildSession(collection.Get(fsLibs), collection.Get(fsDevice), collection.Get(fsAdi), collection.Get(fsCache), cfg)
}

func buildSession(libsFS, deviceFS, adiFS, cacheFS *vfs.FS, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	store := libstore.New(libsFS)
	if !store.Ready() {
		return nil, fmt.Errorf("anisette: library store missing required libraries")
	}

	dev, err := device.Load(deviceFS)
	if err != nil {
		return nil, err
	}
	if !dev.Initialized() {
		if err := dev.Apply(cfg.DeviceConfig); err != nil {
			return nil, err
		}
	}

	binding, err := adi.New(adiFS, store, logger)
	if err != nil {
		return nil, err
	}
	if err := binding.SetIdentifier(dev.AdiIdentifier()); err != nil {
		binding.Close()
		return nil, err
	}

	prov := provision.New(cacheFS, binding, dev, cfg.Server)

	fsCollection := vfs.NewCollection()
	fsCollection.Set(fsLibs, libsFS)
	fsCollection.Set(fsDevice, deviceFS)
	fsCollection.Set(fsAdi, adiFS)
	fsCollection.Set(fsCache, cacheFS)

	return &Session{
		fsCollection: fsCollection,
		device:       dev,
		adi:          binding,
		provisioning: prov,
		cfg:          cfg,
	}, nil
}

// Close releases the underlying emulator VM.
func (s *Session) Close() error { return s.adi.Close() }

// LoadedLibraries reports the two ADI shared objects backing this session.
func (s *Session) LoadedLibraries() []adi.LibraryInfo { return s.adi.LoadedLibraries() }

// Save writes the session's entire state, filtered by include/exclude, as
// a single tar bundle.
func (s *Session) Save(w io.Writer, opts ...vfs.SaveOption) error {
	return s.fsCollection.Save(w, opts...)
}

// SaveProvisioning saves everything except the (large, session-agnostic)
// library images.
func (s *Session) SaveProvisioning(w io.Writer) error {
	return s.Save(w, vfs.Exclude(fsLibs))
}

// SaveLibs saves only the library images, for reuse across sessions.
func (s *Session) SaveLibs(w io.Writer) error {
	return s.Save(w, vfs.Include(fsLibs))
}

// SaveAll saves the complete session in a single archive.
func (s *Session) SaveAll(w io.Writer) error {
	return s.Save(w)
}

// Provision runs the provisioning handshake if the device is not already
// provisioned; otherwise it is a no-op.
func (s *Session) Provision(ctx context.Context) error {
	adiFS := s.fsCollection.Get(fsAdi)
	return s.provisioning.Provision(ctx, dsID, adiFS)
}

// GetData provisions the device if needed and returns a fresh set of
// Anisette headers.
func (s *Session) GetData(ctx context.Context) (map[string]string, error) {
	if err := s.Provision(ctx); err != nil {
		return nil, err
	}

	otp, err := s.adi.RequestOTP(dsID)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		HeaderOTP:       base64.StdEncoding.EncodeToString(otp.OTP),
		HeaderMachineID: base64.StdEncoding.EncodeToString(otp.MachineID),
	}, nil
}
