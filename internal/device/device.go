// Package device manages the persistent device identity record ADI binds
// itself to: a UUID, a human-readable client description, and two
// randomly generated identifiers. The record lives as JSON at
// device.json in the "device" virtual filesystem and is rewritten after
// every mutation, matching how the original implementation kept the
// on-disk record always in sync with the in-memory one.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/anisette-go/provider/internal/vfs"
)

const recordPath = "device.json"

// record is the on-disk JSON shape. Field names match the original
// implementation's exactly, since the provisioning server and any
// compatible client tooling expect them verbatim.
type record struct {
	UUID        string `json:"UUID"`
	ClientInfo  string `json:"clientInfo"`
	Identifier  string `json:"identifier"`
	LocalUUID   string `json:"localUUID"`
}

// defaultClientInfo is the literal Apple client-info string used when no
// device config is supplied. It identifies a specific, plausible-looking
// but fixed hardware/software combination; ADI does not validate it
// beyond parsing.
const defaultClientInfo = `<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>`

// Device is a device identity record backed by a VFS.
type Device struct {
	fs          *vfs.FS
	initialized bool
	rec         record
}

// Config supplies explicit field values; zero-valued fields are replaced
// with freshly generated defaults, matching AnisetteDeviceConfig.default().
type Config struct {
	ServerFriendlyDescription string
	UniqueDeviceID            string
	AdiID                     string
	LocalUserUUID             string
}

// DefaultConfig generates a complete random Config the way the original
// implementation's AnisetteDeviceConfig.default() does: a fresh UUIDv4 for
// the device id, 16 lowercase hex characters for the ADI identifier, and
// 32 random bytes (64 uppercase hex characters) for the local user UUID.
func DefaultConfig() (Config, error) {
	adiID, err := randomHex(8) // 8 bytes -> 16 hex chars
	if err != nil {
		return Config{}, err
	}
	localUUID, err := randomHex(32) // 32 bytes -> 64 hex chars
	if err != nil {
		return Config{}, err
	}
	return Config{
		ServerFriendlyDescription: defaultClientInfo,
		UniqueDeviceID:            strings.ToUpper(uuid.NewString()),
		AdiID:                     strings.ToLower(adiID),
		LocalUserUUID:             strings.ToUpper(localUUID),
	}, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("device: generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Load reads device.json from fs if present; if absent, the returned
// Device is uninitialized (Initialized() reports false) until Apply is
// called.
func Load(fs *vfs.FS) (*Device, error) {
	d := &Device{fs: fs}
	data, err := fs.ReadFile(recordPath)
	if err != nil {
		return d, nil
	}
	if err := json.Unmarshal(data, &d.rec); err != nil {
		return nil, fmt.Errorf("device: parse %s: %w", recordPath, err)
	}
	d.initialized = true
	return d, nil
}

// Initialized reports whether the device holds a record, either loaded
// from disk by Load or set by Apply.
func (d *Device) Initialized() bool { return d.initialized }

// Apply sets every field from cfg (filling in defaults for zero fields)
// and persists the record. Call this once, right after Load, when
// Initialized() is false.
func (d *Device) Apply(cfg Config) error {
	defaults, err := DefaultConfig()
	if err != nil {
		return err
	}
	if cfg.ServerFriendlyDescription == "" {
		cfg.ServerFriendlyDescription = defaults.ServerFriendlyDescription
	}
	if cfg.UniqueDeviceID == "" {
		cfg.UniqueDeviceID = defaults.UniqueDeviceID
	}
	if cfg.AdiID == "" {
		cfg.AdiID = defaults.AdiID
	}
	if cfg.LocalUserUUID == "" {
		cfg.LocalUserUUID = defaults.LocalUserUUID
	}

	d.rec = record{
		UUID:       cfg.UniqueDeviceID,
		ClientInfo: cfg.ServerFriendlyDescription,
		Identifier: cfg.AdiID,
		LocalUUID:  cfg.LocalUserUUID,
	}
	d.initialized = true
	return d.write()
}

func (d *Device) write() error {
	data, err := json.Marshal(d.rec)
	if err != nil {
		return fmt.Errorf("device: marshal record: %w", err)
	}
	return d.fs.WriteFile(recordPath, data)
}

// UniqueDeviceID returns the device UUID.
func (d *Device) UniqueDeviceID() string { return d.rec.UUID }

// ServerFriendlyDescription returns the client-info string.
func (d *Device) ServerFriendlyDescription() string { return d.rec.ClientInfo }

// AdiIdentifier returns the 16-character lowercase hex ADI identifier
// (the "android id" ADI's SetAndroidID binds to).
func (d *Device) AdiIdentifier() string { return d.rec.Identifier }

// LocalUserUUID returns the 64-character uppercase hex local user UUID.
func (d *Device) LocalUserUUID() string { return d.rec.LocalUUID }

// SetUniqueDeviceID updates and persists the device UUID.
func (d *Device) SetUniqueDeviceID(v string) error {
	d.rec.UUID = v
	return d.write()
}

// SetServerFriendlyDescription updates and persists the client-info string.
func (d *Device) SetServerFriendlyDescription(v string) error {
	d.rec.ClientInfo = v
	return d.write()
}

// SetAdiIdentifier updates and persists the ADI identifier.
func (d *Device) SetAdiIdentifier(v string) error {
	d.rec.Identifier = v
	return d.write()
}

// SetLocalUserUUID updates and persists the local user UUID.
func (d *Device) SetLocalUserUUID(v string) error {
	d.rec.LocalUUID = v
	return d.write()
}
