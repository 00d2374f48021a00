// Package provision drives the three-step HTTP-mediated provisioning
// handshake against a remote server, then calls into the ADI binding in
// the sequence it requires: obtain SPIM, start_provisioning, submit CPIM,
// end_provisioning. A fresh provisioning run is idempotent once the
// device reports itself provisioned.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/anisette-go/provider/internal/adi"
	"github.com/anisette-go/provider/internal/device"
	"github.com/anisette-go/provider/internal/errs"
	"github.com/anisette-go/provider/internal/vfs"
)

// State is a provisioning run's current step.
type State int

const (
	Unprovisioned State = iota
	Starting
	Midway
	Ending
	Provisioned
	Failed
)

func (s State) String() string {
	switch s {
	case Unprovisioned:
		return "unprovisioned"
	case Starting:
		return "starting"
	case Midway:
		return "midway"
	case Ending:
		return "ending"
	case Provisioned:
		return "provisioned"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ServerConfig names the remote provisioning server this session talks
// to. The source code never formalizes this exchange; the URLs and the
// HTTP client are deployment-specific configuration supplied by the
// caller, never hardcoded here. Request headers are not configurable:
// both requests carry the fixed per-device set built by deviceHeaders.
type ServerConfig struct {
	// SPIMURL is requested with GET to obtain the server provisioning
	// intermediate metadata blob that seeds start_provisioning.
	SPIMURL string
	// CPIMURL is POSTed the CPIM blob start_provisioning produced; the
	// response body carries the PTM/TK pair end_provisioning needs.
	CPIMURL string
	Client  *http.Client
}

func (c *ServerConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Session drives one provisioning handshake for a device/ADI pair,
// rooted at a dedicated "cache" VFS for any transient bookkeeping.
type Session struct {
	cache  *vfs.FS
	adi    *adi.ADI
	device *device.Device
	server ServerConfig
	state  State
}

// New builds a provisioning session. cache is the session's "cache" VFS;
// its contents are opaque bookkeeping, not the provisioning state itself
// (which lives in the ADI binding's own "adi" VFS).
func New(cache *vfs.FS, a *adi.ADI, dev *device.Device, server ServerConfig) *Session {
	return &Session{cache: cache, adi: a, device: dev, server: server, state: Unprovisioned}
}

// State reports the session's current step.
func (s *Session) State() State { return s.state }

// Provision runs the full handshake if the machine is not already
// provisioned; otherwise it is a no-op. If the provisioned check itself
// fails the session enters Failed; if the handshake fails it reverts to
// Unprovisioned. In both cases any ADI-side writes made during the
// attempt are discarded by restoring a VFS snapshot taken before the
// first guest call.
func (s *Session) Provision(ctx context.Context, dsID uint64, adiFS *vfs.FS) error {
	snapshot := adiFS.Snapshot()

	provisioned, err := s.adi.IsMachineProvisioned(dsID)
	if err != nil {
		adiFS.RestoreFrom(snapshot)
		s.state = Failed
		return err
	}
	if provisioned {
		s.state = Provisioned
		return nil
	}

	if err := s.runHandshake(ctx, dsID); err != nil {
		adiFS.RestoreFrom(snapshot)
		s.state = Unprovisioned
		return err
	}

	s.state = Provisioned
	return nil
}

func (s *Session) runHandshake(ctx context.Context, dsID uint64) error {
	s.state = Starting
	spim, err := s.fetchSPIM(ctx)
	if err != nil {
		return fmt.Errorf("provision: fetch spim: %w", err)
	}

	cpim, err := s.adi.StartProvisioning(dsID, spim)
	if err != nil {
		return fmt.Errorf("provision: start_provisioning: %w", err)
	}
	s.state = Midway

	ptm, tk, err := s.submitCPIM(ctx, cpim.CPIM)
	if err != nil {
		return fmt.Errorf("provision: submit cpim: %w", err)
	}
	s.state = Ending

	if err := s.adi.EndProvisioning(cpim.Session, ptm, tk); err != nil {
		return fmt.Errorf("provision: end_provisioning: %w", err)
	}
	return nil
}

// deviceHeaders are the per-device identifiers the server exchange uses
// to correlate a provisioning run with a specific device record.
func (s *Session) deviceHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Apple-I-MD-LU", s.device.LocalUserUUID())
	h.Set("X-Mme-Device-Id", s.device.UniqueDeviceID())
	h.Set("X-Apple-I-SRL-NO", s.device.AdiIdentifier())
	h.Set("User-Agent", s.device.ServerFriendlyDescription())
	return h
}

func (s *Session) fetchSPIM(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.SPIMURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.deviceHeaders()

	resp, err := s.server.client().Do(req)
	if err != nil {
		return nil, &errs.ProtocolError{Reason: fmt.Sprintf("spim request: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &errs.ProtocolError{Reason: fmt.Sprintf("spim request: unexpected status %s", resp.Status)}
	}
	return io.ReadAll(resp.Body)
}

// submitCPIM posts the CPIM blob and splits the server's response into
// the PTM and TK blobs end_provisioning needs. The wire framing is
// opaque to this provider by design (the source never formalizes it);
// this provider uses a minimal length-prefixed split so both blobs
// survive a round trip intact, and treats anything else as a protocol
// error rather than guessing at undocumented structure.
func (s *Session) submitCPIM(ctx context.Context, cpim []byte) (ptm, tk []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.server.CPIMURL, bytes.NewReader(cpim))
	if err != nil {
		return nil, nil, err
	}
	req.Header = s.deviceHeaders()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.server.client().Do(req)
	if err != nil {
		return nil, nil, &errs.ProtocolError{Reason: fmt.Sprintf("cpim submit: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, nil, &errs.ProtocolError{Reason: fmt.Sprintf("cpim submit: unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return splitPTMTK(body)
}

func splitPTMTK(body []byte) (ptm, tk []byte, err error) {
	if len(body) < 4 {
		return nil, nil, &errs.ProtocolError{Reason: "cpim response too short"}
	}
	ptmLen := int(body[0])<<24 | int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if ptmLen < 0 || 4+ptmLen > len(body) {
		return nil, nil, &errs.ProtocolError{Reason: "cpim response length prefix out of range"}
	}
	ptm = body[4 : 4+ptmLen]
	tk = body[4+ptmLen:]
	return ptm, tk, nil
}
