package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/synclog"
	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// Backfiller is the one syncpeer.Engine method Manager needs on pairing
// completion (spec.md §4.9 step 8: "both sides enqueue a one-shot
// backfill"), named narrowly here so this package doesn't import
// internal/syncpeer (which would otherwise be the only reason to).
type Backfiller interface {
	RequestBackfill(ctx context.Context, toDevice string, since hlc.Timestamp) error
}

// Manager drives the Initiator/Joiner handshake state machine (spec.md
// §4.9) on top of a Transport, persisting every transition to a
// SessionStore and retrying a dropped dial with exponential backoff before
// failing the session.
type Manager struct {
	local     DeviceInfo
	transport Transport
	sessions  *SessionStore
	devices   *store.Store
	log       *synclog.Log
	clock     *hlc.Clock
	bus       *eventbus.Bus
	cfg       config.PairingConfig

	// backfill is set via SetBackfiller once the sync engine exists —
	// pairing can complete and persist a device before the sync engine is
	// wired up (process startup ordering), so a nil backfill here just
	// skips step 8 rather than erroring.
	backfill Backfiller
}

func NewManager(local DeviceInfo, transport Transport, sessions *SessionStore, devices *store.Store, log *synclog.Log, clock *hlc.Clock, bus *eventbus.Bus, cfg config.PairingConfig) *Manager {
	return &Manager{local: local, transport: transport, sessions: sessions, devices: devices, log: log, clock: clock, bus: bus, cfg: cfg}
}

// SetBackfiller wires the sync engine's backfill request in once it's
// available.
func (m *Manager) SetBackfiller(b Backfiller) { m.backfill = b }

// StartInitiator begins an Initiator-side session: generates a code, mints
// a key pair, advertises, and persists (spec.md §4.9 steps 1-2).
func (m *Manager) StartInitiator(ctx context.Context, addresses []string, now time.Time) (*PairingSession, error) {
	s := NewInitiatorSession(m.local, addresses, m.cfg.SessionTTL, now)
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	s.LocalKeys = kp

	// The advertisement's device_info is unsigned plaintext: no shared
	// secret exists yet at this step (mac_key is only derivable after the
	// Joiner's public key arrives in Request), so it is informational only
	// — the Request/Challenge exchange's signed copies are what's
	// actually verified.
	adv := Advertisement{
		SessionID:   s.ID.String(),
		NodeAddress: firstOrEmpty(addresses),
		Addresses:   addresses,
		DeviceInfo:  m.local.Name,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	if err := m.transport.Advertise(ctx, adv); err != nil {
		return nil, errors.Wrap(err, "pairing: advertise session")
	}
	if err := m.sessions.Put(s); err != nil {
		return nil, err
	}
	m.publish(eventbus.KindPairingSessionDiscover, s, "")
	return s, nil
}

// StartJoiner begins a Joiner-side session from a parsed code, looks up the
// Initiator's advertisement, and dials with retry/backoff (spec.md §4.9
// steps 3-6). addresses are the Joiner's own dial-back addresses, sent to
// the Initiator in Request so it can reach this device for sync traffic
// once paired.
func (m *Manager) StartJoiner(ctx context.Context, code PairingCode, addresses []string, now time.Time) (*PairingSession, error) {
	s := NewJoinerSession(code, m.local, m.cfg.SessionTTL, now)
	s.Addresses = addresses
	if s.Expired(now) {
		s.Fail("code expired before scan")
		_ = m.sessions.Put(s)
		return s, errors.New("pairing: code already expired")
	}
	if err := m.sessions.Put(s); err != nil {
		return nil, err
	}

	adv, ok, err := m.transport.Lookup(ctx, s.ID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		s.Fail("initiator advertisement not found")
		_ = m.sessions.Put(s)
		return s, errors.New("pairing: no advertisement for session")
	}
	s.RemoteAddress = adv.NodeAddress

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	s.LocalKeys = kp

	req := Request{SessionID: s.ID.String(), PublicKey: kp.Public, NodeAddress: firstOrEmpty(addresses)}
	challenge, err := m.dialWithRetry(ctx, adv.NodeAddress, req, s)
	if err != nil {
		s.Fail(err.Error())
		_ = m.sessions.Put(s)
		m.publish(eventbus.KindPairingFailed, s, err.Error())
		return s, err
	}

	s.RemotePub = challenge.PublicKey
	s.Challenge = challenge.Nonce[:]
	keys, err := DeriveSessionKeys(s.LocalKeys, s.RemotePub, s.Code, false)
	if err != nil {
		return nil, err
	}
	s.SessionKey = keys

	if remote, err := VerifyDeviceInfo(challenge.DeviceInfo, keys.MacKey); err == nil {
		s.RemoteInfo = DeviceInfo{UUID: remote.DeviceUUID, Name: remote.DeviceName}
	}

	s.State = StateChallenged
	if err := m.sessions.Put(s); err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, keys.MacKey[:])
	mac.Write(s.Challenge)
	var macOut [32]byte
	copy(macOut[:], mac.Sum(nil))

	deviceInfoTok, err := m.signLocalDeviceInfo(keys)
	if err != nil {
		return nil, err
	}
	complete, err := m.transport.SendResponse(ctx, adv.NodeAddress, Response{SessionID: s.ID.String(), MAC: macOut, DeviceInfo: deviceInfoTok})
	if err != nil {
		s.Fail(err.Error())
		_ = m.sessions.Put(s)
		m.publish(eventbus.KindPairingFailed, s, err.Error())
		return s, err
	}
	if !complete.Success {
		s.Fail(complete.Reason)
		_ = m.sessions.Put(s)
		m.publish(eventbus.KindPairingFailed, s, complete.Reason)
		return s, errors.Errorf("pairing: initiator rejected: %s", complete.Reason)
	}

	if err := m.completePaired(s); err != nil {
		return nil, err
	}
	return s, nil
}

// HandleRequest implements RequestHandler on the Initiator side (spec.md
// §4.9 step 5): issues a Challenge{nonce}.
func (m *Manager) HandleRequest(_ context.Context, req Request) (Challenge, error) {
	s, err := m.sessions.Get(req.SessionID)
	if err != nil {
		return Challenge{}, errors.Wrap(err, "pairing: unknown session in request")
	}
	s.RemotePub = req.PublicKey
	s.RemoteAddress = req.NodeAddress

	keys, err := DeriveSessionKeys(s.LocalKeys, s.RemotePub, s.Code, true)
	if err != nil {
		return Challenge{}, err
	}
	s.SessionKey = keys

	nonce, err := randomNonce()
	if err != nil {
		return Challenge{}, err
	}
	s.Challenge = nonce[:]
	s.State = StateChallenged
	if err := m.sessions.Put(s); err != nil {
		return Challenge{}, err
	}

	tok, err := m.signLocalDeviceInfo(keys)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{SessionID: s.ID.String(), Nonce: nonce, DeviceInfo: tok, PublicKey: s.LocalKeys.Public}, nil
}

// HandleResponse implements RequestHandler on the Initiator side (spec.md
// §4.9 step 7): validates the HMAC proof, registers the new device, and
// completes the session.
func (m *Manager) HandleResponse(_ context.Context, resp Response) (Complete, error) {
	s, err := m.sessions.Get(resp.SessionID)
	if err != nil {
		return Complete{Success: false, Reason: "unknown session"}, nil
	}

	expected := hmac.New(sha256.New, s.SessionKey.MacKey[:])
	expected.Write(s.Challenge)
	if !hmac.Equal(expected.Sum(nil), resp.MAC[:]) {
		s.Fail("response MAC mismatch")
		_ = m.sessions.Put(s)
		m.publish(eventbus.KindPairingFailed, s, s.FailedReason)
		return Complete{SessionID: s.ID.String(), Success: false, Reason: "mac mismatch"}, nil
	}

	if remote, err := VerifyDeviceInfo(resp.DeviceInfo, s.SessionKey.MacKey); err == nil {
		s.RemoteInfo = DeviceInfo{UUID: remote.DeviceUUID, Name: remote.DeviceName}
	}

	if err := m.completePaired(s); err != nil {
		return Complete{SessionID: s.ID.String(), Success: false, Reason: err.Error()}, nil
	}
	return Complete{SessionID: s.ID.String(), Success: true}, nil
}

// completePaired implements spec.md §4.9 step 7's "registers the new
// device ... sends Complete{success:true}" plus step 8's one-shot
// backfill enqueue, shared by both the Initiator's HandleResponse path and
// the Joiner's StartJoiner path (each completes its own side once its half
// of the handshake validates).
func (m *Manager) completePaired(s *PairingSession) error {
	s.State = StateCompleted
	if err := m.sessions.Put(s); err != nil {
		return err
	}
	if err := m.devices.PutDevice(store.Device{UUID: s.RemoteInfo.UUID, Name: s.RemoteInfo.Name, SyncEnabled: true}); err != nil {
		return errors.Wrap(err, "pairing: register paired device")
	}
	if err := m.log.InitPeerOnPairComplete(s.RemoteInfo.UUID, m.clock.Now()); err != nil {
		return errors.Wrap(err, "pairing: seed peer watermarks")
	}
	m.publish(eventbus.KindPairingCompleted, s, "")
	nlog.Infof("pairing: completed with device %s (%s)", s.RemoteInfo.UUID, s.RemoteInfo.Name)

	if m.backfill != nil {
		if err := m.backfill.RequestBackfill(context.Background(), s.RemoteInfo.UUID, hlc.Timestamp{}); err != nil {
			nlog.Warningf("pairing: request backfill from %s: %v", s.RemoteInfo.UUID, err)
		}
	}
	return nil
}

// dialWithRetry implements spec.md §4.9's retry policy: up to
// config.PairingConfig.DialRetries attempts with exponential backoff
// (2^n seconds), then ErrPairingTimeout.
func (m *Manager) dialWithRetry(ctx context.Context, addr string, req Request, s *PairingSession) (Challenge, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.DialRetries; attempt++ {
		s.DialAttempt = attempt + 1
		_ = m.sessions.Put(s)

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		ch, err := m.transport.SendRequest(dialCtx, addr, req)
		cancel()
		if err == nil {
			return ch, nil
		}
		lastErr = err
		nlog.Warningf("pairing: dial attempt %d to %s failed: %v", attempt+1, addr, err)

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return Challenge{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return Challenge{}, errors.Wrapf(syncerr.ErrPairingTimeout, "dial %s: %v", addr, lastErr)
}

// Sweep implements spec.md §4.9's "expired sessions are swept every 60s":
// any non-terminal session past its ExpiresAt is failed and removed.
func (m *Manager) Sweep(now time.Time) (int, error) {
	sessions, err := m.sessions.List()
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, s := range sessions {
		if s.Terminal() {
			continue
		}
		if s.Expired(now) {
			s.Fail("session expired")
			if err := m.sessions.Put(s); err != nil {
				return swept, err
			}
			m.publish(eventbus.KindPairingFailed, s, s.FailedReason)
			swept++
		}
	}
	return swept, nil
}

func (m *Manager) signLocalDeviceInfo(keys SessionKeys) (string, error) {
	claims := DeviceInfoClaims{DeviceUUID: m.local.UUID, DeviceName: m.local.Name}
	return SignDeviceInfo(claims, keys.MacKey)
}

func (m *Manager) publish(kind eventbus.Kind, s *PairingSession, errStr string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Kind: kind, Payload: eventbus.PairingPayload{SessionID: s.ID.String(), PeerID: s.RemoteInfo.UUID, Address: s.RemoteAddress, Err: errStr}})
}

func randomNonce() ([32]byte, error) {
	var n [32]byte
	_, err := io.ReadFull(rand.Reader, n[:])
	return n, errors.Wrap(err, "pairing: generate challenge nonce")
}

func firstOrEmpty(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}
