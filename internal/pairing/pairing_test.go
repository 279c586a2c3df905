package pairing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

// loopbackTransport wires an Initiator's Manager straight to a Joiner's
// Manager in-process — analogous to internal/syncpeer's mockTransport, but
// for the four pairing frames instead of sync envelopes. Advertisements are
// shared between both sides the way a real DHT/mDNS substrate would
// publish them to any looker-upper.
type loopbackTransport struct {
	advs     map[string]Advertisement
	handlers map[string]RequestHandler // addr -> the Manager answering at that address
	drop     map[string]int            // addr -> remaining SendRequest failures before it succeeds
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{
		advs:     make(map[string]Advertisement),
		handlers: make(map[string]RequestHandler),
		drop:     make(map[string]int),
	}
}

func (lt *loopbackTransport) Advertise(_ context.Context, adv Advertisement) error {
	lt.advs[adv.SessionID] = adv
	return nil
}

func (lt *loopbackTransport) Lookup(_ context.Context, sessionID string) (Advertisement, bool, error) {
	adv, ok := lt.advs[sessionID]
	return adv, ok, nil
}

func (lt *loopbackTransport) SendRequest(ctx context.Context, addr string, req Request) (Challenge, error) {
	if lt.drop[addr] > 0 {
		lt.drop[addr]--
		return Challenge{}, errDialUnreachable
	}
	h, ok := lt.handlers[addr]
	if !ok {
		return Challenge{}, errDialUnreachable
	}
	return h.HandleRequest(ctx, req)
}

func (lt *loopbackTransport) SendResponse(ctx context.Context, addr string, resp Response) (Complete, error) {
	h, ok := lt.handlers[addr]
	if !ok {
		return Complete{}, errDialUnreachable
	}
	return h.HandleResponse(ctx, resp)
}

var errDialUnreachable = &dialError{"pairing: address unreachable"}

type dialError struct{ msg string }

func (e *dialError) Error() string { return e.msg }

type testManager struct {
	mgr   *Manager
	store *store.Store
	log   *synclog.Log
	bus   *eventbus.Bus
}

func newTestManager(t *testing.T, addr string, transport *loopbackTransport, local DeviceInfo, cfg config.PairingConfig) *testManager {
	t.Helper()

	db, err := buntdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open session db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := store.Open(filepath.Join(t.TempDir(), local.UUID+"-store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l := synclog.Open(db)
	clock := hlc.New(local.UUID, hlc.Timestamp{})
	bus := eventbus.New()
	sessions := NewSessionStore(db)

	mgr := NewManager(local, transport, sessions, s, l, clock, bus, cfg)
	transport.handlers[addr] = mgr
	return &testManager{mgr: mgr, store: s, log: l, bus: bus}
}

type fakeBackfiller struct {
	calls []string
}

func (f *fakeBackfiller) RequestBackfill(_ context.Context, toDevice string, _ hlc.Timestamp) error {
	f.calls = append(f.calls, toDevice)
	return nil
}

func testPairingConfig() config.PairingConfig {
	return config.PairingConfig{
		SessionTTL:    time.Minute,
		CodeTTL:       time.Minute,
		DialTimeout:   time.Second,
		DialRetries:   3,
		SweepInterval: time.Minute,
	}
}

func TestPairingHandshakeCompletes(t *testing.T) {
	transport := newLoopbackTransport()
	now := time.Unix(1_700_000_000, 0)

	initiator := newTestManager(t, "addr-initiator", transport, DeviceInfo{UUID: "device-a", Name: "Alice's Mac"}, testPairingConfig())
	joiner := newTestManager(t, "addr-joiner", transport, DeviceInfo{UUID: "device-b", Name: "Bob's Phone"}, testPairingConfig())

	initBackfill := &fakeBackfiller{}
	joinBackfill := &fakeBackfiller{}
	initiator.mgr.SetBackfiller(initBackfill)
	joiner.mgr.SetBackfiller(joinBackfill)

	initSession, err := initiator.mgr.StartInitiator(context.Background(), []string{"addr-initiator"}, now)
	if err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}

	joinSession, err := joiner.mgr.StartJoiner(context.Background(), initSession.Code, []string{"addr-joiner"}, now)
	if err != nil {
		t.Fatalf("StartJoiner: %v", err)
	}
	if joinSession.RemoteAddress != "addr-initiator" {
		t.Fatalf("joiner RemoteAddress = %q, want addr-initiator", joinSession.RemoteAddress)
	}
	if joinSession.State != StateCompleted {
		t.Fatalf("joiner session state = %s, want Completed (reason: %s)", joinSession.State, joinSession.FailedReason)
	}
	if joinSession.RemoteInfo.UUID != "device-a" {
		t.Fatalf("joiner RemoteInfo.UUID = %q, want device-a", joinSession.RemoteInfo.UUID)
	}

	persisted, err := initiator.mgr.sessions.Get(initSession.ID.String())
	if err != nil {
		t.Fatalf("load initiator session: %v", err)
	}
	if persisted.State != StateCompleted {
		t.Fatalf("initiator session state = %s, want Completed (reason: %s)", persisted.State, persisted.FailedReason)
	}
	if persisted.RemoteInfo.UUID != "device-b" {
		t.Fatalf("initiator RemoteInfo.UUID = %q, want device-b", persisted.RemoteInfo.UUID)
	}
	if persisted.RemoteAddress != "addr-joiner" {
		t.Fatalf("initiator RemoteAddress = %q, want addr-joiner", persisted.RemoteAddress)
	}

	if _, err := initiator.store.GetDevice("device-b"); err != nil {
		t.Fatalf("initiator did not register paired device: %v", err)
	}
	if _, err := joiner.store.GetDevice("device-a"); err != nil {
		t.Fatalf("joiner did not register paired device: %v", err)
	}

	if len(initBackfill.calls) != 1 || initBackfill.calls[0] != "device-b" {
		t.Fatalf("initiator backfill calls = %v, want [device-b]", initBackfill.calls)
	}
	if len(joinBackfill.calls) != 1 || joinBackfill.calls[0] != "device-a" {
		t.Fatalf("joiner backfill calls = %v, want [device-a]", joinBackfill.calls)
	}

	if _, err := initiator.log.PeerState("device-b"); err != nil {
		t.Fatalf("initiator peer watermark not seeded: %v", err)
	}
}

func TestPairingHandshakeEventsPublished(t *testing.T) {
	transport := newLoopbackTransport()
	now := time.Unix(1_700_000_000, 0)

	initiator := newTestManager(t, "addr-initiator", transport, DeviceInfo{UUID: "device-a", Name: "Alice"}, testPairingConfig())
	joiner := newTestManager(t, "addr-joiner", transport, DeviceInfo{UUID: "device-b", Name: "Bob"}, testPairingConfig())

	ch, unsubscribe := initiator.bus.Subscribe()
	defer unsubscribe()

	initSession, err := initiator.mgr.StartInitiator(context.Background(), []string{"addr-initiator"}, now)
	if err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}
	if _, err := joiner.mgr.StartJoiner(context.Background(), initSession.Code, []string{"addr-joiner"}, now); err != nil {
		t.Fatalf("StartJoiner: %v", err)
	}

	var sawDiscover, sawCompleted bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case eventbus.KindPairingSessionDiscover:
				sawDiscover = true
			case eventbus.KindPairingCompleted:
				sawCompleted = true
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for pairing events")
		}
	}
	if !sawDiscover || !sawCompleted {
		t.Fatalf("sawDiscover=%v sawCompleted=%v", sawDiscover, sawCompleted)
	}
}

// TestPairingResponseMACMismatchFails exercises HandleResponse's proof
// check directly: a Response carrying a MAC computed with the wrong key
// must fail the session rather than register a device.
func TestPairingResponseMACMismatchFails(t *testing.T) {
	transport := newLoopbackTransport()
	now := time.Unix(1_700_000_000, 0)

	initiator := newTestManager(t, "addr-initiator", transport, DeviceInfo{UUID: "device-a", Name: "Alice"}, testPairingConfig())

	initSession, err := initiator.mgr.StartInitiator(context.Background(), []string{"addr-initiator"}, now)
	if err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}

	joinerKeys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	req := Request{SessionID: initSession.ID.String(), PublicKey: joinerKeys.Public}
	challenge, err := initiator.mgr.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}

	// A bogus all-zero MAC instead of the correct HMAC-SHA256(mac_key, nonce).
	complete, err := initiator.mgr.HandleResponse(context.Background(), Response{SessionID: challenge.SessionID, MAC: [32]byte{}})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if complete.Success {
		t.Fatalf("expected HandleResponse to reject a bad MAC, got success")
	}

	persisted, err := initiator.mgr.sessions.Get(initSession.ID.String())
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if persisted.State != StateFailed {
		t.Fatalf("session state = %s, want Failed", persisted.State)
	}
	if _, err := initiator.store.GetDevice("device-b"); err == nil {
		t.Fatalf("device should not have been registered after a MAC mismatch")
	}
}

// TestPairingDialRetryExhaustionFails drives StartJoiner against a
// transport that fails every SendRequest attempt, exercising the
// exponential-backoff retry policy through to its ErrPairingTimeout.
func TestPairingDialRetryExhaustionFails(t *testing.T) {
	transport := newLoopbackTransport()
	now := time.Unix(1_700_000_000, 0)
	cfg := testPairingConfig()
	cfg.DialRetries = 2
	cfg.DialTimeout = 50 * time.Millisecond

	initiator := newTestManager(t, "addr-initiator", transport, DeviceInfo{UUID: "device-a", Name: "Alice"}, cfg)
	joiner := newTestManager(t, "addr-joiner", transport, DeviceInfo{UUID: "device-b", Name: "Bob"}, cfg)

	initSession, err := initiator.mgr.StartInitiator(context.Background(), []string{"addr-initiator"}, now)
	if err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}

	// Drop every attempt by removing the handler the loopback transport
	// would otherwise dispatch to.
	delete(transport.handlers, "addr-initiator")

	start := time.Now()
	joinSession, err := joiner.mgr.StartJoiner(context.Background(), initSession.Code, []string{"addr-joiner"}, now)
	if err == nil {
		t.Fatalf("expected StartJoiner to fail after dial retries are exhausted")
	}
	if joinSession.State != StateFailed {
		t.Fatalf("session state = %s, want Failed", joinSession.State)
	}
	elapsed := time.Since(start)
	if elapsed < (1+2)*time.Second-500*time.Millisecond {
		// Backoff is 2^0 + 2^1 = 1s + 2s, one sleep after each of the
		// cfg.DialRetries=2 failed attempts; a near-zero elapsed time means
		// retry/backoff never ran.
		t.Fatalf("StartJoiner returned too quickly (%s) for the retry/backoff policy to have run", elapsed)
	}
}

// TestPairingSweepFailsExpiredSessions exercises the 60s TTL sweep: a
// session past its ExpiresAt that never reached a terminal state is failed
// and left discoverable (not silently dropped) via SessionStore.List.
func TestPairingSweepFailsExpiredSessions(t *testing.T) {
	transport := newLoopbackTransport()
	cfg := testPairingConfig()
	cfg.SessionTTL = time.Minute

	initiator := newTestManager(t, "addr-initiator", transport, DeviceInfo{UUID: "device-a", Name: "Alice"}, cfg)

	now := time.Unix(1_700_000_000, 0)
	if _, err := initiator.mgr.StartInitiator(context.Background(), []string{"addr-initiator"}, now); err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}

	swept, err := initiator.mgr.Sweep(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	sessions, err := initiator.mgr.sessions.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].State != StateFailed {
		t.Fatalf("expected one Failed session after sweep, got %+v", sessions)
	}
}

func TestPairingCodeRoundTrip(t *testing.T) {
	session := NewInitiatorSession(DeviceInfo{UUID: "device-a", Name: "Alice"}, nil, time.Minute, time.Unix(0, 0))
	parsed, err := ParsePairingCode(session.Code.Words)
	if err != nil {
		t.Fatalf("ParsePairingCode: %v", err)
	}
	if parsed.SessionID != session.Code.SessionID {
		t.Fatalf("parsed session id = %s, want %s", parsed.SessionID, session.Code.SessionID)
	}
}

func TestPairingCodeChecksumRejectsTamperedWord(t *testing.T) {
	session := NewInitiatorSession(DeviceInfo{UUID: "device-a", Name: "Alice"}, nil, time.Minute, time.Unix(0, 0))
	words := append([]string(nil), session.Code.Words...)

	original := words[0]
	for _, candidate := range codeWords {
		if candidate != original {
			words[0] = candidate
			break
		}
	}

	if _, err := ParsePairingCode(words); err == nil {
		t.Fatalf("expected tampered code to fail checksum validation")
	}
}
