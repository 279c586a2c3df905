package pairing

import (
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the two sides of a handshake (spec.md §4.9).
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// State is one PairingSession's lifecycle stage.
type State string

const (
	StateWaitingForConnection State = "WaitingForConnection"
	StateScanning             State = "Scanning"
	StateChallenged           State = "Challenged"
	StateCompleted            State = "Completed"
	StateFailed               State = "Failed"
)

// DeviceInfo is the local device's self-description carried in Request and
// Challenge messages (spec.md §4.9).
type DeviceInfo struct {
	UUID string
	Name string
}

// PairingSession is the persisted state machine spec.md §4.9 describes:
// written to disk after every transition so a process restart mid-
// handshake resumes rather than silently orphaning the session.
type PairingSession struct {
	ID         uuid.UUID
	Role       Role
	State      State
	Code       PairingCode
	LocalInfo  DeviceInfo
	RemoteInfo DeviceInfo
	LocalKeys  KeyPair
	RemotePub  [32]byte
	SessionKey SessionKeys
	Challenge  []byte

	Addresses     []string // this side's own advertised/dial-back addresses
	RemoteAddress string   // the other side's dial address, once known
	CreatedAt     time.Time
	ExpiresAt     time.Time
	FailedReason  string

	DialAttempt int
}

// NewInitiatorSession starts a fresh Initiator-side session (spec.md §4.9
// step 1): a random session id, its derived PairingCode, and a TTL-bounded
// advertisement window.
func NewInitiatorSession(local DeviceInfo, addresses []string, ttl time.Duration, now time.Time) *PairingSession {
	id := uuid.New()
	return &PairingSession{
		ID:        id,
		Role:      RoleInitiator,
		State:     StateWaitingForConnection,
		Code:      NewPairingCode(id),
		LocalInfo: local,
		Addresses: addresses,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// NewJoinerSession starts a Joiner-side session from a scanned/typed code
// (spec.md §4.9 step 3).
func NewJoinerSession(code PairingCode, local DeviceInfo, ttl time.Duration, now time.Time) *PairingSession {
	return &PairingSession{
		ID:        code.SessionID,
		Role:      RoleJoiner,
		State:     StateScanning,
		Code:      code,
		LocalInfo: local,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether now is past ExpiresAt and the session is still
// in a non-terminal state — a terminal session (Completed/Failed) is never
// considered "expired", it is simply swept on its own schedule.
func (s *PairingSession) Expired(now time.Time) bool {
	if s.State == StateCompleted || s.State == StateFailed {
		return false
	}
	return now.After(s.ExpiresAt)
}

// Terminal reports whether the session has reached Completed or Failed.
func (s *PairingSession) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// Fail transitions the session to Failed with reason, per spec.md §4.9's
// retry-exhaustion / timeout path.
func (s *PairingSession) Fail(reason string) {
	s.State = StateFailed
	s.FailedReason = reason
}
