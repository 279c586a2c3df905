// Package eventbus is the library-wide event bus spec.md §6 describes: a
// fan-out broadcast of job, peer, pairing, connection, and resource events
// to whatever UI or RPC layer subscribes. Modeled on aistore's xaction
// notification listeners (xact/nl): a registry of channel subscribers
// guarded by a mutex, non-blocking send with drop-on-full so one slow
// subscriber never stalls the producer.
package eventbus

import "sync"

// Kind identifies one of the event types spec.md §6 lists.
type Kind string

const (
	KindJobProgress            Kind = "JobProgress"
	KindJobCompleted           Kind = "JobCompleted"
	KindJobFailed              Kind = "JobFailed"
	KindJobCancelled           Kind = "JobCancelled"
	KindPeerDiscovered         Kind = "PeerDiscovered"
	KindPeerDisconnected       Kind = "PeerDisconnected"
	KindPairingSessionDiscover Kind = "PairingSessionDiscovered"
	KindPairingCompleted       Kind = "PairingCompleted"
	KindPairingFailed          Kind = "PairingFailed"
	KindConnectionEstablished  Kind = "ConnectionEstablished"
	KindConnectionLost         Kind = "ConnectionLost"
	KindResourceChanged        Kind = "ResourceChanged"
	KindResourceDeleted        Kind = "ResourceDeleted"
	KindResourceChangedBatch   Kind = "ResourceChangedBatch"
)

// Event is one bus message. Fields beyond Kind are populated according to
// which event it is; callers type-assert Payload.
type Event struct {
	Kind    Kind
	Payload interface{}
}

// JobProgressPayload backs KindJobProgress.
type JobProgressPayload struct {
	JobID           string
	JobType         string
	Progress        float64
	Message         string
	GenericProgress map[string]int64
}

// JobTerminalPayload backs KindJobCompleted/Failed/Cancelled.
type JobTerminalPayload struct {
	JobID   string
	JobType string
	Err     string // empty unless Failed
}

// PeerPayload backs KindPeerDiscovered/PeerDisconnected.
type PeerPayload struct {
	PeerID    string
	Addresses []string
}

// PairingPayload backs the Pairing* events. Address is the remote peer's
// dial address once the handshake has exchanged it (empty until then).
type PairingPayload struct {
	SessionID string
	PeerID    string
	Address   string
	Err       string
}

// ConnectionPayload backs Connection{Established,Lost}.
type ConnectionPayload struct {
	PeerID string
}

// ResourcePayload backs ResourceChanged/ResourceDeleted.
type ResourcePayload struct {
	ResourceType string
	ResourceID   string
}

// ResourceChangedBatchPayload backs ResourceChangedBatch.
type ResourceChangedBatchPayload struct {
	ResourceType string
	ResourceIDs  []string
}

const subscriberBuffer = 64

// Bus is a process-wide, non-persistent fan-out broadcaster.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe func the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans out ev to every current subscriber. A subscriber whose
// buffer is full has the event dropped for it rather than blocking the
// publisher — event-bus delivery is best-effort, never a backpressure path
// for the job/sync runtimes that publish onto it.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
