package pairing

import "time"

// Advertisement is what the Initiator publishes keyed by session id (spec.md
// §4.9 step 2) — over a DHT and/or mDNS in the full network substrate; the
// default fasthttp transport's loopback test harness treats it as a
// directly dialable record instead.
type Advertisement struct {
	SessionID   string
	NodeAddress string
	Addresses   []string
	DeviceInfo  string // plain, unsigned device name — informational only at this step
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Request is the Joiner's opening message (spec.md §4.9 step 4). NodeAddress
// is the Joiner's own dial-back address, the mirror of Advertisement's —
// the Initiator has no other way to learn where to reach the Joiner for
// subsequent sync traffic, since the Joiner is the one that dials first.
type Request struct {
	SessionID   string
	DeviceInfo  string // left empty by Manager; the Joiner's signed device_info travels in Response
	PublicKey   [32]byte
	NodeAddress string
}

// Challenge is the Initiator's reply (spec.md §4.9 step 5).
type Challenge struct {
	SessionID  string
	Nonce      [32]byte
	DeviceInfo string
	PublicKey  [32]byte
}

// Response is the Joiner's confirmation after user approval (spec.md §4.9
// step 6): an HMAC over the challenge nonce using mac_key, proving
// possession of the pairing-code-derived secret without transmitting it.
type Response struct {
	SessionID  string
	MAC        [32]byte
	DeviceInfo string
}

// Complete is the Initiator's final message (spec.md §4.9 step 7).
type Complete struct {
	SessionID string
	Success   bool
	Reason    string
}
