// Package pairing implements the device pairing protocol spec.md §4.9: an
// Initiator/Joiner handshake that authenticates over a code-derived shared
// secret and hands off into the sync engine's one-shot backfill. Grounded
// on the teacher's session-oriented design (a persisted state machine swept
// on a timer, retried with exponential backoff) generalized from aistore's
// xaction lifecycle to a handshake lifecycle.
package pairing

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
	"lukechampine.com/blake3"
)

// codeWords is the wordlist a PairingCode renders against — BIP39's
// standard 2048-word English list, used here purely as an index-to-word
// table (11 bits per word). The checksum scheme spec.md §6 names (16-bit
// BLAKE3 truncation, not BIP39's own SHA-256 checksum) is custom, so the
// package encodes/decodes its own bitstream instead of calling into
// bip39.NewMnemonic/EntropyFromMnemonic.
var codeWords = bip39.GetWordList()

var codeWordIndex = func() map[string]int {
	m := make(map[string]int, len(codeWords))
	for i, w := range codeWords {
		m[w] = i
	}
	return m
}()

const (
	payloadBits  = 128 // session uuid
	checksumBits = 16
	totalBits    = payloadBits + checksumBits // 144
	wordBits     = 11
	wordCount    = (totalBits + wordBits - 1) / wordBits // 14 words, last one padded
)

// PairingCode is the deterministic rendering of a PairingSession's id as a
// word list (spec.md §6: "deterministic mapping session_uuid <-> BIP39-
// style wordlist ... renderable as QR"). The joiner only needs to transmit
// the session id; the code exists for out-of-band (voice, QR, typed)
// sharing.
type PairingCode struct {
	SessionID uuid.UUID
	Words     []string
}

// NewPairingCode derives a PairingCode from a session id.
func NewPairingCode(sessionID uuid.UUID) PairingCode {
	return PairingCode{SessionID: sessionID, Words: encode(sessionID)}
}

// ParsePairingCode is NewPairingCode's inverse: validates the checksum and
// recovers the session id. Returns an error if the words don't parse
// against codeWords or the checksum doesn't match, since a mistyped or
// stale code must never silently resolve to the wrong session.
func ParsePairingCode(words []string) (PairingCode, error) {
	if len(words) != wordCount {
		return PairingCode{}, errors.Errorf("pairing: code must have %d words, got %d", wordCount, len(words))
	}
	bits := make([]bool, 0, wordCount*wordBits)
	for i, w := range words {
		idx := indexOf(strings.ToLower(strings.TrimSpace(w)))
		if idx < 0 {
			return PairingCode{}, errors.Errorf("pairing: word %d (%q) is not in the wordlist", i, w)
		}
		bits = appendBits(bits, uint32(idx), wordBits)
	}

	payload := bitsToBytes(bits[:payloadBits])
	gotChecksum := bitsToUint16(bits[payloadBits : payloadBits+checksumBits])

	id, err := uuid.FromBytes(payload)
	if err != nil {
		return PairingCode{}, errors.Wrap(err, "pairing: decode session id")
	}
	if checksumOf(id) != gotChecksum {
		return PairingCode{}, errors.New("pairing: code checksum mismatch")
	}
	return PairingCode{SessionID: id, Words: words}, nil
}

func encode(id uuid.UUID) []string {
	bits := make([]bool, 0, wordCount*wordBits)
	idBytes, _ := id.MarshalBinary()
	for _, b := range idBytes {
		bits = appendBits(bits, uint32(b), 8)
	}
	bits = appendBits(bits, uint32(checksumOf(id)), checksumBits)
	for len(bits) < wordCount*wordBits {
		bits = append(bits, false)
	}

	words := make([]string, wordCount)
	for i := 0; i < wordCount; i++ {
		idx := bitsToUint16(bits[i*wordBits : (i+1)*wordBits])
		words[i] = codeWords[idx]
	}
	return words
}

// checksumOf truncates a BLAKE3 digest of the session uuid to 16 bits —
// the "16-bit checksum is BLAKE3 of the uuid truncated" spec.md §6 names.
func checksumOf(id uuid.UUID) uint16 {
	sum := blake3.Sum256(id[:])
	return uint16(sum[0])<<8 | uint16(sum[1])
}

func indexOf(word string) int {
	if idx, ok := codeWordIndex[word]; ok {
		return idx
	}
	return -1
}

func appendBits(bits []bool, v uint32, n int) []bool {
	for i := n - 1; i >= 0; i-- {
		bits = append(bits, v&(1<<uint(i)) != 0)
	}
	return bits
}

func bitsToUint16(bits []bool) uint16 {
	var v uint16
	for _, b := range bits {
		v <<= 1
		if b {
			v |= 1
		}
	}
	return v
}

func bitsToBytes(bits []bool) []byte {
	out := make([]byte, len(bits)/8)
	for i := range out {
		var b byte
		for j := 0; j < 8; j++ {
			b <<= 1
			if bits[i*8+j] {
				b |= 1
			}
		}
		out[i] = b
	}
	return out
}
