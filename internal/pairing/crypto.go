package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is one side's X25519 key material for the code-authenticated DH
// spec.md §4.9 step 6 names.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair mints a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, errors.Wrap(err, "pairing: generate private key")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, errors.Wrap(err, "pairing: derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SessionKeys are the three HKDF-derived keys spec.md §4.9 step 6 names:
// distinct send/recv/mac keys so a compromised mac key alone can't forge
// ciphertext, and send/recv are directional so neither side ever reuses
// the other's key for its own writes.
type SessionKeys struct {
	SendKey [32]byte
	RecvKey [32]byte
	MacKey  [32]byte
}

// DeriveSessionKeys runs X25519(localPrivate, remotePublic) followed by
// HKDF-SHA256 with the pairing code's bytes as salt (binding the session
// keys to the out-of-band code, not just the DH exchange, so an attacker
// who only observes the wire traffic — and never saw the code — cannot
// derive the same keys) and three distinct info labels. isInitiator swaps
// which derived key is "send" vs "recv" so the two sides agree on
// directionality without out-of-band negotiation.
func DeriveSessionKeys(local KeyPair, remotePublic [32]byte, code PairingCode, isInitiator bool) (SessionKeys, error) {
	shared, err := curve25519.X25519(local.Private[:], remotePublic[:])
	if err != nil {
		return SessionKeys{}, errors.Wrap(err, "pairing: compute shared secret")
	}
	salt := code.SessionID[:]

	a, err := hkdfExpand(shared, salt, "syncmesh-pairing-a")
	if err != nil {
		return SessionKeys{}, err
	}
	b, err := hkdfExpand(shared, salt, "syncmesh-pairing-b")
	if err != nil {
		return SessionKeys{}, err
	}
	mac, err := hkdfExpand(shared, salt, "syncmesh-pairing-mac")
	if err != nil {
		return SessionKeys{}, err
	}

	keys := SessionKeys{MacKey: mac}
	if isInitiator {
		keys.SendKey, keys.RecvKey = a, b
	} else {
		keys.SendKey, keys.RecvKey = b, a
	}
	return keys, nil
}

func hkdfExpand(secret, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, errors.Wrapf(err, "pairing: hkdf expand %s", info)
	}
	return out, nil
}

// DeviceInfoClaims is device_info's JWT payload (spec.md §4.9's device_info
// field, carried in Challenge and Response). It is HMAC-signed with the
// session's mac_key, so it can only be checked once session keys exist; a
// device claim injected by a man-in-the-middle (who lacks the pairing code
// and therefore never derives mac_key) fails VerifyDeviceInfo. Manager
// records the peer's device info only from a token that verifies; a token
// that fails verification does not stop the handshake. The JWT's job here
// is tamper-evidence, not authorization.
type DeviceInfoClaims struct {
	jwt.RegisteredClaims
	DeviceUUID string `json:"device_uuid"`
	DeviceName string `json:"device_name"`
}

// SignDeviceInfo produces the signed device_info token.
func SignDeviceInfo(claims DeviceInfoClaims, macKey [32]byte) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(macKey[:])
}

// VerifyDeviceInfo validates a device_info token against the session's
// mac_key and returns the embedded claims.
func VerifyDeviceInfo(token string, macKey [32]byte) (*DeviceInfoClaims, error) {
	claims := &DeviceInfoClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("pairing: unexpected signing method %v", t.Header["alg"])
		}
		return macKey[:], nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "pairing: verify device_info")
	}
	if !parsed.Valid {
		return nil, errors.New("pairing: device_info token invalid")
	}
	return claims, nil
}
