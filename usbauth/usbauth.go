/*Package usbauth implements USB client registration authentication
(§4.H): a random challenge, an HMAC-SHA-256 response the client must
compute against a shared secret, and a device-class whitelist policy
enforced independently of the HMAC check.
*/
package usbauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/nasa-jpl/xoe/xoeerr"
)

// ChallengeSize is the length in bytes of a registration challenge.
const ChallengeSize = 32

// ResponseSize is the length of an HMAC-SHA-256 digest.
const ResponseSize = sha256.Size

// AnyClass is the whitelist sentinel meaning "allow every device
// class" (§4.H).
const AnyClass byte = 0xFF

// defaultBlockedClass is blocked whenever the whitelist is empty: HID
// devices are the common case operators want to keep off the wire
// unless explicitly allowed (§4.H default-deny note).
const defaultBlockedClass byte = 0x03

// Authenticator holds the shared secret and class policy for one USB
// routing server (§4.H, §4.L).
type Authenticator struct {
	secret    []byte
	whitelist map[byte]bool
}

// New builds an Authenticator.  An empty whitelist blocks the HID
// class (0x03) by default and allows everything else; a non-empty
// whitelist allows only the listed classes, unless it contains
// AnyClass, which allows every class.
func New(secret []byte, whitelist []byte) *Authenticator {
	wl := make(map[byte]bool, len(whitelist))
	for _, c := range whitelist {
		wl[c] = true
	}
	return &Authenticator{secret: secret, whitelist: wl}
}

// NewChallenge produces a fresh random challenge of ChallengeSize
// bytes.
func NewChallenge() ([]byte, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, xoeerr.New(xoeerr.IoError, "usbauth.NewChallenge", err)
	}
	return buf, nil
}

// Enabled reports whether challenge/response authentication is active.
// An empty secret disables authentication entirely; registration then
// completes as soon as the class check passes.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Respond computes the HMAC-SHA-256 response to a challenge under
// a.secret.  The MAC'd message is challenge || device_id (big-endian
// u32) || device_class, binding the response to the device being
// registered, not just the nonce.  Calling Respond twice with the same
// inputs always yields the same response.
func (a *Authenticator) Respond(challenge []byte, deviceID uint32, deviceClass byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(challenge)
	var did [4]byte
	binary.BigEndian.PutUint32(did[:], deviceID)
	mac.Write(did[:])
	mac.Write([]byte{deviceClass})
	return mac.Sum(nil)
}

// Verify reports whether response is the correct digest for the given
// challenge, device id, and device class under a.secret, using a
// constant-time comparison to avoid leaking timing information about
// the secret.
func (a *Authenticator) Verify(challenge []byte, deviceID uint32, deviceClass byte, response []byte) bool {
	want := a.Respond(challenge, deviceID, deviceClass)
	return hmac.Equal(want, response)
}

// ClassAllowed reports whether a device of the given USB class may
// register (§4.H device-class policy).
func (a *Authenticator) ClassAllowed(class byte) bool {
	if len(a.whitelist) == 0 {
		return class != defaultBlockedClass
	}
	if a.whitelist[AnyClass] {
		return true
	}
	return a.whitelist[class]
}
