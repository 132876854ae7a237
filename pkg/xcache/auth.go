package xcache

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// authTokenIterations and authTokenKeyLen tune the PBKDF2 derivation used
// to turn a Principal's shared secret into a per-channel authentication
// token. These are deliberately modest since the token only needs to
// resist casual replay across channel opens, not protect long-lived
// storage.
const (
	authTokenIterations = 4096
	authTokenKeyLen     = 32
)

// deriveChannelToken derives a per-channel authentication token from a
// principal's shared secret and the service name the channel is being
// opened against, so a token captured for one service cannot be replayed
// against another. This models the "initiator" subtree's principal
// identity requirement (spec §6) without inventing a bespoke cipher: the
// derivation is PBKDF2-HMAC-SHA256, the same primitive golang.org/x/crypto
// ships for exactly this kind of secret-to-key stretching.
func deriveChannelToken(p *Principal, serviceName string) []byte {
	if p == nil || len(p.Secret) == 0 {
		return nil
	}
	salt := []byte(serviceName)
	return pbkdf2.Key(p.Secret, salt, authTokenIterations, authTokenKeyLen, sha256.New)
}

// verifyChannelToken is a constant-time comparison helper a test Connection
// can use to check a derived token without leaking timing information.
func verifyChannelToken(got, want []byte) bool {
	return hmac.Equal(got, want)
}
