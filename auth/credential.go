package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
)

// credentialAlphabet is the character set accepted by the backing identity
// store for credentials.
const credentialAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const credentialLength = 32

// DeriveCredential produces the internal backing-store credential for a
// wallet address: a keyed hash of the canonical address mapped into the
// allowed alphabet. Deterministic for the lifetime of the server secret and
// non-invertible without it. Never shown to or transmitted past the backend.
func DeriveCredential(address string, serverSecret []byte) string {
	canonical := strings.ToLower(strings.TrimSpace(address))
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte("mintbay-credential-v1|"))
	mac.Write([]byte(canonical))
	digest := mac.Sum(nil)

	out := make([]byte, credentialLength)
	for i := range out {
		out[i] = credentialAlphabet[int(digest[i])%len(credentialAlphabet)]
	}
	return string(out)
}
