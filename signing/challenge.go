package signing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LoginChallenge is the human-readable structured message a wallet signs to
// prove control of an address. The embedded domain and single-use nonce make
// a signed challenge worthless on any other site or after consumption.
type LoginChallenge struct {
	Domain   string
	Address  string
	ChainID  uint64
	Nonce    string
	IssuedAt time.Time
}

// Message renders the deterministic challenge text presented to the wallet.
func (c LoginChallenge) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your wallet:\n", c.Domain)
	fmt.Fprintf(&b, "%s\n\n", strings.ToLower(c.Address))
	fmt.Fprintf(&b, "Chain ID: %d\n", c.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", c.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", c.IssuedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// ParseLoginChallenge reconstructs a challenge from its rendered message.
func ParseLoginChallenge(message string) (LoginChallenge, error) {
	lines := strings.Split(message, "\n")
	if len(lines) != 6 {
		return LoginChallenge{}, fmt.Errorf("malformed login message: expected 6 lines, got %d", len(lines))
	}
	const marker = " wants you to sign in with your wallet:"
	if !strings.HasSuffix(lines[0], marker) {
		return LoginChallenge{}, fmt.Errorf("malformed login message: missing header")
	}
	challenge := LoginChallenge{
		Domain:  strings.TrimSuffix(lines[0], marker),
		Address: strings.ToLower(strings.TrimSpace(lines[1])),
	}
	if lines[2] != "" {
		return LoginChallenge{}, fmt.Errorf("malformed login message: missing separator")
	}
	chainRaw, ok := strings.CutPrefix(lines[3], "Chain ID: ")
	if !ok {
		return LoginChallenge{}, fmt.Errorf("malformed login message: missing chain id")
	}
	chainID, err := strconv.ParseUint(strings.TrimSpace(chainRaw), 10, 64)
	if err != nil {
		return LoginChallenge{}, fmt.Errorf("invalid chain id: %w", err)
	}
	challenge.ChainID = chainID
	nonce, ok := strings.CutPrefix(lines[4], "Nonce: ")
	if !ok || strings.TrimSpace(nonce) == "" {
		return LoginChallenge{}, fmt.Errorf("malformed login message: missing nonce")
	}
	challenge.Nonce = strings.TrimSpace(nonce)
	issuedRaw, ok := strings.CutPrefix(lines[5], "Issued At: ")
	if !ok {
		return LoginChallenge{}, fmt.Errorf("malformed login message: missing issued-at")
	}
	issued, err := time.Parse(time.RFC3339, strings.TrimSpace(issuedRaw))
	if err != nil {
		return LoginChallenge{}, fmt.Errorf("invalid issued-at: %w", err)
	}
	challenge.IssuedAt = issued
	return challenge, nil
}
