package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mintbay/models"
)

const defaultSessionTTL = 24 * time.Hour

// ErrSessionInvalid is returned for expired, revoked, or malformed session tokens.
var ErrSessionInvalid = errors.New("session invalid")

// SessionClaims are the JWT claims carried by a session token.
type SessionClaims struct {
	WalletAddress string `json:"addr"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies opaque signed session tokens bound to an
// identity, with a jti revocation list for explicit logout.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time

	revokedMu sync.Mutex
	revoked   map[string]time.Time
}

// NewSessionManager builds a manager signing tokens with the provided secret.
func NewSessionManager(secret []byte, ttl time.Duration, nowFn func() time.Time) *SessionManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SessionManager{
		secret:  secret,
		ttl:     ttl,
		nowFn:   nowFn,
		revoked: make(map[string]time.Time),
	}
}

// Issue produces a signed token bound to the identity.
func (m *SessionManager) Issue(identity *models.Identity) (string, error) {
	if identity == nil {
		return "", fmt.Errorf("identity required")
	}
	now := m.nowFn().UTC()
	claims := SessionClaims{
		WalletAddress: identity.WalletAddress,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, rejecting revoked sessions.
func (m *SessionManager) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.nowFn))
	if err != nil || !parsed.Valid {
		return nil, ErrSessionInvalid
	}
	m.revokedMu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.revokedMu.Unlock()
	if revoked {
		return nil, ErrSessionInvalid
	}
	return claims, nil
}

// Revoke invalidates the session carried by the token. Best effort: tokens
// that are already expired or malformed are treated as gone.
func (m *SessionManager) Revoke(token string) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithTimeFunc(m.nowFn))
	if err != nil || claims.ID == "" {
		return
	}
	expiry := m.nowFn().UTC().Add(m.ttl)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	m.revokedMu.Lock()
	m.revoked[claims.ID] = expiry
	m.pruneRevokedLocked()
	m.revokedMu.Unlock()
}

// pruneRevokedLocked drops revocation entries past their natural expiry.
func (m *SessionManager) pruneRevokedLocked() {
	now := m.nowFn().UTC()
	for jti, exp := range m.revoked {
		if exp.Before(now) {
			delete(m.revoked, jti)
		}
	}
}
