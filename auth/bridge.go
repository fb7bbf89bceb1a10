package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mintbay/models"
	"mintbay/signing"
)

// ErrAuthRejected covers every login verification failure: bad or replayed
// nonce, bad signature, wrong domain or chain. No state is changed when it is
// returned, except that a nonce rejected as already-used stays consumed.
var ErrAuthRejected = errors.New("authentication rejected")

// LoginResult is produced by a successful VerifyLogin.
type LoginResult struct {
	Identity *models.Identity
	Address  string
	ChainID  uint64
	Nonce    string
	Token    string
}

// Bridge turns a verified wallet signature into an authenticated backend
// identity and session.
type Bridge struct {
	db               *gorm.DB
	nonces           *NonceStore
	sessions         *SessionManager
	credentialSecret []byte
	domain           string
	chainID          uint64
	nowFn            func() time.Time
}

// BridgeConfig captures the dependencies required to construct a Bridge.
type BridgeConfig struct {
	DB               *gorm.DB
	Nonces           *NonceStore
	Sessions         *SessionManager
	CredentialSecret []byte
	Domain           string
	ChainID          uint64
	Now              func() time.Time
}

// NewBridge constructs the identity bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Bridge{
		db:               cfg.DB,
		nonces:           cfg.Nonces,
		sessions:         cfg.Sessions,
		credentialSecret: cfg.CredentialSecret,
		domain:           strings.TrimSpace(cfg.Domain),
		chainID:          cfg.ChainID,
		nowFn:            nowFn,
	}
}

// Sessions exposes the session manager for middleware verification.
func (b *Bridge) Sessions() *SessionManager {
	return b.sessions
}

// IssueNonce generates a fresh single-use login challenge nonce.
func (b *Bridge) IssueNonce(ctx context.Context) (string, error) {
	return b.nonces.Issue(ctx)
}

// BuildChallenge renders the login message a wallet must sign for the given
// address and nonce.
func (b *Bridge) BuildChallenge(address, nonce string) signing.LoginChallenge {
	return signing.LoginChallenge{
		Domain:   b.domain,
		Address:  strings.ToLower(address),
		ChainID:  b.chainID,
		Nonce:    nonce,
		IssuedAt: b.nowFn().UTC(),
	}
}

// VerifyLogin checks the signed challenge, consumes its nonce, ensures the
// identity exists, and issues a session token. The signature is checked before
// the nonce is consumed so a forged request cannot burn someone's challenge.
func (b *Bridge) VerifyLogin(ctx context.Context, message, signatureHex string) (*LoginResult, error) {
	challenge, err := signing.ParseLoginChallenge(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if !strings.EqualFold(challenge.Domain, b.domain) {
		return nil, fmt.Errorf("%w: challenge domain %q does not match %q", ErrAuthRejected, challenge.Domain, b.domain)
	}
	if challenge.ChainID != b.chainID {
		return nil, fmt.Errorf("%w: challenge chain id %d does not match %d", ErrAuthRejected, challenge.ChainID, b.chainID)
	}
	if !common.IsHexAddress(challenge.Address) {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrAuthRejected)
	}
	sig, err := hexutil.Decode(strings.TrimSpace(signatureHex))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrAuthRejected)
	}
	if !signing.VerifyPersonal(message, sig, challenge.Address) {
		return nil, fmt.Errorf("%w: signature does not recover %s", ErrAuthRejected, challenge.Address)
	}
	if err := b.nonces.Consume(ctx, challenge.Nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	identity, err := b.EnsureIdentity(ctx, challenge.Address)
	if err != nil {
		return nil, err
	}
	token, err := b.sessions.Issue(identity)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Identity: identity,
		Address:  identity.WalletAddress,
		ChainID:  challenge.ChainID,
		Nonce:    challenge.Nonce,
		Token:    token,
	}, nil
}

// EnsureIdentity looks up the identity for a wallet address, creating it on
// first sight. Concurrent first-sight callers race on the unique address
// constraint; the loser re-reads the winner's row.
func (b *Bridge) EnsureIdentity(ctx context.Context, address string) (*models.Identity, error) {
	canonical := strings.ToLower(strings.TrimSpace(address))
	if !common.IsHexAddress(canonical) {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrAuthRejected)
	}

	var identity models.Identity
	err := b.db.WithContext(ctx).First(&identity, "wallet_address = ?", canonical).Error
	if err == nil {
		return &identity, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	now := b.nowFn().UTC()
	fresh := models.Identity{
		ID:            uuid.New(),
		WalletAddress: canonical,
		DisplayName:   placeholderName(canonical),
		CredentialRef: DeriveCredential(canonical, b.credentialSecret),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	res := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(&fresh)
	if res.Error != nil {
		return nil, fmt.Errorf("create identity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the first-sight race; the winner's row is authoritative.
		if err := b.db.WithContext(ctx).First(&identity, "wallet_address = ?", canonical).Error; err != nil {
			return nil, fmt.Errorf("reload identity: %w", err)
		}
		return &identity, nil
	}

	activity := models.ActivityLog{
		ID:         uuid.New(),
		IdentityID: &fresh.ID,
		Action:     "identity.created",
		Details:    canonical,
		CreatedAt:  now,
	}
	_ = b.db.WithContext(ctx).Create(&activity).Error

	return &fresh, nil
}

// RevokeSession invalidates the presented session token. Idempotent.
func (b *Bridge) RevokeSession(token string) {
	b.sessions.Revoke(token)
}

func placeholderName(address string) string {
	trimmed := strings.TrimPrefix(address, "0x")
	if len(trimmed) > 8 {
		trimmed = trimmed[:8]
	}
	return "collector-" + trimmed
}
