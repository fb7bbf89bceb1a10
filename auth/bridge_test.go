package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mintbay/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestBridge(t *testing.T, db *gorm.DB) *Bridge {
	t.Helper()
	nonces := NewNonceStore(5*time.Minute, 0, nil, nil)
	sessions := NewSessionManager([]byte("session-secret"), time.Hour, nil)
	return NewBridge(BridgeConfig{
		DB:               db,
		Nonces:           nonces,
		Sessions:         sessions,
		CredentialSecret: []byte("credential-secret"),
		Domain:           "mintbay.example",
		ChainID:          1,
	})
}

func TestVerifyLoginOnceThenReplayFails(t *testing.T) {
	db := setupTestDB(t)
	bridge := newTestBridge(t, db)
	ctx := context.Background()

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	address := ethcrypto.PubkeyToAddress(key.PublicKey)

	nonce, err := bridge.IssueNonce(ctx)
	require.NoError(t, err)

	message := bridge.BuildChallenge(address.Hex(), nonce).Message()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27
	sigHex := fmt.Sprintf("0x%x", sig)

	result, err := bridge.VerifyLogin(ctx, message, sigHex)
	require.NoError(t, err)
	require.Equal(t, nonce, result.Nonce)
	require.NotEmpty(t, result.Token)
	require.NotNil(t, result.Identity)

	// Replaying the identical message/signature pair must be rejected and
	// must not mint a second identity.
	_, err = bridge.VerifyLogin(ctx, message, sigHex)
	require.ErrorIs(t, err, ErrAuthRejected)

	var count int64
	require.NoError(t, db.Model(&models.Identity{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestVerifyLoginBadSignatureLeavesNonceAlive(t *testing.T) {
	db := setupTestDB(t)
	bridge := newTestBridge(t, db)
	ctx := context.Background()

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	address := ethcrypto.PubkeyToAddress(key.PublicKey)

	otherKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	nonce, err := bridge.IssueNonce(ctx)
	require.NoError(t, err)
	message := bridge.BuildChallenge(address.Hex(), nonce).Message()

	forged, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), otherKey)
	require.NoError(t, err)
	_, err = bridge.VerifyLogin(ctx, message, fmt.Sprintf("0x%x", forged))
	require.ErrorIs(t, err, ErrAuthRejected)

	var count int64
	require.NoError(t, db.Model(&models.Identity{}).Count(&count).Error)
	require.EqualValues(t, 0, count, "rejected login must not create an identity")

	// The nonce was not consumed by the forged attempt.
	genuine, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	_, err = bridge.VerifyLogin(ctx, message, fmt.Sprintf("0x%x", genuine))
	require.NoError(t, err)
}

func TestVerifyLoginWrongDomain(t *testing.T) {
	db := setupTestDB(t)
	bridge := newTestBridge(t, db)
	ctx := context.Background()

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	address := ethcrypto.PubkeyToAddress(key.PublicKey)

	nonce, err := bridge.IssueNonce(ctx)
	require.NoError(t, err)

	challenge := bridge.BuildChallenge(address.Hex(), nonce)
	challenge.Domain = "evil.example"
	message := challenge.Message()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)

	_, err = bridge.VerifyLogin(ctx, message, fmt.Sprintf("0x%x", sig))
	require.ErrorIs(t, err, ErrAuthRejected)
}

func TestEnsureIdentityIdempotent(t *testing.T) {
	db := setupTestDB(t)
	bridge := newTestBridge(t, db)
	ctx := context.Background()
	address := "0xAAA0000000000000000000000000000000000001"

	first, err := bridge.EnsureIdentity(ctx, address)
	require.NoError(t, err)
	second, err := bridge.EnsureIdentity(ctx, address)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CredentialRef, second.CredentialRef)

	var count int64
	require.NoError(t, db.Model(&models.Identity{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestEnsureIdentityLosesRaceGracefully(t *testing.T) {
	db := setupTestDB(t)
	bridge := newTestBridge(t, db)
	ctx := context.Background()
	address := "0xbbb0000000000000000000000000000000000002"

	// Seed the row another writer would have created first.
	winner := models.Identity{
		ID:            uuid.New(),
		WalletAddress: address,
		DisplayName:   "collector-bbb00000",
		CredentialRef: DeriveCredential(address, []byte("credential-secret")),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(&winner).Error)

	got, err := bridge.EnsureIdentity(ctx, address)
	require.NoError(t, err)
	require.Equal(t, winner.ID, got.ID)
}

func TestSessionIssueVerifyRevoke(t *testing.T) {
	sessions := NewSessionManager([]byte("session-secret"), time.Hour, nil)
	identity := &models.Identity{ID: uuid.New(), WalletAddress: "0xaaa0000000000000000000000000000000000001"}

	token, err := sessions.Issue(identity)
	require.NoError(t, err)

	claims, err := sessions.Verify(token)
	require.NoError(t, err)
	require.Equal(t, identity.ID.String(), claims.Subject)
	require.Equal(t, identity.WalletAddress, claims.WalletAddress)

	sessions.Revoke(token)
	_, err = sessions.Verify(token)
	require.ErrorIs(t, err, ErrSessionInvalid)

	// Revoking again is a no-op.
	sessions.Revoke(token)
}

func TestSessionExpires(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	sessions := NewSessionManager([]byte("session-secret"), time.Minute, clock)
	identity := &models.Identity{ID: uuid.New(), WalletAddress: "0xaaa0000000000000000000000000000000000001"}

	token, err := sessions.Issue(identity)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = sessions.Verify(token)
	require.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSessionRejectsTamperedToken(t *testing.T) {
	sessions := NewSessionManager([]byte("session-secret"), time.Hour, nil)
	other := NewSessionManager([]byte("different-secret"), time.Hour, nil)
	identity := &models.Identity{ID: uuid.New(), WalletAddress: "0xaaa0000000000000000000000000000000000001"}

	token, err := other.Issue(identity)
	require.NoError(t, err)
	_, err = sessions.Verify(token)
	require.ErrorIs(t, err, ErrSessionInvalid)
}
