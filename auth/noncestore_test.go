package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNonceSingleUse(t *testing.T) {
	store := NewNonceStore(time.Minute, 0, nil, nil)
	ctx := context.Background()

	nonce, err := store.Issue(ctx)
	require.NoError(t, err)
	require.Len(t, nonce, 32)

	require.NoError(t, store.Consume(ctx, nonce))
	require.ErrorIs(t, store.Consume(ctx, nonce), ErrNonceConsumed)
}

func TestNonceUnknown(t *testing.T) {
	store := NewNonceStore(time.Minute, 0, nil, nil)
	require.ErrorIs(t, store.Consume(context.Background(), "never-issued"), ErrNonceUnknown)
}

func TestNonceExpires(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := NewNonceStore(time.Minute, 0, clock, nil)
	ctx := context.Background()

	nonce, err := store.Issue(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.ErrorIs(t, store.Consume(ctx, nonce), ErrNonceUnknown)
}

func TestNonceCapacityEviction(t *testing.T) {
	store := NewNonceStore(time.Minute, 0, nil, nil)
	store.capacity = 2
	ctx := context.Background()

	first, err := store.Issue(ctx)
	require.NoError(t, err)
	_, err = store.Issue(ctx)
	require.NoError(t, err)
	_, err = store.Issue(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, store.Consume(ctx, first), ErrNonceUnknown)
}

func TestNoncePersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	persistence, err := NewLevelDBNoncePersistence(dir)
	require.NoError(t, err)

	store := NewNonceStore(time.Minute, 0, nil, persistence)
	nonce, err := store.Issue(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Consume(ctx, nonce))
	require.NoError(t, persistence.Close())

	// A fresh process hydrating from the same path must still refuse the
	// consumed nonce.
	persistence, err = NewLevelDBNoncePersistence(dir)
	require.NoError(t, err)
	defer persistence.Close()

	restarted := NewNonceStore(time.Minute, 0, nil, persistence)
	require.NoError(t, restarted.Hydrate(ctx))
	require.ErrorIs(t, restarted.Consume(ctx, nonce), ErrNonceConsumed)
}

func TestLevelDBPrune(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	persistence, err := NewLevelDBNoncePersistence(dir)
	require.NoError(t, err)
	defer persistence.Close()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, persistence.PutNonce(ctx, NonceRecord{Nonce: "stale", IssuedAt: old}))
	require.NoError(t, persistence.PutNonce(ctx, NonceRecord{Nonce: "fresh", IssuedAt: time.Now()}))

	require.NoError(t, persistence.PruneNonces(ctx, time.Now().Add(-time.Minute)))

	records, err := persistence.RecentNonces(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "fresh", records[0].Nonce)
}
