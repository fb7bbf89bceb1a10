package auth

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultNonceTTL      = 5 * time.Minute
	maxNonceTTL          = 30 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536

	persistencePruneInterval = time.Minute
)

var (
	// ErrNonceUnknown is returned when a nonce was never issued or has expired.
	ErrNonceUnknown = errors.New("nonce unknown or expired")
	// ErrNonceConsumed is returned when a nonce is replayed after a successful login.
	ErrNonceConsumed = errors.New("nonce already used")
)

// NonceRecord captures persisted nonce state.
type NonceRecord struct {
	Nonce    string
	IssuedAt time.Time
	Consumed bool
}

// NoncePersistence provides durable storage for login nonces so a process
// restart cannot resurrect a consumed challenge.
type NoncePersistence interface {
	PutNonce(ctx context.Context, record NonceRecord) error
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// NonceStore issues single-use login challenges and enforces their
// consume-exactly-once contract.
type NonceStore struct {
	ttl      time.Duration
	capacity int
	nowFn    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	persistence NoncePersistence
	lastPruned  time.Time
}

type nonceEntry struct {
	nonce    string
	issuedAt time.Time
	consumed bool
}

// NewNonceStore builds a store with the given TTL and capacity bounds.
func NewNonceStore(ttl time.Duration, capacity int, nowFn func() time.Time, persistence NoncePersistence) *NonceStore {
	if ttl <= 0 {
		ttl = defaultNonceTTL
	}
	if ttl > maxNonceTTL {
		ttl = maxNonceTTL
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &NonceStore{
		ttl:         ttl,
		capacity:    capacity,
		nowFn:       nowFn,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		persistence: persistence,
	}
}

// Issue generates a cryptographically random nonce and registers it.
func (s *NonceStore) Issue(ctx context.Context) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	now := s.nowFn().UTC()

	s.mu.Lock()
	s.evictExpired(now.Add(-s.ttl))
	s.insertLocked(nonce, now, false)
	s.mu.Unlock()

	if s.persistence != nil {
		if err := s.prunePersistent(ctx, now); err != nil {
			return "", err
		}
		if err := s.persistence.PutNonce(ctx, NonceRecord{Nonce: nonce, IssuedAt: now}); err != nil {
			return "", fmt.Errorf("persist nonce: %w", err)
		}
	}
	return nonce, nil
}

// Consume invalidates the nonce, failing if it was never issued, has expired,
// or was already used.
func (s *NonceStore) Consume(ctx context.Context, nonce string) error {
	now := s.nowFn().UTC()

	s.mu.Lock()
	s.evictExpired(now.Add(-s.ttl))
	elem, ok := s.entries[nonce]
	if !ok {
		s.mu.Unlock()
		return ErrNonceUnknown
	}
	entry := elem.Value.(nonceEntry)
	if entry.consumed {
		s.mu.Unlock()
		return ErrNonceConsumed
	}
	entry.consumed = true
	elem.Value = entry
	s.mu.Unlock()

	if s.persistence != nil {
		if err := s.persistence.PutNonce(ctx, NonceRecord{Nonce: nonce, IssuedAt: entry.issuedAt, Consumed: true}); err != nil {
			return fmt.Errorf("persist nonce consumption: %w", err)
		}
	}
	return nil
}

// Hydrate warms the in-memory cache from persisted records so consumed nonces
// stay dead across restarts.
func (s *NonceStore) Hydrate(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	cutoff := s.nowFn().UTC().Add(-s.ttl)
	records, err := s.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Nonce == "" {
			continue
		}
		s.insertLocked(rec.Nonce, rec.IssuedAt, rec.Consumed)
	}
	return nil
}

func (s *NonceStore) prunePersistent(ctx context.Context, now time.Time) error {
	if s.persistence == nil || s.ttl <= 0 {
		return nil
	}
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := s.persistence.PruneNonces(ctx, now.Add(-s.ttl)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	s.lastPruned = now
	return nil
}

func (s *NonceStore) insertLocked(nonce string, issuedAt time.Time, consumed bool) {
	if elem, exists := s.entries[nonce]; exists {
		elem.Value = nonceEntry{nonce: nonce, issuedAt: issuedAt, consumed: consumed}
		s.order.MoveToBack(elem)
		return
	}
	for s.order.Len() >= s.capacity {
		s.evictFront()
	}
	elem := s.order.PushBack(nonceEntry{nonce: nonce, issuedAt: issuedAt, consumed: consumed})
	s.entries[nonce] = elem
}

func (s *NonceStore) evictExpired(cutoff time.Time) {
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.issuedAt.Before(cutoff) {
			return
		}
		s.order.Remove(front)
		delete(s.entries, entry.nonce)
	}
}

func (s *NonceStore) evictFront() {
	front := s.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	s.order.Remove(front)
	delete(s.entries, entry.nonce)
}
