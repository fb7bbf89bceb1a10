package auth

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNoncePersistence provides a LevelDB-backed NoncePersistence
// implementation.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at the
// provided path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// PutNonce upserts the record; consumed state only ever moves forward.
func (p *LevelDBNoncePersistence) PutNonce(ctx context.Context, record NonceRecord) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	nonce := strings.TrimSpace(record.Nonce)
	if nonce == "" {
		return fmt.Errorf("nonce record incomplete")
	}
	issued := record.IssuedAt.UTC()
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	nanos := issued.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put([]byte(nonceKeyPrefix+nonce), encodeNonceValue(nanos, record.Consumed))
	batch.Put([]byte(observedKey(nanos, nonce)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	return nil
}

// RecentNonces returns records issued at or after the provided cutoff.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for ok := iter.Seek(cutoffKey); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		nonce, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		value, err := p.db.Get([]byte(nonceKeyPrefix+nonce), nil)
		if err != nil {
			continue
		}
		nanos, consumed := decodeNonceValue(value)
		records = append(records, NonceRecord{
			Nonce:    nonce,
			IssuedAt: time.Unix(0, nanos).UTC(),
			Consumed: consumed,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries issued before the provided cutoff time.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if string(iter.Key()) >= string(cutoffKey) {
			break
		}
		nonce, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + nonce))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, nonce string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, nonce)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := strings.TrimPrefix(string(key), observedKeyPrefix)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], nanos, true
}

func encodeNonceValue(nanos int64, consumed bool) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	if consumed {
		buf[8] = 1
	}
	return buf
}

func decodeNonceValue(value []byte) (int64, bool) {
	if len(value) < 9 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(value[:8])), value[8] == 1
}
