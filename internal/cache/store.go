package cache

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/types"
)

// Store is the warm tier under the in-memory cache: enriched segments written
// through on compute so a restarted instance does not recompute everything it
// already paid for. Entries carry the same TTL as the memory tier and badger
// drops them on its own.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenStore opens the persistent tier at dir. An empty dir opens an
// in-memory database, which is what the tests use.
func OpenStore(dir string, ttl time.Duration, log *logger.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Get loads the enriched segment stored under fp. The bool is false when the
// key is absent or already expired.
func (s *Store) Get(fp types.Fingerprint) (types.EnrichedSegment, bool, error) {
	var seg types.EnrichedSegment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fp))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(raw, &seg)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.EnrichedSegment{}, false, nil
	}
	if err != nil {
		return types.EnrichedSegment{}, false, fmt.Errorf("cache store get: %w", err)
	}
	return seg, true, nil
}

// Put writes seg under its fingerprint with the store's TTL.
func (s *Store) Put(seg types.EnrichedSegment) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		raw, err := msgpack.Marshal(seg)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(seg.Fingerprint), raw)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache store put: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger adapts our logger to badger's interface. Badger's info-level
// chatter (compaction, value log GC) goes to debug.
type badgerLogger struct {
	log *logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.log.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.log.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.log.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.log.Debugf(format, args...) }
