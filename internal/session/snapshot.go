package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// keyPrefix namespaces session snapshots in the badger store.
const keyPrefix = "session/"

// snapshot is the persisted form of a State.
type snapshot struct {
	ID         string                       `json:"id"`
	Shown      map[string]SuppressionRecord `json:"shown,omitempty"`
	Signatures map[string]SignatureRecord   `json:"signatures,omitempty"`
	Cooldowns  map[string]ToolCooldown      `json:"cooldowns,omitempty"`
	Pending    *PendingAdvisory             `json:"pending,omitempty"`
	LastSeen   time.Time                    `json:"last_seen"`
}

// Snapshotter flushes session state to a badger store for crash recovery.
type Snapshotter struct {
	db     *badger.DB
	store  *Store
	logger *zap.Logger
	now    func() time.Time
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...) // badger is chatty at info
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// OpenSnapshotter opens (or creates) the snapshot store at dir.
func OpenSnapshotter(dir string, store *Store, logger *zap.Logger) (*Snapshotter, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &Snapshotter{db: db, store: store, logger: logger, now: time.Now}, nil
}

// Close closes the underlying store.
func (s *Snapshotter) Close() error {
	return s.db.Close()
}

// Flush writes every live session and removes snapshots of sessions that
// are gone. Expired records are not written.
func (s *Snapshotter) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	now := s.now()

	live := make(map[string][]byte)
	for _, st := range s.store.All() {
		st.Lock()
		st.Purge(now)
		var (
			data []byte
			err  error
		)
		if !st.Empty() {
			data, err = json.Marshal(snapshot{
				ID:         st.ID,
				Shown:      st.Shown,
				Signatures: st.Signatures,
				Cooldowns:  st.Cooldowns,
				Pending:    st.Pending,
				LastSeen:   st.LastSeen,
			})
		}
		st.Unlock()
		if err != nil {
			return fmt.Errorf("encode session %s: %w", st.ID, err)
		}
		if data != nil {
			live[keyPrefix+st.ID] = data
		}
	}

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := live[string(key)]; !ok {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan snapshots: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for key, data := range live {
		if err := wb.Set([]byte(key), data); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush snapshots: %w", err)
	}
	return nil
}

// Restore loads every snapshot into the store, skipping records that
// expired while the process was down. Returns the number of sessions loaded.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	now := s.now()
	loaded := 0

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var snap snapshot
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable session snapshot",
					zap.ByteString("key", item.Key()), zap.Error(err))
				continue
			}

			st := NewState(snap.ID)
			for k, v := range snap.Shown {
				st.Shown[k] = v
			}
			for k, v := range snap.Signatures {
				st.Signatures[k] = v
			}
			for k, v := range snap.Cooldowns {
				st.Cooldowns[k] = v
			}
			st.Pending = snap.Pending
			st.LastSeen = snap.LastSeen
			st.Purge(now)
			if st.Empty() {
				continue
			}
			s.store.Put(st)
			loaded++
		}
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("restore snapshots: %w", err)
	}
	return loaded, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("final session flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("session flush failed", zap.Error(err))
			}
		}
	}
}
