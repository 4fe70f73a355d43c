package dedup

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const gcInterval = 5 * time.Minute

// HotIndex is a TTL cache from dedup keys to signal ids. Entries expire
// after the dedup window. It only ever holds keys whose signal is already
// committed to the store, so a hit is always a true duplicate; a miss says
// nothing and falls through to the store.
type HotIndex struct {
	db     *badger.DB
	window time.Duration
	logger zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// OpenHotIndex opens the index at path, or in memory when path is empty.
func OpenHotIndex(path string, window time.Duration, logger zerolog.Logger) (*HotIndex, error) {
	if window <= 0 {
		return nil, errors.New("hot index: window must be positive")
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("hot index: create directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(false)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("hot index: open: %w", err)
	}

	h := &HotIndex{
		db:     db,
		window: window,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if path != "" {
		go h.runGC()
	} else {
		close(h.done)
	}
	return h, nil
}

// Lookup returns the signal id stored under key.
func (h *HotIndex) Lookup(key string) (id string, ok bool, err error) {
	err = h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hot index lookup: %w", err)
	}
	return id, true, nil
}

// Remember stores id under every key for the dedup window.
func (h *HotIndex) Remember(id string, keys ...string) error {
	err := h.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if key == "" {
				continue
			}
			if err := txn.SetEntry(badger.NewEntry([]byte(key), []byte(id)).WithTTL(h.window)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hot index remember: %w", err)
	}
	return nil
}

// Close stops garbage collection and closes the database.
func (h *HotIndex) Close() error {
	h.once.Do(func() { close(h.stop) })
	<-h.done
	return h.db.Close()
}

func (h *HotIndex) runGC() {
	defer close(h.done)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			err := h.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				h.logger.Warn().Err(err).Msg("hot index value log GC failed")
			}
		}
	}
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
