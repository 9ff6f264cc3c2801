// Package bytecache keeps downloaded blob bytes around so that mirroring
// the same blob to several servers downloads it once, not once per target.
package bytecache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/sablewood/mediamesh/models"
)

const defaultTTL = time.Hour

type Config struct {
	Directory string // empty selects an in-memory store
	TTL       time.Duration
	Logger    *slog.Logger
}

// Cache is a content-addressed byte store. Keys are the blob hash, so a
// corrupted value is detectable on every read.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

func Open(cfg *Config) (*Cache, error) {
	var opts badger.Options
	if cfg.Directory == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(cfg.Directory)
	}
	opts = opts.
		WithLogger(storeLog{log: cfg.Logger.WithGroup("bytecache")}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Cache{db: db, ttl: ttl, logger: cfg.Logger}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached bytes for hash, or (nil, false) on a miss. Bytes
// are re-hashed on the way out; a corrupt entry is dropped and reported as
// a miss rather than handed to the caller.
func (c *Cache) Get(hash models.ContentHash) ([]byte, bool) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hash.String()))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("byte cache read failed", "hash", hash, "error", err)
		}
		return nil, false
	}

	if models.HashBytes(data) != hash {
		c.logger.Warn("byte cache entry corrupt, dropping", "hash", hash)
		c.Delete(hash)
		return nil, false
	}
	return data, true
}

// Put stores data under hash. Data that does not hash to hash is refused.
func (c *Cache) Put(hash models.ContentHash, data []byte) error {
	if models.HashBytes(data) != hash {
		return errors.New("data does not match hash")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(hash.String()), data).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}

func (c *Cache) Delete(hash models.ContentHash) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(hash.String()))
	})
	if err != nil {
		c.logger.Warn("byte cache delete failed", "hash", hash, "error", err)
	}
}

// storeLog routes badger's printf-style logging into our slog output.
type storeLog struct {
	log *slog.Logger
}

func (s storeLog) Errorf(format string, args ...any)   { s.log.Error(fmt.Sprintf(format, args...)) }
func (s storeLog) Warningf(format string, args ...any) { s.log.Warn(fmt.Sprintf(format, args...)) }
func (s storeLog) Infof(format string, args ...any)    { s.log.Info(fmt.Sprintf(format, args...)) }
func (s storeLog) Debugf(format string, args ...any)   { s.log.Debug(fmt.Sprintf(format, args...)) }
