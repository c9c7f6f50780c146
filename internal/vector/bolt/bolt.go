// Package bolt stores a collection in a single bbolt file. All records are
// mirrored in memory for scanning; the file is the source of truth and is
// replayed into the mirror on open.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")

	keyDimension = []byte("dimension")
	keyNextSeq   = []byte("next_seq")
)

type storedRecord struct {
	Key      string         `json:"key"`
	Identity string         `json:"identity"`
	Seq      uint64         `json:"seq"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []byte         `json:"vector"`
}

// Collection implements vector.Collection on bbolt.
type Collection struct {
	name string
	path string
	db   *bbolt.DB

	mu sync.RWMutex
	ix *vector.Index
}

// Open opens or creates <dir>/<name>.db.
func Open(dir, name string) (*Collection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Store("bolt mkdir", err)
	}
	path := filepath.Join(dir, name+".db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, errdefs.Upstream("bolt open", fmt.Errorf("%s is locked by another process: %w", path, err))
		}
		return nil, errdefs.Store("bolt open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Store("bolt init", err)
	}

	c := &Collection{name: name, path: path, db: db, ix: vector.NewIndex()}
	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collection) load() error {
	err := c.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyDimension); v != nil {
			c.ix.SetDimension(int(binary.BigEndian.Uint64(v)))
		}
		var next uint64
		if v := meta.Get(keyNextSeq); v != nil {
			next = binary.BigEndian.Uint64(v)
		}
		err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			vec, err := vector.DecodeVector(sr.Vector)
			if err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			c.ix.Put(vector.Record{
				Key:      sr.Key,
				Identity: sr.Identity,
				Vector:   vec,
				Content:  sr.Content,
				Metadata: sr.Metadata,
			}, sr.Seq)
			return nil
		})
		if err != nil {
			return err
		}
		// sequence numbers of deleted records are never reused
		c.ix.ReserveSeq(next)
		return nil
	})
	return errdefs.Store("bolt load", err)
}

func (c *Collection) Add(_ context.Context, records []vector.Record) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, dim, err := vector.PrepareBatch(records, c.ix.Dimension())
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	seqs := c.ix.Plan(batch)
	next := c.ix.NextSeq()
	for _, s := range seqs {
		if s >= next {
			next = s + 1
		}
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for i, r := range batch {
			data, err := json.Marshal(storedRecord{
				Key:      r.Key,
				Identity: r.Identity,
				Seq:      seqs[i],
				Content:  r.Content,
				Metadata: r.Metadata,
				Vector:   vector.EncodeVector(r.Vector),
			})
			if err != nil {
				return fmt.Errorf("encode %q: %w", r.Key, err)
			}
			if err := b.Put([]byte(r.Key), data); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyDimension, u64(uint64(dim))); err != nil {
			return err
		}
		return meta.Put(keyNextSeq, u64(next))
	})
	if err != nil {
		return 0, errdefs.Store("bolt add", err)
	}

	c.ix.SetDimension(dim)
	for i, r := range batch {
		c.ix.Put(r, seqs[i])
	}
	return len(records), nil
}

func (c *Collection) Query(_ context.Context, q vector.Query) ([]vector.Match, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ix.Search(q)
}

func (c *Collection) Delete(_ context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.ix.Matching(vector.IdentitySet(identities))
	if len(keys) == 0 {
		return nil
	}
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errdefs.Store("bolt delete", err)
	}
	c.ix.Remove(keys)
	return nil
}

// Persist flushes the file to stable storage. Commits are already synced
// unless the database was opened with NoSync.
func (c *Collection) Persist(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return errdefs.Store("bolt sync", c.db.Sync())
}

func (c *Collection) Stats(context.Context) (vector.Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return vector.Stats{Backend: "bolt", Collection: c.name, Count: c.ix.Len(), Dimension: c.ix.Dimension()}, nil
}

// Path is the database file.
func (c *Collection) Path() string { return c.path }

func (c *Collection) Close() error {
	return c.db.Close()
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

var _ vector.Collection = (*Collection)(nil)
