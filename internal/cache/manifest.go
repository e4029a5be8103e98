package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

const (
	manifestFile = "manifest.db"

	entriesBucket = "entries"
	metaBucket    = "meta"

	lastSyncKey = "last_synced_at"
)

// manifest persists entries in a single bbolt file. Every update is one
// transaction, so a crash leaves either the old or the new manifest.
type manifest struct {
	db *bolt.DB
}

func openManifest(path string, timeout time.Duration, readOnly bool) (*manifest, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout, ReadOnly: readOnly})
	if errors.Is(err, bolterrors.ErrTimeout) {
		return nil, fmt.Errorf("open manifest: %w", ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if readOnly {
		return &manifest{db: db}, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(metaBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create manifest buckets: %w", err)
	}
	return &manifest{db: db}, nil
}

func (m *manifest) close() error {
	return m.db.Close()
}

func (m *manifest) load() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				// An undecodable record has no trustworthy size; recovery drops it.
				entries[string(k)] = Entry{ID: string(k), Size: -1}
				return nil
			}
			e.ID = string(k)
			entries[e.ID] = e
			return nil
		})
	})
	return entries, err
}

// apply writes puts and deletes in one transaction.
func (m *manifest) apply(puts []Entry, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		for _, id := range deletes {
			if err := b.Delete([]byte(id)); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		for _, e := range puts {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.ID), data); err != nil {
				return fmt.Errorf("put %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

func (m *manifest) clear() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(entriesBucket))
		return err
	})
}

func (m *manifest) setLastSync(t time.Time) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(lastSyncKey), []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

func (m *manifest) lastSync() (time.Time, error) {
	var t time.Time
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(lastSyncKey))
		if v == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return err
		}
		t = parsed
		return nil
	})
	return t, err
}
