package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/levenlabs/go-lflag"
	"github.com/redsync/redsync/pkg/types"
)

const (
	settingsBucket  = "settings"
	sessionBucket   = "session"
	snapshotsBucket = "snapshots"

	settingsKey = "settings"
	tokenKey    = "token"
)

// Bolt implements Database on top of a single-file embedded BoltDB store.
type Bolt struct {
	path string
	db   *bolt.DB
}

func configuredBolt() *Bolt {
	b := &Bolt{}
	path := lflag.String("bolt-path", "redsync.db", "Path to the bolt database file")
	lflag.Do(func() {
		b.path = *path
	})
	return b
}

// NewBolt returns a Bolt store for the given path. Init must be called
// before use.
func NewBolt(path string) *Bolt {
	return &Bolt{path: path}
}

// Init opens the database file and ensures all buckets exist.
func (b *Bolt) Init(ctx context.Context) error {
	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open bolt db at %s: %w", b.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{settingsBucket, sessionBucket, snapshotsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create buckets: %w", err)
	}
	b.db = db
	return nil
}

// Close releases the database file lock.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) getJSON(bucket, key string, dest interface{}) error {
	return b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, dest)
	})
}

func (b *Bolt) putJSON(bucket, key string, val interface{}) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

// GetSettings returns the stored settings and their schema version.
func (b *Bolt) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var stored struct {
		Settings types.Settings `json:"settings"`
		Version  int            `json:"version"`
	}
	if err := b.getJSON(settingsBucket, settingsKey, &stored); err != nil {
		return types.Settings{}, 0, err
	}
	return stored.Settings, stored.Version, nil
}

// SetSettings stores the settings with their schema version.
func (b *Bolt) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	return b.putJSON(settingsBucket, settingsKey, struct {
		Settings types.Settings `json:"settings"`
		Version  int            `json:"version"`
	}{Settings: settings, Version: version})
}

// GetToken returns the persisted session token.
func (b *Bolt) GetToken(ctx context.Context) (types.Token, error) {
	var t types.Token
	if err := b.getJSON(sessionBucket, tokenKey, &t); err != nil {
		return types.Token{}, err
	}
	return t, nil
}

// SetToken persists the session token so restarts can skip a full login.
func (b *Bolt) SetToken(ctx context.Context, token types.Token) error {
	return b.putJSON(sessionBucket, tokenKey, token)
}

// DeleteToken removes the persisted session token. Deleting a token that
// does not exist is not an error.
func (b *Bolt) DeleteToken(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(tokenKey))
	})
}

// GetSnapshots returns the last-known-good snapshot set.
func (b *Bolt) GetSnapshots(ctx context.Context) (map[string]types.UsageSnapshot, error) {
	out := make(map[string]types.UsageSnapshot)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(snapshotsBucket)).ForEach(func(k, v []byte) error {
			var s types.UsageSnapshot
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to decode snapshot %s: %w", string(k), err)
			}
			out[string(k)] = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSnapshots replaces the persisted snapshot set with the given one.
func (b *Bolt) SetSnapshots(ctx context.Context, snapshots map[string]types.UsageSnapshot) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(snapshotsBucket)); err != nil {
			return err
		}
		bkt, err := tx.CreateBucket([]byte(snapshotsBucket))
		if err != nil {
			return err
		}
		for k, s := range snapshots {
			data, err := json.Marshal(s)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ Database = (*Bolt)(nil)
