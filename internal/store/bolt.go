package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/poller"
)

var (
	bucketGateway     = []byte("gateway")
	bucketSnapshot    = []byte("snapshot")
	bucketUnknownKeys = []byte("unknown_keys")

	keyGatewayInfo = []byte("info")
	keySnapshot    = []byte("latest")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGateway, bucketSnapshot, bucketUnknownKeys} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveGatewayInfo(info *energymanager.GatewayInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(keyGatewayInfo, data)
	})
}

func (s *BoltStore) GetGatewayInfo() (*energymanager.GatewayInfo, error) {
	var info energymanager.GatewayInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data := b.Get(keyGatewayInfo)
		if data == nil {
			return fmt.Errorf("gateway info: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) SaveSnapshot(snap *poller.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshot)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(keySnapshot, data)
	})
}

func (s *BoltStore) GetSnapshot() (*poller.Snapshot, error) {
	var snap poller.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshot)
		}
		data := b.Get(keySnapshot)
		if data == nil {
			return fmt.Errorf("snapshot: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) RecordUnknownKeys(keys []string, seen time.Time) ([]string, error) {
	var added []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnknownKeys)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketUnknownKeys)
		}
		for _, key := range keys {
			if b.Get([]byte(key)) != nil {
				continue
			}
			if err := b.Put([]byte(key), []byte(seen.UTC().Format(time.RFC3339))); err != nil {
				return err
			}
			added = append(added, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (s *BoltStore) ListUnknownKeys() ([]UnknownKey, error) {
	var keys []UnknownKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnknownKeys)
		if b == nil {
			return nil
		}
		keys = make([]UnknownKey, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			ts, err := time.Parse(time.RFC3339, string(v))
			if err != nil {
				ts = time.Time{}
			}
			keys = append(keys, UnknownKey{Key: string(k), FirstSeen: ts})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
	return keys, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
