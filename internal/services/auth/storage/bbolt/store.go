// Package bbolt provides the BoltDB-backed partition state store.
//
// Every partition is a nested bucket under a single root bucket, so a
// partition transaction never touches another partition's keys.
package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const partitionsBucket = "partitions"

const (
	codePrefix   = "code/"
	familyPrefix = "family/"
	jtiPrefix    = "jti/"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("build cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("build cbor decoder: %v", err))
	}
}

// Store persists partition state in a BoltDB file.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed partition store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Update runs fn in a read-write transaction scoped to partition.
func (s *Store) Update(ctx context.Context, partition string, fn func(storage.PartitionTx) error) error {
	if err := s.check(ctx, partition); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(partitionsBucket))
		if root == nil {
			return fmt.Errorf("partitions bucket is missing")
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("create partition bucket %s: %w", partition, err)
		}
		return fn(&partitionTx{bucket: bucket})
	})
}

// View runs fn in a read-only transaction scoped to partition. A partition
// that was never written behaves as empty.
func (s *Store) View(ctx context.Context, partition string, fn func(storage.PartitionTx) error) error {
	if err := s.check(ctx, partition); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(partitionsBucket))
		if root == nil {
			return fmt.Errorf("partitions bucket is missing")
		}
		return fn(&partitionTx{bucket: root.Bucket([]byte(partition))})
	})
}

// Partitions lists partition names starting with prefix.
func (s *Store) Partitions(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(partitionsBucket))
		if root == nil {
			return fmt.Errorf("partitions bucket is missing")
		}
		c := root.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if v == nil {
				names = append(names, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// DeleteExpired removes codes, jti records and families of partition whose
// expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, partition string, now time.Time) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(partitionsBucket))
		if root == nil {
			return fmt.Errorf("partitions bucket is missing")
		}
		bucket := root.Bucket([]byte(partition))
		if bucket == nil {
			return nil
		}

		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			expiresAt, err := expiryOf(k, v)
			if err != nil {
				return err
			}
			if !expiresAt.IsZero() && expiresAt.Before(now) {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("delete expired %s: %w", k, err)
			}
		}
		deleted = len(expired)
		return nil
	})
	return deleted, err
}

func (s *Store) check(ctx context.Context, partition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partition) == "" {
		return fmt.Errorf("partition is required")
	}
	return nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(partitionsBucket)); err != nil {
			return fmt.Errorf("create partitions bucket: %w", err)
		}
		return nil
	})
}

func expiryOf(key, payload []byte) (time.Time, error) {
	switch {
	case bytes.HasPrefix(key, []byte(codePrefix)):
		var code storage.AuthCode
		if err := decMode.Unmarshal(payload, &code); err != nil {
			return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
		}
		return code.ExpiresAt, nil
	case bytes.HasPrefix(key, []byte(jtiPrefix)):
		var record storage.RefreshTokenRecord
		if err := decMode.Unmarshal(payload, &record); err != nil {
			return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
		}
		return record.ExpiresAt, nil
	case bytes.HasPrefix(key, []byte(familyPrefix)):
		var family storage.TokenFamily
		if err := decMode.Unmarshal(payload, &family); err != nil {
			return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
		}
		return family.ExpiresAt, nil
	default:
		return time.Time{}, nil
	}
}

var _ storage.PartitionStore = (*Store)(nil)
