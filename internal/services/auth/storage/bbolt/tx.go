package bbolt

import (
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

// partitionTx adapts one partition bucket. bucket is nil for a partition
// viewed before its first write.
type partitionTx struct {
	bucket *bbolt.Bucket
}

func (t *partitionTx) GetAuthCode(code string) (storage.AuthCode, error) {
	var out storage.AuthCode
	err := t.get(codePrefix+code, &out)
	return out, err
}

func (t *partitionTx) PutAuthCode(code storage.AuthCode) error {
	if strings.TrimSpace(code.Code) == "" {
		return fmt.Errorf("code is required")
	}
	return t.put(codePrefix+code.Code, code)
}

func (t *partitionTx) DeleteAuthCode(code string) error {
	return t.delete(codePrefix + code)
}

func (t *partitionTx) GetFamily(familyKey string) (storage.TokenFamily, error) {
	var out storage.TokenFamily
	err := t.get(familyPrefix+familyKey, &out)
	return out, err
}

func (t *partitionTx) PutFamily(familyKey string, family storage.TokenFamily) error {
	if strings.TrimSpace(familyKey) == "" {
		return fmt.Errorf("family key is required")
	}
	return t.put(familyPrefix+familyKey, family)
}

func (t *partitionTx) DeleteFamily(familyKey string) error {
	return t.delete(familyPrefix + familyKey)
}

func (t *partitionTx) GetRefreshToken(jti string) (storage.RefreshTokenRecord, error) {
	var out storage.RefreshTokenRecord
	err := t.get(jtiPrefix+jti, &out)
	return out, err
}

func (t *partitionTx) PutRefreshToken(record storage.RefreshTokenRecord) error {
	if strings.TrimSpace(record.JTI) == "" {
		return fmt.Errorf("jti is required")
	}
	return t.put(jtiPrefix+record.JTI, record)
}

func (t *partitionTx) DeleteRefreshToken(jti string) error {
	return t.delete(jtiPrefix + jti)
}

func (t *partitionTx) get(key string, out any) error {
	if t.bucket == nil {
		return storage.ErrNotFound
	}
	payload := t.bucket.Get([]byte(key))
	if payload == nil {
		return storage.ErrNotFound
	}
	if err := decMode.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (t *partitionTx) put(key string, value any) error {
	if t.bucket == nil {
		return fmt.Errorf("partition is read-only")
	}
	payload, err := encMode.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.bucket.Put([]byte(key), payload)
}

func (t *partitionTx) delete(key string) error {
	if t.bucket == nil {
		return fmt.Errorf("partition is read-only")
	}
	return t.bucket.Delete([]byte(key))
}
