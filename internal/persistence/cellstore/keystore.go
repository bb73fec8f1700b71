package cellstore

import (
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"sync"

	"citystream.ai/internal/sim/world/cells"
)

// KV is a string key/value backend, the shape of a browser's local storage.
type KV interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
}

// KeyStore stores base64 records under city_v2_<cx>_<cz>.
type KeyStore struct {
	kv  KV
	log *log.Logger
}

const keyPrefix = "city_v2_"

func NewKeyStore(kv KV, logger *log.Logger) *KeyStore {
	return &KeyStore{kv: kv, log: logger}
}

func ItemKey(k cells.Key) string { return fmt.Sprintf("%s%d_%d", keyPrefix, k.CX, k.CZ) }

func (s *KeyStore) Load(k cells.Key) (Record, bool) {
	key := ItemKey(k)
	v, ok, err := s.kv.GetItem(key)
	if err != nil {
		s.logf("get %s: %v", key, err)
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		s.logf("%s: %v", key, err)
		return Record{}, false
	}
	r, err := Decode(b)
	if err != nil || r.Key != k {
		s.logf("%s: unusable record (%v)", key, err)
		return Record{}, false
	}
	return r, true
}

func (s *KeyStore) Save(k cells.Key, r Record) error {
	r.Key = k
	b, err := Encode(r)
	if err != nil {
		return err
	}
	return s.kv.SetItem(ItemKey(k), base64.StdEncoding.EncodeToString(b))
}

func (s *KeyStore) Close() error {
	if c, ok := s.kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *KeyStore) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// MemoryKV is an in-process KV.
type MemoryKV struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryKV() *MemoryKV { return &MemoryKV{m: map[string]string{}} }

func (m *MemoryKV) GetItem(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *MemoryKV) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
	return nil
}

func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}
