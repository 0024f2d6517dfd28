package enrollment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/toothpaste/toothpaste/internal/log"
)

//go:generate mockgen -destination=../../mocks/secure_store.go -package=mocks -mock_names=SecureStore=SecureStore . SecureStore

// SecureStore persists opaque enrollment blobs keyed by identity bytes. Implementations must
// protect values at rest and return ErrNotFound (possibly wrapped) for missing keys.
type SecureStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Keys() ([][]byte, error)
}

// MemoryStore is a SecureStore that lives only as long as the process.
type MemoryStore struct {
	lock  sync.Mutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	value, ok := m.items[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(value), nil
}

func (m *MemoryStore) Put(key, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.items[string(key)] = bytes.Clone(value)
	return nil
}

func (m *MemoryStore) Delete(key []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.items[string(key)]; !ok {
		return ErrNotFound
	}
	delete(m.items, string(key))
	return nil
}

func (m *MemoryStore) Keys() ([][]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	keys := make([][]byte, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

// KeyringItemPrefix namespaces enrollment items within a shared keyring.
const KeyringItemPrefix = "enrollment."

// KeyringStore is a SecureStore backed by the system keyring (or keyring's encrypted file
// backend on systems without one).
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore wraps an open keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func itemKey(key []byte) string {
	return KeyringItemPrefix + base64.RawURLEncoding.EncodeToString(key)
}

func (k *KeyringStore) Get(key []byte) ([]byte, error) {
	item, err := k.ring.Get(itemKey(key))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.Data, nil
}

func (k *KeyringStore) Put(key, value []byte) error {
	return k.ring.Set(keyring.Item{
		Key:         itemKey(key),
		Data:        value,
		Label:       "toothpaste enrollment",
		Description: "Shared secret for a paired transmitter",
	})
}

func (k *KeyringStore) Delete(key []byte) error {
	err := k.ring.Remove(itemKey(key))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (k *KeyringStore) Keys() ([][]byte, error) {
	names, err := k.ring.Keys()
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for _, name := range names {
		encoded, ok := strings.CutPrefix(name, KeyringItemPrefix)
		if !ok {
			continue
		}
		key, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			log.Warning("Skipping malformed keyring item %q: %s", name, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
