package enrollment

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/log"
)

const (
	// MaxPairedDevices is the default capacity of the enrollment table.
	MaxPairedDevices = 5
	// MaxNameLength caps device names, in bytes.
	MaxNameLength = 64
)

// ErrNotFound is returned when an identity is not enrolled.
var ErrNotFound = errors.New("enrollment: identity not found")

// Policy decides what Upsert does when a new identity would exceed the table's capacity.
type Policy int

const (
	// EvictLeastRecentlyUsed removes the record with the oldest LastSeen. Ties go to the record
	// whose identity sorts first bytewise, so the choice does not depend on insertion order.
	EvictLeastRecentlyUsed Policy = iota
	// RefuseWhenFull leaves the table unchanged and fails with EnrollmentFull.
	RefuseWhenFull
)

func (p Policy) String() string {
	if p == RefuseWhenFull {
		return "refuse"
	}
	return "lru"
}

// Record is one trusted transmitter.
type Record struct {
	Identity []byte
	Secret   []byte
	Name     string
	LastSeen time.Time
}

func (r *Record) clone() *Record {
	return &Record{
		Identity: bytes.Clone(r.Identity),
		Secret:   bytes.Clone(r.Secret),
		Name:     r.Name,
		LastSeen: r.LastSeen,
	}
}

// Store is the in-memory enrollment table, backed by a SecureStore. It is safe for concurrent
// use.
type Store struct {
	lock     sync.Mutex
	records  []*Record
	dirty    map[*Record]bool
	backend  SecureStore
	policy   Policy
	capacity int
	now      func() time.Time
}

type Option func(*Store)

func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithCapacity overrides MaxPairedDevices.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock sets the source of LastSeen timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func storeError(op string, err error) error {
	return authentication.NewError(authentication.CodeStoreUnavailable, fmt.Sprintf("%s: %s", op, err))
}

// Open loads every record from backend. Records that fail to decode are skipped with a warning.
// If the backend holds more records than the table's capacity, the least recently seen are
// dropped.
func Open(backend SecureStore, opts ...Option) (*Store, error) {
	s := &Store{
		backend:  backend,
		capacity: MaxPairedDevices,
		dirty:    make(map[*Record]bool),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	keys, err := backend.Keys()
	if err != nil {
		return nil, storeError("listing enrollments", err)
	}
	for _, key := range keys {
		blob, err := backend.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, storeError("loading enrollment", err)
		}
		record, err := decodeRecord(blob)
		if err != nil {
			log.Warning("Skipping corrupt enrollment record %02x: %s", key, err)
			continue
		}
		if !bytes.Equal(record.Identity, key) {
			log.Warning("Skipping enrollment record stored under the wrong identity")
			continue
		}
		if s.find(record.Identity) >= 0 {
			continue
		}
		s.records = append(s.records, record)
	}

	for len(s.records) > s.capacity {
		victim := s.records[s.victim()]
		log.Warning("Enrollment table over capacity; dropping %q", victim.Name)
		if err := backend.Delete(victim.Identity); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, storeError("trimming enrollments", err)
		}
		s.drop(victim)
	}
	return s, nil
}

func (s *Store) find(identity []byte) int {
	for i, r := range s.records {
		if bytes.Equal(r.Identity, identity) {
			return i
		}
	}
	return -1
}

// victim returns the index of the record to evict. The table must not be empty.
func (s *Store) victim() int {
	best := 0
	for i, r := range s.records[1:] {
		b := s.records[best]
		if r.LastSeen.Before(b.LastSeen) ||
			(r.LastSeen.Equal(b.LastSeen) && bytes.Compare(r.Identity, b.Identity) < 0) {
			best = i + 1
		}
	}
	return best
}

func (s *Store) drop(r *Record) {
	if i := s.find(r.Identity); i >= 0 {
		s.records = append(s.records[:i], s.records[i+1:]...)
	}
	delete(s.dirty, r)
}

// Len returns the number of enrolled identities.
func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.records)
}

// Capacity returns the maximum number of enrolled identities.
func (s *Store) Capacity() int {
	return s.capacity
}

// Lookup returns a copy of the record for identity.
func (s *Store) Lookup(identity []byte) (*Record, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if i := s.find(identity); i >= 0 {
		return s.records[i].clone(), true
	}
	return nil, false
}

// List returns copies of all records, most recently seen first.
func (s *Store) List() []Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// DefaultName is the name given to a transmitter that pairs without one.
func DefaultName(identity []byte) string {
	if len(identity) < 5 {
		return "transmitter"
	}
	// Skip the 0x04 point prefix.
	return fmt.Sprintf("transmitter-%02x", identity[1:5])
}

func clampName(name string) string {
	if len(name) <= MaxNameLength {
		return name
	}
	// Don't split a multi-byte character.
	cut := MaxNameLength
	for cut > 0 && name[cut]&0xc0 == 0x80 {
		cut--
	}
	return name[:cut]
}

// Upsert enrolls identity with secret, or replaces the secret of an existing enrollment. An
// empty name keeps the existing name, or assigns DefaultName to a new record.
//
// If identity is new and the table is full, the outcome depends on the Store's Policy: the
// evicted record is returned, or EnrollmentFull. If the backend fails, the table is left as it
// was and StoreUnavailable is returned.
func (s *Store) Upsert(identity, secret []byte, name string) (evicted *Record, err error) {
	if len(identity) == 0 || len(secret) == 0 {
		return nil, fmt.Errorf("enrollment: identity and secret are required")
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	record := &Record{
		Identity: bytes.Clone(identity),
		Secret:   bytes.Clone(secret),
		Name:     clampName(name),
		LastSeen: s.now(),
	}

	index := s.find(identity)
	var victim *Record
	if index >= 0 {
		if record.Name == "" {
			record.Name = s.records[index].Name
		}
	} else {
		if record.Name == "" {
			record.Name = DefaultName(identity)
		}
		if len(s.records) >= s.capacity {
			if s.policy == RefuseWhenFull {
				return nil, authentication.NewError(authentication.CodeEnrollmentFull,
					fmt.Sprintf("%d of %d devices paired", len(s.records), s.capacity))
			}
			victim = s.records[s.victim()]
		}
	}

	if err := s.backend.Put(record.Identity, encodeRecord(record)); err != nil {
		return nil, storeError("saving enrollment", err)
	}
	if victim != nil {
		if err := s.backend.Delete(victim.Identity); err != nil && !errors.Is(err, ErrNotFound) {
			// Roll back so the backend and the table agree.
			if rbErr := s.backend.Delete(record.Identity); rbErr != nil {
				log.Error("Failed to roll back enrollment of %q: %s", record.Name, rbErr)
			}
			return nil, storeError("evicting enrollment", err)
		}
		log.Info("Enrollment table full; evicted %q", victim.Name)
		s.drop(victim)
		evicted = victim.clone()
	}

	if index >= 0 {
		delete(s.dirty, s.records[index])
		s.records[index] = record
	} else {
		s.records = append(s.records, record)
	}
	return evicted, nil
}

// Remove deletes the enrollment for identity.
func (s *Store) Remove(identity []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	index := s.find(identity)
	if index < 0 {
		return ErrNotFound
	}
	if err := s.backend.Delete(identity); err != nil && !errors.Is(err, ErrNotFound) {
		return storeError("removing enrollment", err)
	}
	s.drop(s.records[index])
	return nil
}

// Rename changes the name of an enrolled identity.
func (s *Store) Rename(identity []byte, name string) error {
	name = clampName(name)
	if name == "" {
		return fmt.Errorf("enrollment: name must not be empty")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	index := s.find(identity)
	if index < 0 {
		return ErrNotFound
	}
	updated := s.records[index].clone()
	updated.Name = name
	if err := s.backend.Put(updated.Identity, encodeRecord(updated)); err != nil {
		return storeError("renaming enrollment", err)
	}
	delete(s.dirty, s.records[index])
	s.records[index] = updated
	return nil
}

// Touch sets the LastSeen time of identity to now. The change is kept in memory until Flush.
func (s *Store) Touch(identity []byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	index := s.find(identity)
	if index < 0 {
		return false
	}
	r := s.records[index]
	r.LastSeen = s.now()
	s.dirty[r] = true
	return true
}

// Flush persists LastSeen times updated by Touch.
func (s *Store) Flush() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	var errs []error
	for r := range s.dirty {
		if err := s.backend.Put(r.Identity, encodeRecord(r)); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.dirty, r)
	}
	if len(errs) > 0 {
		return storeError("flushing enrollments", errors.Join(errs...))
	}
	return nil
}
