package enrollment_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/99designs/keyring"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/mocks"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
)

func identity(n byte) []byte {
	id := make([]byte, authentication.PublicKeySize)
	id[0] = 0x04
	id[1] = n
	return id
}

func secret(n byte) []byte {
	return bytes.Repeat([]byte{n}, authentication.SharedSecretSize)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance() {
	c.t = c.t.Add(time.Second)
}

var _ = Describe("Store", func() {
	var (
		clock   *fakeClock
		backend *enrollment.MemoryStore
		store   *enrollment.Store
	)

	open := func(opts ...enrollment.Option) *enrollment.Store {
		s, err := enrollment.Open(backend, append([]enrollment.Option{enrollment.WithClock(clock.now)}, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	fill := func(n int) {
		for i := 1; i <= n; i++ {
			_, err := store.Upsert(identity(byte(i)), secret(byte(i)), fmt.Sprintf("device %d", i))
			Expect(err).NotTo(HaveOccurred())
			clock.advance()
		}
	}

	BeforeEach(func() {
		clock = &fakeClock{t: time.UnixMilli(1700000000000)}
		backend = enrollment.NewMemoryStore()
		store = open()
	})

	Describe("Upsert", func() {
		It("inserts and looks up a record", func() {
			evicted, err := store.Upsert(identity(1), secret(1), "keyboard")
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(BeNil())

			record, ok := store.Lookup(identity(1))
			Expect(ok).To(BeTrue())
			Expect(record.Secret).To(Equal(secret(1)))
			Expect(record.Name).To(Equal("keyboard"))
			Expect(record.LastSeen).To(Equal(clock.t))

			_, ok = store.Lookup(identity(2))
			Expect(ok).To(BeFalse())
		})

		It("overwrites an existing record in place", func() {
			fill(2)
			_, err := store.Upsert(identity(1), secret(9), "")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Len()).To(Equal(2))

			record, _ := store.Lookup(identity(1))
			Expect(record.Secret).To(Equal(secret(9)))
			Expect(record.Name).To(Equal("device 1"))
		})

		It("assigns a default name", func() {
			_, err := store.Upsert(identity(7), secret(7), "")
			Expect(err).NotTo(HaveOccurred())
			record, _ := store.Lookup(identity(7))
			Expect(record.Name).To(Equal(enrollment.DefaultName(identity(7))))
		})

		It("truncates long names", func() {
			_, err := store.Upsert(identity(1), secret(1), strings.Repeat("é", enrollment.MaxNameLength))
			Expect(err).NotTo(HaveOccurred())
			record, _ := store.Lookup(identity(1))
			Expect(len(record.Name)).To(BeNumerically("<=", enrollment.MaxNameLength))
			Expect(strings.ToValidUTF8(record.Name, "?")).To(Equal(record.Name))
		})

		It("returns copies", func() {
			fill(1)
			record, _ := store.Lookup(identity(1))
			record.Secret[0] ^= 0xff
			again, _ := store.Lookup(identity(1))
			Expect(again.Secret).To(Equal(secret(1)))
		})

		It("evicts the least recently seen record when full", func() {
			fill(enrollment.MaxPairedDevices)
			Expect(store.Touch(identity(1))).To(BeTrue())
			clock.advance()

			evicted, err := store.Upsert(identity(100), secret(100), "newcomer")
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).NotTo(BeNil())
			Expect(evicted.Identity).To(Equal(identity(2)))
			Expect(store.Len()).To(Equal(enrollment.MaxPairedDevices))

			_, ok := store.Lookup(identity(2))
			Expect(ok).To(BeFalse())
			_, err = backend.Get(identity(2))
			Expect(err).To(MatchError(enrollment.ErrNotFound))
		})

		It("breaks LastSeen ties by identity", func() {
			for _, n := range []byte{3, 1, 2} {
				_, err := store.Upsert(identity(n), secret(n), "")
				Expect(err).NotTo(HaveOccurred())
			}
			small := open(enrollment.WithCapacity(3))
			evicted, err := small.Upsert(identity(9), secret(9), "")
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted.Identity).To(Equal(identity(1)))
		})

		It("refuses new identities when full under RefuseWhenFull", func() {
			store = open(enrollment.WithPolicy(enrollment.RefuseWhenFull))
			fill(enrollment.MaxPairedDevices)

			evicted, err := store.Upsert(identity(100), secret(100), "")
			Expect(evicted).To(BeNil())
			Expect(errors.Is(err, authentication.ErrEnrollmentFull)).To(BeTrue())
			Expect(store.Len()).To(Equal(enrollment.MaxPairedDevices))

			// Existing identities can still re-pair.
			_, err = store.Upsert(identity(1), secret(50), "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects empty secrets", func() {
			_, err := store.Upsert(identity(1), nil, "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("persistence", func() {
		It("reloads records", func() {
			fill(3)
			Expect(store.Rename(identity(2), "renamed")).To(Succeed())

			reopened := open()
			Expect(reopened.Len()).To(Equal(3))
			record, ok := reopened.Lookup(identity(2))
			Expect(ok).To(BeTrue())
			Expect(record.Name).To(Equal("renamed"))
			Expect(record.Secret).To(Equal(secret(2)))
			Expect(record.LastSeen.UnixMilli()).To(Equal(clock.t.Add(-2 * time.Second).UnixMilli()))
		})

		It("skips corrupt records", func() {
			fill(2)
			Expect(backend.Put(identity(3), []byte{0xff, 0xff})).To(Succeed())
			reopened := open()
			Expect(reopened.Len()).To(Equal(2))
		})

		It("skips records filed under another identity", func() {
			fill(1)
			blob, err := backend.Get(identity(1))
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Put(identity(2), blob)).To(Succeed())
			Expect(open().Len()).To(Equal(1))
		})

		It("trims an over-capacity backend", func() {
			fill(4)
			small := open(enrollment.WithCapacity(2))
			Expect(small.Len()).To(Equal(2))
			_, ok := small.Lookup(identity(4))
			Expect(ok).To(BeTrue())
			keys, err := backend.Keys()
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(HaveLen(2))
		})

		It("persists Touch only on Flush", func() {
			fill(1)
			clock.advance()
			Expect(store.Touch(identity(1))).To(BeTrue())
			Expect(store.Touch(identity(9))).To(BeFalse())

			record, _ := open().Lookup(identity(1))
			Expect(record.LastSeen.Before(clock.t)).To(BeTrue())

			Expect(store.Flush()).To(Succeed())
			record, _ = open().Lookup(identity(1))
			Expect(record.LastSeen.UnixMilli()).To(Equal(clock.t.UnixMilli()))
		})
	})

	Describe("Remove and Rename", func() {
		It("removes records", func() {
			fill(2)
			Expect(store.Remove(identity(1))).To(Succeed())
			Expect(store.Len()).To(Equal(1))
			Expect(store.Remove(identity(1))).To(MatchError(enrollment.ErrNotFound))
			Expect(open().Len()).To(Equal(1))
		})

		It("rejects renaming unknown identities", func() {
			Expect(store.Rename(identity(1), "x")).To(MatchError(enrollment.ErrNotFound))
			fill(1)
			Expect(store.Rename(identity(1), "")).NotTo(Succeed())
		})

		It("lists most recently seen first", func() {
			fill(3)
			names := []string{}
			for _, r := range store.List() {
				names = append(names, r.Name)
			}
			Expect(names).To(Equal([]string{"device 3", "device 2", "device 1"}))
		})
	})

	Describe("backend failures", func() {
		var (
			ctrl *gomock.Controller
			mock *mocks.SecureStore
		)
		failure := errors.New("disk on fire")

		BeforeEach(func() {
			ctrl = gomock.NewController(GinkgoT())
			mock = mocks.NewSecureStore(ctrl)
			DeferCleanup(func() {
				ctrl.Finish()
			})
		})

		It("fails to open when keys cannot be listed", func() {
			mock.EXPECT().Keys().Return(nil, failure)
			_, err := enrollment.Open(mock)
			Expect(errors.Is(err, authentication.ErrStoreUnavailable)).To(BeTrue())
		})

		It("leaves the table unchanged when a write fails", func() {
			mock.EXPECT().Keys().Return(nil, nil)
			s, err := enrollment.Open(mock, enrollment.WithClock(clock.now))
			Expect(err).NotTo(HaveOccurred())

			mock.EXPECT().Put(identity(1), gomock.Any()).Return(nil)
			_, err = s.Upsert(identity(1), secret(1), "one")
			Expect(err).NotTo(HaveOccurred())

			mock.EXPECT().Put(identity(1), gomock.Any()).Return(failure)
			_, err = s.Upsert(identity(1), secret(2), "two")
			Expect(errors.Is(err, authentication.ErrStoreUnavailable)).To(BeTrue())

			record, _ := s.Lookup(identity(1))
			Expect(record.Secret).To(Equal(secret(1)))
			Expect(record.Name).To(Equal("one"))

			mock.EXPECT().Put(identity(1), gomock.Any()).Return(failure)
			Expect(s.Rename(identity(1), "three")).NotTo(Succeed())
			record, _ = s.Lookup(identity(1))
			Expect(record.Name).To(Equal("one"))
		})

		It("rolls back an insert when eviction fails", func() {
			mock.EXPECT().Keys().Return(nil, nil)
			s, err := enrollment.Open(mock, enrollment.WithClock(clock.now), enrollment.WithCapacity(1))
			Expect(err).NotTo(HaveOccurred())

			mock.EXPECT().Put(identity(1), gomock.Any()).Return(nil)
			_, err = s.Upsert(identity(1), secret(1), "")
			Expect(err).NotTo(HaveOccurred())

			gomock.InOrder(
				mock.EXPECT().Put(identity(2), gomock.Any()).Return(nil),
				mock.EXPECT().Delete(identity(1)).Return(failure),
				mock.EXPECT().Delete(identity(2)).Return(nil),
			)
			_, err = s.Upsert(identity(2), secret(2), "")
			Expect(errors.Is(err, authentication.ErrStoreUnavailable)).To(BeTrue())
			_, ok := s.Lookup(identity(1))
			Expect(ok).To(BeTrue())
			_, ok = s.Lookup(identity(2))
			Expect(ok).To(BeFalse())
		})

		It("keeps Touch updates pending when Flush fails", func() {
			mock.EXPECT().Keys().Return(nil, nil)
			s, err := enrollment.Open(mock, enrollment.WithClock(clock.now))
			Expect(err).NotTo(HaveOccurred())
			mock.EXPECT().Put(identity(1), gomock.Any()).Return(nil)
			_, err = s.Upsert(identity(1), secret(1), "")
			Expect(err).NotTo(HaveOccurred())

			s.Touch(identity(1))
			mock.EXPECT().Put(identity(1), gomock.Any()).Return(failure)
			Expect(s.Flush()).NotTo(Succeed())
			mock.EXPECT().Put(identity(1), gomock.Any()).Return(nil)
			Expect(s.Flush()).To(Succeed())
			Expect(s.Flush()).To(Succeed())
		})
	})
})

var _ = Describe("KeyringStore", func() {
	It("round trips records through a keyring", func() {
		ring := keyring.NewArrayKeyring([]keyring.Item{{Key: "unrelated", Data: []byte("x")}})
		backend := enrollment.NewKeyringStore(ring)

		store, err := enrollment.Open(backend)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Len()).To(Equal(0))

		_, err = store.Upsert(identity(1), secret(1), "laptop")
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Upsert(identity(2), secret(2), "phone")
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Remove(identity(2))).To(Succeed())

		keys, err := backend.Keys()
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(ConsistOf(identity(1)))

		reopened, err := enrollment.Open(backend)
		Expect(err).NotTo(HaveOccurred())
		record, ok := reopened.Lookup(identity(1))
		Expect(ok).To(BeTrue())
		Expect(record.Name).To(Equal("laptop"))

		_, err = backend.Get(identity(9))
		Expect(err).To(MatchError(enrollment.ErrNotFound))
	})

	It("skips items with malformed names", func() {
		ring := keyring.NewArrayKeyring([]keyring.Item{{Key: enrollment.KeyringItemPrefix + "not*base64!", Data: []byte("x")}})
		backend := enrollment.NewKeyringStore(ring)
		Expect(backend.Put(identity(1), []byte("blob"))).To(Succeed())

		keys, err := backend.Keys()
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(ConsistOf(identity(1)))
	})

	It("opens a keyring holding a malformed item", func() {
		ring := keyring.NewArrayKeyring([]keyring.Item{{Key: enrollment.KeyringItemPrefix + "%%%", Data: []byte("x")}})
		backend := enrollment.NewKeyringStore(ring)
		first, err := enrollment.Open(backend)
		Expect(err).NotTo(HaveOccurred())
		_, err = first.Upsert(identity(1), secret(1), "laptop")
		Expect(err).NotTo(HaveOccurred())

		store, err := enrollment.Open(backend)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Len()).To(Equal(1))
	})
})
