package dispatcher

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/framing"
	"github.com/toothpaste/toothpaste/mocks"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
)

func newTestDispatcher(t *testing.T, pairing bool) (*Dispatcher, *enrollment.Store) {
	t.Helper()
	store, err := enrollment.Open(enrollment.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	hub := connector.NewHub()
	t.Cleanup(hub.Close)
	d, err := New(hub, Config{
		Store:        store,
		Output:       mocks.NewOutput(gomock.NewController(t)),
		PairingMode:  pairing,
		PairingBurst: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, store
}

func newIdentity(t *testing.T) []byte {
	t.Helper()
	pair, err := authentication.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	defer pair.Discard()
	return pair.PublicBytes()
}

func (d *Dispatcher) sessionCount() int {
	d.sessionLock.Lock()
	defer d.sessionLock.Unlock()
	return len(d.sessions)
}

func (d *Dispatcher) hasSession(identity []byte) bool {
	d.sessionLock.Lock()
	defer d.sessionLock.Unlock()
	_, ok := d.sessions[string(identity)]
	return ok
}

func TestRefusedPairingsReleaseSessions(t *testing.T) {
	d, store := newTestDispatcher(t, false)
	l := d.connect("link-1")
	for i := 0; i < 50; i++ {
		d.startHandshake(l, []byte(authentication.EncodePublicKey(newIdentity(t))))
		d.completeHandshake(context.Background(), <-d.results)
	}
	d.workers.Wait()
	if store.Len() != 0 {
		t.Errorf("Enrolled %d identities outside pairing mode", store.Len())
	}
	if n := d.sessionCount(); n != 0 {
		t.Errorf("Retained %d sessions for refused identities", n)
	}
}

func TestEvictedSessionsReleasedOnDisconnect(t *testing.T) {
	d, store := newTestDispatcher(t, true)
	var identities [][]byte
	for i := 0; i < store.Capacity()+2; i++ {
		identity := newIdentity(t)
		identities = append(identities, identity)
		id := connector.Link(fmt.Sprintf("link-%d", i))
		l := d.connect(id)
		d.startHandshake(l, []byte(authentication.EncodePublicKey(identity)))
		d.completeHandshake(context.Background(), <-d.results)
		if l.session == nil {
			t.Fatalf("Pairing %d failed", i)
		}
		d.handleEvent(context.Background(), connector.Event{Type: connector.EventDisconnected, Link: id})
	}
	d.workers.Wait()
	if n := d.sessionCount(); n != store.Capacity() {
		t.Errorf("Expected %d sessions, found %d", store.Capacity(), n)
	}
	for _, identity := range identities {
		if _, enrolled := store.Lookup(identity); !enrolled && d.hasSession(identity) {
			t.Errorf("Evicted identity %02x kept its session", identity[1:5])
		}
	}
}

func TestFatalDecryptErrorRemovesEnrollment(t *testing.T) {
	d, store := newTestDispatcher(t, false)
	identity := newIdentity(t)
	if _, err := store.Upsert(identity, bytes.Repeat([]byte{1}, 32), "broken"); err != nil {
		t.Fatal(err)
	}
	s := d.sessionFor(identity)
	// A session without a cipher fails every decryption with CipherSetupFailure.
	s.ctx = &authentication.Session{}
	l := d.connect("link-1")
	l.session = s

	packets, err := framing.NewFramer(nil).Frame(make([]byte, authentication.IVSize), make([]byte, authentication.TagSize), []byte("abc"), 100, false)
	if err != nil {
		t.Fatal(err)
	}
	data, err := packets[0].MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	d.receive(context.Background(), l, data)

	if l.session != nil {
		t.Error("Link still bound to the broken session")
	}
	if _, ok := store.Lookup(identity); ok {
		t.Error("Enrollment not removed after fatal error")
	}
	if s.ready() {
		t.Error("Session context not dropped")
	}
	if n := d.sessionCount(); n != 0 {
		t.Errorf("Retained %d sessions", n)
	}
}
