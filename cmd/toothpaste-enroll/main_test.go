package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

func newIdentity(t *testing.T) *authentication.KeyPair {
	t.Helper()
	pair, err := authentication.GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	return pair
}

func newTestStore(t *testing.T, names ...string) (*enrollment.Store, []*authentication.KeyPair) {
	t.Helper()
	now := time.Unix(1700000000, 0)
	store, err := enrollment.Open(enrollment.NewMemoryStore(), enrollment.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	if err != nil {
		t.Fatal(err)
	}
	var pairs []*authentication.KeyPair
	for _, name := range names {
		pair := newIdentity(t)
		if _, err := store.Upsert(pair.PublicBytes(), bytes.Repeat([]byte{1}, 32), name); err != nil {
			t.Fatal(err)
		}
		pairs = append(pairs, pair)
	}
	return store, pairs
}

func TestResolveIdentity(t *testing.T) {
	store, pairs := newTestStore(t, "laptop", "phone", "phone")
	laptop := pairs[0].PublicBytes()

	if identity, err := resolveIdentity(store, "laptop"); err != nil || !bytes.Equal(identity, laptop) {
		t.Errorf("Name lookup failed: %v", err)
	}
	if _, err := resolveIdentity(store, "phone"); !errors.Is(err, ErrAmbiguousName) {
		t.Errorf("Unexpected error: %v", err)
	}

	encoded := authentication.EncodePublicKey(pairs[1].PublicBytes())
	if identity, err := resolveIdentity(store, encoded); err != nil || !bytes.Equal(identity, pairs[1].PublicBytes()) {
		t.Errorf("Base64 lookup failed: %v", err)
	}

	filename := filepath.Join(t.TempDir(), "laptop.pem")
	if err := protocol.SavePrivateKey(pairs[0], filename); err != nil {
		t.Fatal(err)
	}
	if identity, err := resolveIdentity(store, filename); err != nil || !bytes.Equal(identity, laptop) {
		t.Errorf("File lookup failed: %v", err)
	}

	stranger := authentication.EncodePublicKey(newIdentity(t).PublicBytes())
	if _, err := resolveIdentity(store, stranger); !errors.Is(err, enrollment.ErrNotFound) {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := resolveIdentity(store, "tablet"); err == nil {
		t.Error("Resolved unknown name")
	}
}

func TestExecute(t *testing.T) {
	store, pairs := newTestStore(t, "laptop", "phone")
	var out bytes.Buffer

	if err := execute(&out, store, []string{"list"}); err != nil {
		t.Fatal(err)
	}
	listing := out.String()
	if !strings.Contains(listing, "2 of 5 slots used") || !strings.Contains(listing, "laptop") {
		t.Errorf("Unexpected listing:\n%s", listing)
	}
	// Most recently seen first.
	if strings.Index(listing, "phone") > strings.Index(listing, "laptop") {
		t.Errorf("Listing out of order:\n%s", listing)
	}

	if err := execute(&out, store, []string{"rename", "laptop", "work", "laptop"}); err != nil {
		t.Fatal(err)
	}
	if r, ok := store.Lookup(pairs[0].PublicBytes()); !ok || r.Name != "work laptop" {
		t.Errorf("Rename failed: %+v", r)
	}

	if err := execute(&out, store, []string{"remove", "phone"}); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Errorf("Remove failed: %d records", store.Len())
	}

	if err := execute(&out, store, []string{"remove"}); err == nil {
		t.Error("Accepted remove without argument")
	}
	if err := execute(&out, store, []string{"clear"}); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Errorf("Clear left %d records", store.Len())
	}
}

func TestResolveIdentityMissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	missing := filepath.Join(t.TempDir(), "nope.pem")
	if _, err := resolveIdentity(store, missing); err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("Unexpected error: %v", err)
	}
}
