package storage

import (
	"os"
	"testing"
	"time"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "readercred-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()

	tbl := store.Table("ReaderBackendClients")
	id, err := tbl.InsertAutoKey([]byte("attestation-blob"))
	if err != nil {
		t.Fatalf("InsertAutoKey: %v", err)
	}

	v, err := tbl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "attestation-blob" {
		t.Fatalf("got %q", v)
	}

	nonces := store.TableWithTTL("ReaderBackendNonces", 5*time.Millisecond)
	if err := nonces.Insert("n1", []byte{}); err != nil {
		t.Fatalf("Insert nonce: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := nonces.Get("n1"); err != ErrNotFound {
		t.Fatalf("expired nonce should read as not found, got %v", err)
	}
}
