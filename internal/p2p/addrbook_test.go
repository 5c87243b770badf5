package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
)

func TestAddrBook_SaveLoad(t *testing.T) {
	b := NewAddrBook(storage.NewMemory())
	id := generateTestPeerID(t)
	rec := AddrRecord{
		ID:       id.String(),
		Addrs:    []string{"/ip4/127.0.0.1/tcp/4001", "not-a-multiaddr"},
		LastSeen: time.Now().Unix(),
		Source:   SourceSeed,
	}
	if err := b.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := b.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, err := got.AddrInfo()
	if err != nil {
		t.Fatalf("AddrInfo: %v", err)
	}
	if info.ID != id {
		t.Errorf("id mismatch")
	}
	if len(info.Addrs) != 1 {
		t.Errorf("expected the bad address to be skipped, got %v", info.Addrs)
	}
}

func TestAddrBook_LoadAllOrder(t *testing.T) {
	b := NewAddrBook(storage.NewMemory())
	now := time.Now().Unix()
	b.Save(AddrRecord{ID: "old", LastSeen: now - 100})
	b.Save(AddrRecord{ID: "new", LastSeen: now})
	b.Save(AddrRecord{ID: "verified", LastSeen: now - 500, Verified: true})

	all, err := b.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := []string{"verified", "new", "old"}
	if len(all) != len(want) {
		t.Fatalf("got %d records, want %d", len(all), len(want))
	}
	for i, w := range want {
		if all[i].ID != w {
			t.Errorf("position %d: got %s, want %s", i, all[i].ID, w)
		}
	}
}

func TestAddrBook_PruneStale(t *testing.T) {
	db := storage.NewMemory()
	b := NewAddrBook(db)
	now := time.Now()
	b.Save(AddrRecord{ID: "fresh", LastSeen: now.Unix()})
	b.Save(AddrRecord{ID: "stale", LastSeen: now.Add(-48 * time.Hour).Unix()})
	db.Put([]byte(addrKeyPrefix+"corrupt"), []byte("garbage"))

	n, err := b.PruneStale(staleThreshold)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if c, _ := b.Count(); c != 1 {
		t.Errorf("count after prune = %d, want 1", c)
	}
}

func TestAddrBook_Capacity(t *testing.T) {
	b := NewAddrBook(storage.NewMemory())
	now := time.Now().Unix()
	for i := 0; i < maxAddrRecords; i++ {
		b.Save(AddrRecord{ID: fmt.Sprintf("peer-%03d", i), LastSeen: now})
	}
	if err := b.Save(AddrRecord{ID: "overflow", LastSeen: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if c, _ := b.Count(); c != maxAddrRecords {
		t.Errorf("count = %d, want %d", c, maxAddrRecords)
	}

	// Updating a known record is still allowed at capacity.
	first, _ := b.LoadAll()
	first[0].Source = SourceDHT
	if err := b.Save(first[0]); err != nil {
		t.Fatalf("update at capacity: %v", err)
	}
}
