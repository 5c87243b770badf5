package p2p

import (
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestBanStore_PutGetDelete(t *testing.T) {
	bs := NewBanStore(storage.NewMemory())
	id := peer.ID("test-peer-1")
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    "protocol violation",
		Score:     100,
		BannedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	if err := bs.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *rec {
		t.Errorf("record mismatch: got %+v, want %+v", got, rec)
	}
	if err := bs.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Get(id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestBanStore_PruneExpired(t *testing.T) {
	for _, tc := range []struct {
		name string
		db   storage.DB
	}{
		{"batched", storage.NewMemory()},
		{"prefixed", storage.NewPrefixDB(storage.NewMemory(), []byte("p2p/"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bs := NewBanStore(tc.db)
			now := time.Now()
			bs.Put(&BanRecord{ID: "active", ExpiresAt: now.Add(time.Hour).Unix()})
			bs.Put(&BanRecord{ID: "permanent"})
			bs.Put(&BanRecord{ID: "expired", ExpiresAt: now.Add(-time.Hour).Unix()})
			tc.db.Put([]byte(banKeyPrefix+"corrupt"), []byte("{not json"))

			n, err := bs.PruneExpired()
			if err != nil {
				t.Fatalf("PruneExpired: %v", err)
			}
			if n != 2 {
				t.Errorf("pruned %d, want 2", n)
			}
			var left []string
			bs.ForEach(func(r *BanRecord) error {
				left = append(left, r.ID)
				return nil
			})
			if len(left) != 2 || left[0] != "active" || left[1] != "permanent" {
				t.Errorf("remaining records %v", left)
			}
		})
	}
}

func TestBanRecord_IsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires int64
		want    bool
	}{
		{"permanent", 0, false},
		{"future", time.Now().Add(time.Hour).Unix(), false},
		{"past", time.Now().Add(-time.Hour).Unix(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &BanRecord{ExpiresAt: tt.expires}
			if got := r.IsExpired(); got != tt.want {
				t.Errorf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}
