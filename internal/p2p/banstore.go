package p2p

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const banKeyPrefix = "ban/"

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`         // base58 peer ID
	Reason    string `json:"reason"`
	Score     int    `json:"score"`      // accumulated score at ban time
	BannedAt  int64  `json:"banned_at"`  // unix seconds
	ExpiresAt int64  `json:"expires_at"` // unix seconds, 0 = permanent
}

// IsExpired returns true if the ban has a non-zero expiry that has passed.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// BanStore persists ban records under the "ban/" prefix.
type BanStore struct {
	db storage.DB
}

// NewBanStore creates a new BanStore backed by the given DB.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: db}
}

func banKey(id string) []byte {
	return []byte(banKeyPrefix + id)
}

// Get retrieves a ban record by peer ID.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	var rec BanRecord
	if err := getJSON(bs.db, banKey(id.String()), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	return putJSON(bs.db, banKey(rec.ID), rec)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete(banKey(id.String()))
}

// ForEach iterates over all decodable ban records.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	_, err := scanJSON(bs.db, []byte(banKeyPrefix), func(_ []byte, rec *BanRecord) error {
		return fn(rec)
	})
	return err
}

// PruneExpired removes expired and corrupt records. Returns the number pruned.
func (bs *BanStore) PruneExpired() (int, error) {
	var stale [][]byte
	corrupt, err := scanJSON(bs.db, []byte(banKeyPrefix), func(key []byte, rec *BanRecord) error {
		if rec.IsExpired() {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	stale = append(stale, corrupt...)
	if err := deleteKeys(bs.db, stale); err != nil {
		return 0, fmt.Errorf("delete expired bans: %w", err)
	}
	return len(stale), nil
}
