package p2p

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	addrKeyPrefix   = "addr/"
	staleThreshold  = 24 * time.Hour
	rememberEvery   = 5 * time.Minute
	maxAddrRecords  = 500
	maxRedialOnBoot = 32
)

// AddrRecord remembers how to reach a peer across restarts.
type AddrRecord struct {
	ID       string   `json:"id"`        // base58 peer ID
	Addrs    []string `json:"addrs"`     // multiaddr strings without /p2p
	LastSeen int64    `json:"last_seen"` // unix seconds
	Source   string   `json:"source"`
	Verified bool     `json:"verified"` // passed the handshake last time
}

// AddrInfo converts the record to a dialable address set. Unparseable
// addresses are skipped.
func (r AddrRecord) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(r.ID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("decode peer id: %w", err)
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, a)
	}
	return info, nil
}

// AddrBook persists peer addresses under the "addr/" prefix.
type AddrBook struct {
	db storage.DB
}

// NewAddrBook creates a new AddrBook backed by the given DB.
func NewAddrBook(db storage.DB) *AddrBook {
	return &AddrBook{db: db}
}

func addrKey(id string) []byte {
	return []byte(addrKeyPrefix + id)
}

// Save persists a record. New peers are dropped once the book holds
// maxAddrRecords entries.
func (b *AddrBook) Save(rec AddrRecord) error {
	key := addrKey(rec.ID)
	exists, err := b.db.Has(key)
	if err != nil {
		return fmt.Errorf("check addr record: %w", err)
	}
	if !exists {
		count, err := b.Count()
		if err != nil {
			return err
		}
		if count >= maxAddrRecords {
			return nil
		}
	}
	return putJSON(b.db, key, rec)
}

// Load retrieves a single record.
func (b *AddrBook) Load(id peer.ID) (*AddrRecord, error) {
	var rec AddrRecord
	if err := getJSON(b.db, addrKey(id.String()), &rec); err != nil {
		return nil, fmt.Errorf("get addr record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every record, verified peers first, then most recently seen.
func (b *AddrBook) LoadAll() ([]AddrRecord, error) {
	var out []AddrRecord
	_, err := scanJSON(b.db, []byte(addrKeyPrefix), func(_ []byte, rec *AddrRecord) error {
		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate addr records: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Verified != out[j].Verified {
			return out[i].Verified
		}
		return out[i].LastSeen > out[j].LastSeen
	})
	return out, nil
}

// Delete removes a record.
func (b *AddrBook) Delete(id peer.ID) error {
	return b.db.Delete(addrKey(id.String()))
}

// PruneStale removes records not seen within threshold, plus corrupt ones.
func (b *AddrBook) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	var stale [][]byte
	corrupt, err := scanJSON(b.db, []byte(addrKeyPrefix), func(key []byte, rec *AddrRecord) error {
		if rec.LastSeen < cutoff {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	stale = append(stale, corrupt...)
	if err := deleteKeys(b.db, stale); err != nil {
		return 0, fmt.Errorf("delete stale addrs: %w", err)
	}
	return len(stale), nil
}

// Count returns the number of stored records.
func (b *AddrBook) Count() (int, error) {
	count := 0
	err := b.db.ForEach([]byte(addrKeyPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count addrs: %w", err)
	}
	return count, nil
}

// rememberPeers writes the current peer set to the address book.
func (n *Node) rememberPeers() {
	if n.book == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		if len(addrs) == 0 {
			continue
		}
		rec := AddrRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
			Verified: p.Verified,
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		_ = n.book.Save(rec)
	}
}

// loadRememberedPeers redials peers from previous runs.
func (n *Node) loadRememberedPeers() {
	if n.book == nil {
		return
	}
	_, _ = n.book.PruneStale(staleThreshold)
	records, err := n.book.LoadAll()
	if err != nil {
		return
	}
	dialed := 0
	for _, rec := range records {
		if dialed >= maxRedialOnBoot {
			return
		}
		info, err := rec.AddrInfo()
		if err != nil || len(info.Addrs) == 0 {
			continue
		}
		err = n.dial(info, SourceBook, peerConnectTimeout)
		if errors.Is(err, errPeerLimit) {
			return
		}
		if !errors.Is(err, errDialSelf) && !errors.Is(err, errDialFiltered) {
			dialed++
		}
	}
}

func (n *Node) runRememberLoop() {
	ticker := time.NewTicker(rememberEvery)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.rememberPeers()
			_, _ = n.book.PruneStale(staleThreshold)
		}
	}
}
