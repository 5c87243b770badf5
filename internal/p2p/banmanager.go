package p2p

import (
	"math"
	"sort"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour

	// ScoreHalfLife is how long it takes an offense score to halve. Peers
	// that misbehave occasionally never reach the threshold.
	ScoreHalfLife = time.Hour
)

// Penalty values for different offenses.
const (
	PenaltyReported      = 50  // Misbehavior reported by the resolver.
	PenaltyBadAnnounce   = 20  // Malformed or badly signed tip announcement.
	PenaltyBadResponse   = 10  // Malformed fetch or tips response.
	PenaltyHandshakeFail = 100 // Instant ban (namespace mismatch).
)

// offense is a decaying score.
type offense struct {
	score   float64
	updated time.Time
}

func (o offense) at(now time.Time) float64 {
	elapsed := now.Sub(o.updated)
	if elapsed <= 0 {
		return o.score
	}
	return o.score * math.Pow(0.5, float64(elapsed)/float64(ScoreHalfLife))
}

// BanManager scores peer offenses and keeps the ban list. Threshold bans
// expire after BanDuration; Block bans last until Unban.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]offense
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   *Node     // nil disables disconnect-on-ban
	now    func() time.Time
}

// NewBanManager creates a BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node *Node) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]offense),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
		now:    time.Now,
	}
}

// LoadBans restores unexpired bans from the store.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	if n, err := bm.store.PruneExpired(); err != nil {
		klog.P2P.Warn().Err(err).Msg("Prune stored bans failed")
	} else if n > 0 {
		klog.P2P.Debug().Int("count", n).Msg("Pruned stored bans")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	err := bm.store.ForEach(func(rec *BanRecord) error {
		if rec.IsExpired() {
			return nil
		}
		if id, err := peer.Decode(rec.ID); err == nil {
			bm.bans[id] = rec
		}
		return nil
	})
	if err != nil {
		klog.P2P.Warn().Err(err).Msg("Load stored bans failed")
	}
}

// RecordOffense adds penalty to the peer's decayed score and bans it for
// BanDuration once the score reaches BanThreshold.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.bannedLocked(id) {
		return
	}
	now := bm.now()
	o := offense{score: bm.scores[id].at(now) + float64(penalty), updated: now}
	if math.Round(o.score) < BanThreshold {
		bm.scores[id] = o
		return
	}
	bm.banLocked(id, reason, int(math.Round(o.score)), now.Add(BanDuration).Unix())
}

// Block bans a peer until it is explicitly unbanned. It satisfies the
// resolver's Blocker.
func (bm *BanManager) Block(id peer.ID) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if rec, ok := bm.bans[id]; ok && rec.ExpiresAt == 0 {
		return
	}
	score := int(math.Round(bm.scores[id].at(bm.now())))
	bm.banLocked(id, "invalid chunk", score, 0)
}

// Score returns the peer's current decayed offense score.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return int(math.Round(bm.scores[id].at(bm.now())))
}

func (bm *BanManager) bannedLocked(id peer.ID) bool {
	rec, ok := bm.bans[id]
	return ok && !rec.IsExpired()
}

// banLocked records a ban and disconnects the peer. Caller holds bm.mu.
// expiresAt 0 is permanent.
func (bm *BanManager) banLocked(id peer.ID, reason string, score int, expiresAt int64) {
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  bm.now().Unix(),
		ExpiresAt: expiresAt,
	}
	bm.bans[id] = rec
	delete(bm.scores, id)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Error().Err(err).Str("peer", klog.ShortPeer(id.String())).Msg("Persist ban failed")
		}
	}

	klog.P2P.Warn().
		Str("peer", klog.ShortPeer(id.String())).
		Str("reason", reason).
		Int("score", score).
		Bool("permanent", expiresAt == 0).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// IsBanned reports whether the peer is currently banned. Expired bans are
// dropped on the way.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.IsExpired() {
		return true
	}

	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban lifts a ban and forgets the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns the active bans, oldest first.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	bm.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].BannedAt != list[j].BannedAt {
			return list[i].BannedAt < list[j].BannedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// RunPruneLoop drops expired bans and fully decayed scores until done is
// closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired() {
			delete(bm.bans, id)
		}
	}
	for id, o := range bm.scores {
		if o.at(now) < 1 {
			delete(bm.scores, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}
