// Package peers scores fetch peers by observed latency and enforces
// per-peer request quotas.
package peers

import (
	"bytes"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultInitial        = time.Second
	DefaultMaxOutstanding = 1
	DefaultPenalty        = 2.0
	DefaultDecay          = 0.8
	DefaultMaxLatency     = time.Minute
)

// Quota is a token bucket: PerSecond refill rate and Burst capacity.
// A zero PerSecond means unlimited.
type Quota struct {
	PerSecond float64
	Burst     int
}

func (q Quota) newLimiter() *rate.Limiter {
	burst := q.Burst
	if burst < 1 {
		burst = 1
	}
	if q.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(q.PerSecond), burst)
}

// Config controls scoring and admission.
type Config struct {
	Initial         time.Duration // latency assumed for a new peer
	Quota           Quota
	MaxOutstanding  int     // concurrent requests per peer
	Penalty         float64 // latency multiplier on failure
	Decay           float64 // EWMA weight of the previous estimate
	MaxLatency      time.Duration
	ActivityTimeout time.Duration // zero disables eviction
}

// Stats is a copy of one peer's record.
type Stats struct {
	ID          peer.ID
	Latency     time.Duration
	Outstanding int
	LastActive  time.Time
}

type record struct {
	limiter     *rate.Limiter
	latency     float64 // nanoseconds
	outstanding int
	lastActive  time.Time
}

// Tracker holds per-peer performance records. It is safe for concurrent use.
// Every method takes the current time so callers control the clock.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	peers map[peer.ID]*record
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitial
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = DefaultMaxOutstanding
	}
	if cfg.Penalty < 1 {
		cfg.Penalty = DefaultPenalty
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = DefaultDecay
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = DefaultMaxLatency
	}
	if cfg.MaxLatency < cfg.Initial {
		cfg.MaxLatency = cfg.Initial
	}
	return &Tracker{
		cfg:   cfg,
		peers: make(map[peer.ID]*record),
	}
}

// get returns the record for id, creating it on first contact.
// Caller must hold t.mu.
func (t *Tracker) get(id peer.ID, now time.Time) *record {
	rec, ok := t.peers[id]
	if !ok {
		rec = &record{
			limiter:    t.cfg.Quota.newLimiter(),
			latency:    float64(t.cfg.Initial),
			lastActive: now,
		}
		t.peers[id] = rec
	}
	return rec
}

// ready reports whether rec can take one more request at now.
func (t *Tracker) ready(rec *record, now time.Time) bool {
	return rec.outstanding < t.cfg.MaxOutstanding && tokenDelay(rec.limiter, now) == 0
}

// Select returns the candidate with the lowest latency estimate that has
// both a free request slot and a token at now. Ties go to the smaller
// peer ID. Unknown candidates are recorded with the initial latency.
func (t *Tracker) Select(now time.Time, candidates []peer.ID) (peer.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		best    peer.ID
		bestLat float64
		found   bool
	)
	for _, id := range candidates {
		rec := t.get(id, now)
		if !t.ready(rec, now) {
			continue
		}
		if !found || rec.latency < bestLat ||
			(rec.latency == bestLat && bytes.Compare([]byte(id), []byte(best)) < 0) {
			best, bestLat, found = id, rec.latency, true
		}
	}
	return best, found
}

// Acquire consumes one token and one request slot. It returns false if the
// peer has neither available at now.
func (t *Tracker) Acquire(id peer.ID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.get(id, now)
	if rec.outstanding >= t.cfg.MaxOutstanding || !rec.limiter.AllowN(now, 1) {
		return false
	}
	rec.outstanding++
	rec.lastActive = now
	return true
}

// Release frees a request slot. Unknown peers are ignored.
func (t *Tracker) Release(id peer.ID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[id]
	if !ok {
		return
	}
	if rec.outstanding > 0 {
		rec.outstanding--
	}
	rec.lastActive = now
}

// Observe folds a successful round trip into the latency estimate.
// Unknown peers are ignored.
func (t *Tracker) Observe(id peer.ID, elapsed time.Duration, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[id]
	if !ok {
		return
	}
	rec.latency = rec.latency*t.cfg.Decay + float64(elapsed)*(1-t.cfg.Decay)
	rec.lastActive = now
}

// Penalize multiplies the latency estimate after a failure, capped at
// MaxLatency. The peer stays selectable. Unknown peers are ignored, so a
// removed peer is not brought back by a late failure.
func (t *Tracker) Penalize(id peer.ID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[id]
	if !ok {
		return
	}
	rec.latency = math.Min(rec.latency*t.cfg.Penalty, float64(t.cfg.MaxLatency))
	rec.lastActive = now
}

// NextReady returns how long until some candidate can be selected. The
// second result is false when every candidate is at its request cap, in
// which case only a Release can make progress.
func (t *Tracker) NextReady(now time.Time, candidates []peer.ID) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		wait  time.Duration
		found bool
	)
	for _, id := range candidates {
		rec, ok := t.peers[id]
		if !ok {
			return 0, true
		}
		if rec.outstanding >= t.cfg.MaxOutstanding {
			continue
		}
		d := tokenDelay(rec.limiter, now)
		if !found || d < wait {
			wait, found = d, true
		}
	}
	return wait, found
}

// tokenDelay is the time until lim holds one whole token.
func tokenDelay(lim *rate.Limiter, now time.Time) time.Duration {
	if lim.Limit() == rate.Inf {
		return 0
	}
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / float64(lim.Limit()) * float64(time.Second)))
}

// Remove forgets a peer.
func (t *Tracker) Remove(id peer.ID) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

// Evict drops peers with no outstanding requests that have been idle for
// longer than ActivityTimeout. It returns the evicted IDs.
func (t *Tracker) Evict(now time.Time) []peer.ID {
	if t.cfg.ActivityTimeout <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []peer.ID
	for id, rec := range t.peers {
		if rec.outstanding == 0 && now.Sub(rec.lastActive) > t.cfg.ActivityTimeout {
			delete(t.peers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Get returns a copy of one peer's record.
func (t *Tracker) Get(id peer.ID) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[id]
	if !ok {
		return Stats{}, false
	}
	return rec.stats(id), true
}

// Snapshot returns every record, fastest first.
func (t *Tracker) Snapshot() []Stats {
	t.mu.Lock()
	out := make([]Stats, 0, len(t.peers))
	for id, rec := range t.peers {
		out = append(out, rec.stats(id))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Latency != out[j].Latency {
			return out[i].Latency < out[j].Latency
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracked peers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (r *record) stats(id peer.ID) Stats {
	return Stats{
		ID:          id,
		Latency:     time.Duration(r.latency),
		Outstanding: r.outstanding,
		LastActive:  r.lastActive,
	}
}
