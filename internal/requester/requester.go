// Package requester picks which peer serves the next fetch and tracks the
// fetches in flight. It never retries: callers decide what to do after a
// Timeout.
package requester

import (
	"sort"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Config configures a Requester.
type Config struct {
	Me                    peer.ID // never selected
	RateLimit             peers.Quota
	Initial               time.Duration
	Timeout               time.Duration
	MaxOutstandingPerPeer int
	ActivityTimeout       time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ID identifies an outstanding request.
type ID uint64

// Request is a lease on one peer's capacity.
type Request struct {
	ID       ID
	Peer     peer.ID
	Start    time.Time
	Deadline time.Time
}

// Requester selects peers and tracks outstanding requests. It is safe for
// concurrent use.
type Requester struct {
	cfg     Config
	now     func() time.Time
	tracker *peers.Tracker

	mu           sync.Mutex
	participants []peer.ID
	blocked      map[peer.ID]struct{}
	pending      map[ID]Request
	nextID       ID
}

// New creates a Requester.
func New(cfg Config) *Requester {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Requester{
		cfg: cfg,
		now: now,
		tracker: peers.New(peers.Config{
			Initial:         cfg.Initial,
			Quota:           cfg.RateLimit,
			MaxOutstanding:  cfg.MaxOutstandingPerPeer,
			ActivityTimeout: cfg.ActivityTimeout,
		}),
		blocked: make(map[peer.ID]struct{}),
		pending: make(map[ID]Request),
	}
}

// Reconcile replaces the set of peers that may be asked. Blocked peers and
// Me are filtered out.
func (r *Requester) Reconcile(participants []peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]peer.ID, 0, len(participants))
	seen := make(map[peer.ID]struct{}, len(participants))
	for _, id := range participants {
		if id == r.cfg.Me {
			continue
		}
		if _, ok := r.blocked[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	r.participants = out
}

// Participants returns a copy of the eligible peer set.
func (r *Requester) Participants() []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]peer.ID(nil), r.participants...)
}

// candidates returns participants minus exclude. Caller must hold r.mu.
func (r *Requester) candidates(exclude []peer.ID) []peer.ID {
	if len(exclude) == 0 {
		return r.participants
	}
	out := make([]peer.ID, 0, len(r.participants))
outer:
	for _, id := range r.participants {
		for _, ex := range exclude {
			if id == ex {
				continue outer
			}
		}
		out = append(out, id)
	}
	return out
}

// Request leases the best available peer without blocking. It returns
// false if no candidate has both quota and a free slot right now.
func (r *Requester) Request(exclude ...peer.ID) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	id, ok := r.tracker.Select(now, r.candidates(exclude))
	if !ok || !r.tracker.Acquire(id, now) {
		return Request{}, false
	}
	r.nextID++
	req := Request{
		ID:       r.nextID,
		Peer:     id,
		Start:    now,
		Deadline: now.Add(r.cfg.Timeout),
	}
	r.pending[req.ID] = req
	return req, true
}

// NextReady returns how long until Request could succeed. The second result
// is false if only a completed request or a new participant can help.
func (r *Requester) NextReady(exclude ...peer.ID) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.NextReady(r.now(), r.candidates(exclude))
}

// Handle matches a response to an outstanding request. The request stays
// outstanding until Resolve, Timeout or Cancel.
func (r *Requester) Handle(from peer.ID, id ID) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	if !ok || req.Peer != from {
		return Request{}, false
	}
	return req, true
}

// take removes a request. Caller must hold r.mu.
func (r *Requester) take(id ID) (Request, bool) {
	req, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return req, ok
}

// Resolve completes a request successfully and credits the peer with the
// observed round trip.
func (r *Requester) Resolve(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.take(req.ID); !ok {
		return
	}
	now := r.now()
	r.tracker.Observe(req.Peer, now.Sub(req.Start), now)
	r.tracker.Release(req.Peer, now)
}

// Timeout completes a request as failed and penalizes the peer.
func (r *Requester) Timeout(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.take(req.ID); !ok {
		return
	}
	now := r.now()
	r.tracker.Penalize(req.Peer, now)
	r.tracker.Release(req.Peer, now)

	ev := klog.Requester.Debug().
		Str("peer", klog.ShortPeer(req.Peer.String())).
		Uint64("request", uint64(req.ID)).
		Dur("elapsed", now.Sub(req.Start))
	if st, ok := r.tracker.Get(req.Peer); ok {
		ev = ev.Dur("latency", st.Latency)
	}
	ev.Msg("Request failed")
}

// Cancel drops a request without scoring the peer.
func (r *Requester) Cancel(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.take(id)
	if !ok {
		return
	}
	r.tracker.Release(req.Peer, r.now())
}

// Block removes a peer from the eligible set for the lifetime of the
// Requester. Its outstanding requests stay pending until completed.
func (r *Requester) Block(id peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blocked[id] = struct{}{}
	for i, p := range r.participants {
		if p == id {
			r.participants = append(r.participants[:i:i], r.participants[i+1:]...)
			break
		}
	}
	r.tracker.Remove(id)
}

// IsBlocked reports whether Block was called for id.
func (r *Requester) IsBlocked(id peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocked[id]
	return ok
}

// Next returns the outstanding request with the earliest deadline.
func (r *Requester) Next() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		next  Request
		found bool
	)
	for _, req := range r.pending {
		if !found || req.Deadline.Before(next.Deadline) ||
			(req.Deadline.Equal(next.Deadline) && req.ID < next.ID) {
			next, found = req, true
		}
	}
	return next, found
}

// Outstanding returns the number of requests in flight.
func (r *Requester) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Evict forgets peers idle for longer than ActivityTimeout.
func (r *Requester) Evict() []peer.ID {
	evicted := r.tracker.Evict(r.now())
	if len(evicted) > 0 {
		klog.Requester.Debug().
			Int("evicted", len(evicted)).
			Int("tracked", r.tracker.Len()).
			Msg("Idle peers evicted")
	}
	return evicted
}

// Stats returns the tracker records, fastest first.
func (r *Requester) Stats() []peers.Stats {
	return r.tracker.Snapshot()
}
