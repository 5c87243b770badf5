package requester

import (
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/libp2p/go-libp2p/core/peer"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRequester(t *testing.T, c *clock, cfg Config) *Requester {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Initial == 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	cfg.Now = c.Now
	return New(cfg)
}

func TestRequester_SkipsSelf(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{Me: "me"})
	r.Reconcile([]peer.ID{"me", "a", "a"})

	got := r.Participants()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("Participants() = %v, want [a]", got)
	}
	req, ok := r.Request()
	if !ok || req.Peer != "a" {
		t.Fatalf("Request() = %+v, %v", req, ok)
	}
	if !req.Deadline.Equal(c.Now().Add(time.Second)) {
		t.Fatalf("Deadline = %v, want now+timeout", req.Deadline)
	}
}

func TestRequester_NoParticipants(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{})
	if _, ok := r.Request(); ok {
		t.Fatal("Request() with no participants succeeded")
	}
	if _, ok := r.NextReady(); ok {
		t.Fatal("NextReady() with no participants should be false")
	}
}

func TestRequester_Exclude(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{MaxOutstandingPerPeer: 4})
	r.Reconcile([]peer.ID{"a", "b"})

	req, ok := r.Request("a")
	if !ok || req.Peer != "b" {
		t.Fatalf("Request(exclude a) = %+v, %v; want peer b", req, ok)
	}
	if _, ok := r.Request("a", "b"); ok {
		t.Fatal("Request() with every peer excluded succeeded")
	}
}

func TestRequester_TimeoutPenalizes(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{MaxOutstandingPerPeer: 4})
	r.Reconcile([]peer.ID{"a", "b"})

	// a wins the tie by ID order, then times out.
	req, _ := r.Request()
	if req.Peer != "a" {
		t.Fatalf("first Request() peer = %s, want a", req.Peer)
	}
	c.Advance(time.Second)
	r.Timeout(req)

	if r.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d after Timeout", r.Outstanding())
	}
	next, ok := r.Request()
	if !ok || next.Peer != "b" {
		t.Fatalf("Request() after timeout = %+v; want b", next)
	}

	// Timing out twice is a no-op.
	r.Timeout(req)
	if r.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1", r.Outstanding())
	}
}

func TestRequester_ResolveObservesLatency(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{Initial: time.Second})
	r.Reconcile([]peer.ID{"a"})

	req, _ := r.Request()
	c.Advance(200 * time.Millisecond)
	r.Resolve(req)

	stats := r.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() = %+v", stats)
	}
	// 0.8*1000ms + 0.2*200ms
	if want := 840 * time.Millisecond; stats[0].Latency != want {
		t.Fatalf("latency = %v, want %v", stats[0].Latency, want)
	}
	if stats[0].Outstanding != 0 {
		t.Fatalf("outstanding = %d after Resolve", stats[0].Outstanding)
	}
}

func TestRequester_HandleMatchesPeer(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{})
	r.Reconcile([]peer.ID{"a", "b"})
	req, _ := r.Request()

	tests := []struct {
		name string
		from peer.ID
		id   ID
		want bool
	}{
		{"match", req.Peer, req.ID, true},
		{"wrong peer", "b", req.ID, false},
		{"unknown id", req.Peer, req.ID + 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := r.Handle(tt.from, tt.id); ok != tt.want {
				t.Fatalf("Handle() = %v, want %v", ok, tt.want)
			}
		})
	}

	r.Cancel(req.ID)
	if _, ok := r.Handle(req.Peer, req.ID); ok {
		t.Fatal("Handle() matched a cancelled request")
	}
}

func TestRequester_CancelDoesNotScore(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{Initial: time.Second})
	r.Reconcile([]peer.ID{"a"})
	req, _ := r.Request()
	c.Advance(5 * time.Second)
	r.Cancel(req.ID)

	if st := r.Stats(); st[0].Latency != time.Second {
		t.Fatalf("latency = %v after Cancel, want unchanged 1s", st[0].Latency)
	}
}

func TestRequester_Block(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{})
	r.Reconcile([]peer.ID{"a", "b"})
	r.Block("a")

	if !r.IsBlocked("a") {
		t.Fatal("IsBlocked(a) = false")
	}
	r.Reconcile([]peer.ID{"a", "b"})
	got := r.Participants()
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("Participants() after Block = %v, want [b]", got)
	}
}

func TestRequester_NextEarliestDeadline(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{MaxOutstandingPerPeer: 4})
	r.Reconcile([]peer.ID{"a"})

	first, _ := r.Request()
	c.Advance(100 * time.Millisecond)
	r.Request()

	next, ok := r.Next()
	if !ok || next.ID != first.ID {
		t.Fatalf("Next() = %+v, want first request", next)
	}
	r.Cancel(first.ID)
	next, _ = r.Next()
	if next.ID == first.ID {
		t.Fatal("Next() returned a cancelled request")
	}
}

func TestRequester_QuotaDefers(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{
		MaxOutstandingPerPeer: 10,
		RateLimit:             peers.Quota{PerSecond: 2, Burst: 1},
	})
	r.Reconcile([]peer.ID{"a"})
	if _, ok := r.Request(); !ok {
		t.Fatal("first Request() failed")
	}
	if _, ok := r.Request(); ok {
		t.Fatal("Request() ignored the empty bucket")
	}

	wait, ok := r.NextReady()
	if !ok || wait != 500*time.Millisecond {
		t.Fatalf("NextReady() = %v, %v; want 500ms", wait, ok)
	}
	c.Advance(wait)
	if req, ok := r.Request(); !ok || req.Peer != "a" {
		t.Fatalf("Request() after refill = %+v, %v", req, ok)
	}
	if r.Outstanding() != 2 {
		t.Fatalf("Outstanding() = %d, want 2", r.Outstanding())
	}
}

func TestRequester_TimeoutAfterBlock(t *testing.T) {
	c := newClock()
	r := newTestRequester(t, c, Config{})
	r.Reconcile([]peer.ID{"a", "b"})

	req, _ := r.Request()
	r.Block(req.Peer)
	c.Advance(time.Second)
	r.Timeout(req)

	for _, st := range r.Stats() {
		if st.ID == req.Peer {
			t.Fatalf("Stats() holds blocked peer %s after Timeout: %+v", req.Peer, st)
		}
	}
	if r.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0", r.Outstanding())
	}
}
