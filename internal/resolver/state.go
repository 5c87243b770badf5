package resolver

import (
	"math"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/requester"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// State is the fetch state of one sequencer chain.
type State int

const (
	Idle State = iota
	Fetching
	Verifying
	Blocking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Verifying:
		return "verifying"
	case Blocking:
		return "blocking"
	default:
		return "unknown"
	}
}

// batch is a range waiting for a peer. exclude holds the peer that failed
// the previous attempt, if any.
type batch struct {
	rng     types.Range
	exclude []peer.ID
}

// fetch is a request in flight.
type fetch struct {
	sequencer types.SequencerID
	rng       types.Range
	req       requester.Request
	cancel    func()
}

// pending is a fetched node waiting for its predecessor.
type pending struct {
	node    types.Node
	peer    peer.ID
	request requester.ID
}

// sequencer is the resolver's bookkeeping for one chain. Every height above
// the tip is in at most one of retry, tail, an in-flight fetch, or buffered.
//
// Announced heights are kept as a single tail range and cut into batches
// only when a peer is free, so the size of a gap never costs memory.
type sequencer struct {
	id        types.SequencerID
	target    uint64
	announced bool
	retry     []batch // failed or discarded ranges, dispatched first
	tail      types.Range
	hasTail   bool
	buffered  map[uint64]pending
	inflight  int
	state     State
	// last is the most recent transient state entered, kept after the
	// sequencer settles.
	last State
	// blocked holds Blocking until the work of the blocked peer has been
	// handed to another peer.
	blocked    bool
	lastActive time.Time
}

func newSequencer(id types.SequencerID, now time.Time) *sequencer {
	return &sequencer{
		id:         id,
		buffered:   make(map[uint64]pending),
		lastActive: now,
	}
}

// extend adds r to the tail of announced heights.
func (s *sequencer) extend(r types.Range) {
	if r.Len() == 0 {
		return
	}
	if !s.hasTail {
		s.tail, s.hasTail = r, true
		return
	}
	if r.From < s.tail.From {
		s.tail.From = r.From
	}
	if r.To > s.tail.To {
		s.tail.To = r.To
	}
}

// pushFront queues ranges ahead of everything else, keeping their order.
// The ranges come from single fetches, so they are already small.
func (s *sequencer) pushFront(ranges []types.Range, max uint64, exclude peer.ID) {
	var front []batch
	for _, r := range ranges {
		for _, b := range r.Batches(max) {
			nb := batch{rng: b}
			if exclude != "" {
				nb.exclude = []peer.ID{exclude}
			}
			front = append(front, nb)
		}
	}
	if len(front) == 0 {
		return
	}
	s.retry = append(front, s.retry...)
}

// head returns the next batch to fetch, dropping heights below next.
// Retries come before the tail.
func (s *sequencer) head(next, max uint64) (batch, bool) {
	for len(s.retry) > 0 {
		b := &s.retry[0]
		if b.rng.To < next {
			s.retry = s.retry[1:]
			continue
		}
		if b.rng.From < next {
			b.rng.From = next
		}
		return *b, true
	}
	if !s.hasTail {
		return batch{}, false
	}
	if s.tail.To < next {
		s.hasTail = false
		return batch{}, false
	}
	if s.tail.From < next {
		s.tail.From = next
	}
	rng, ok := s.tail.Head(max)
	return batch{rng: rng}, ok
}

// pop removes the batch head returned.
func (s *sequencer) pop(b batch) {
	if len(s.retry) > 0 {
		s.retry = s.retry[1:]
		return
	}
	if b.rng.To >= s.tail.To {
		s.hasTail = false
		return
	}
	s.tail.From = b.rng.To + 1
}

// queued returns the number of batches waiting for a peer.
func (s *sequencer) queued(max uint64) int {
	n := len(s.retry)
	if s.hasTail && max > 0 {
		l := s.tail.Len()
		batches := l / max
		if l%max != 0 {
			batches++
		}
		if batches > math.MaxInt32 {
			batches = math.MaxInt32
		}
		n += int(batches)
	}
	return n
}

func (s *sequencer) hasWork() bool {
	return len(s.retry) > 0 || s.hasTail
}

// enter moves to a transient state and remembers it.
func (s *sequencer) enter(st State) {
	s.state = st
	s.last = st
	if st == Blocking {
		s.blocked = true
	}
}

// settle leaves the transient states once a message has been handled.
// Blocking holds while the blocked peer's work still waits for a peer.
func (s *sequencer) settle() {
	switch {
	case s.blocked && s.hasWork():
		s.state = Blocking
	case s.hasWork() || s.inflight > 0 || len(s.buffered) > 0:
		s.blocked = false
		s.state = Fetching
	default:
		s.blocked = false
		s.state = Idle
	}
}

// missing returns the heights of r at or above next that are not buffered,
// as contiguous ranges.
func (s *sequencer) missing(r types.Range, next uint64) []types.Range {
	if r.To < next {
		return nil
	}
	from := r.From
	if from < next {
		from = next
	}
	var (
		out  []types.Range
		open bool
		cur  types.Range
	)
	for h := from; ; h++ {
		if _, ok := s.buffered[h]; !ok {
			if !open {
				cur, open = types.Range{From: h, To: h}, true
			} else {
				cur.To = h
			}
		} else if open {
			out = append(out, cur)
			open = false
		}
		if h == r.To {
			break
		}
	}
	if open {
		out = append(out, cur)
	}
	return out
}

// runs groups heights into contiguous ascending ranges.
func runs(heights []uint64) []types.Range {
	if len(heights) == 0 {
		return nil
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	out := []types.Range{{From: heights[0], To: heights[0]}}
	for _, h := range heights[1:] {
		last := &out[len(out)-1]
		if h == last.To+1 {
			last.To = h
		} else if h > last.To {
			out = append(out, types.Range{From: h, To: h})
		}
	}
	return out
}
