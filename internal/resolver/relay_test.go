package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// handler serves fetches for one registered peer.
type handler func(ctx context.Context, req types.FetchRequest) ([]types.Node, error)

type call struct {
	peer peer.ID
	req  types.FetchRequest
}

// relay is an in-memory Transport. Each peer registers once.
type relay struct {
	mu       sync.Mutex
	handlers map[peer.ID]handler
	calls    []call
	active   map[peer.ID]int
	maxPeer  int
	inflight int
	maxTotal int
}

func newRelay() *relay {
	return &relay{
		handlers: make(map[peer.ID]handler),
		active:   make(map[peer.ID]int),
	}
}

func (r *relay) register(id peer.ID, h handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[id]; ok {
		panic(fmt.Sprintf("duplicate registrant: %s", id))
	}
	r.handlers[id] = h
}

func (r *relay) Fetch(ctx context.Context, id peer.ID, req types.FetchRequest) ([]types.Node, error) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	r.calls = append(r.calls, call{peer: id, req: req})
	r.active[id]++
	r.inflight++
	if r.active[id] > r.maxPeer {
		r.maxPeer = r.active[id]
	}
	if r.inflight > r.maxTotal {
		r.maxTotal = r.inflight
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active[id]--
		r.inflight--
		r.mu.Unlock()
	}()

	if !ok {
		return nil, fmt.Errorf("peer %s not registered", id)
	}
	return h(ctx, req)
}

func (r *relay) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *relay) peaks() (perPeer, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPeer, r.maxTotal
}

// serve answers from a set of chains.
func serve(chains ...[]types.Node) handler {
	bySeq := make(map[types.SequencerID][]types.Node)
	for _, c := range chains {
		if len(c) > 0 {
			bySeq[c[0].Chunk.Sequencer] = c
		}
	}
	return func(_ context.Context, req types.FetchRequest) ([]types.Node, error) {
		c := bySeq[req.Sequencer]
		var out []types.Node
		for h := req.Range.From; h <= req.Range.To && h < uint64(len(c)); h++ {
			out = append(out, c[h].Clone())
		}
		return out, nil
	}
}

// hang never answers before the deadline.
func hang(ctx context.Context, _ types.FetchRequest) ([]types.Node, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type supervisor struct {
	mu           sync.Mutex
	participants []peer.ID
	sequencers   map[types.SequencerID]bool
	reports      map[peer.ID]int
}

func newSupervisor(participants []peer.ID, seqs ...types.SequencerID) *supervisor {
	s := &supervisor{
		participants: participants,
		sequencers:   make(map[types.SequencerID]bool),
		reports:      make(map[peer.ID]int),
	}
	for _, seq := range seqs {
		s.sequencers[seq] = true
	}
	return s
}

func (s *supervisor) Participants() []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]peer.ID(nil), s.participants...)
}

func (s *supervisor) IsSequencer(seq types.SequencerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequencers[seq]
}

func (s *supervisor) Report(id peer.ID, _ string) {
	s.mu.Lock()
	s.reports[id]++
	s.mu.Unlock()
}

func (s *supervisor) reportCount(id peer.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[id]
}

type blocker struct {
	mu      sync.Mutex
	blocked map[peer.ID]int
}

func newBlocker() *blocker {
	return &blocker{blocked: make(map[peer.ID]int)}
}

func (b *blocker) Block(id peer.ID) {
	b.mu.Lock()
	b.blocked[id]++
	b.mu.Unlock()
}

func (b *blocker) count(id peer.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[id]
}
