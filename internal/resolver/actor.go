// Package resolver fills gaps in sequencer chains. A single actor goroutine
// owns the tips and all fetch bookkeeping; other goroutines talk to it
// through a Mailbox.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/internal/metrics"
	"github.com/Klingon-tech/klingnet-obcast/internal/requester"
	"github.com/Klingon-tech/klingnet-obcast/internal/tips"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

const (
	reportCacheSize = 4096
	minWake         = 10 * time.Millisecond
)

// Actor is the resolver loop.
type Actor struct {
	cfg       Config
	mailbox   chan message
	done      chan struct{}
	tips      *tips.Manager
	requester *requester.Requester

	seqs     map[types.SequencerID]*sequencer
	order    []types.SequencerID // round-robin ring
	cursor   int
	inflight map[requester.ID]*fetch
	// reported holds peer/request pairs already blocked, so one bad
	// response is punished once.
	reported *expirable.LRU[string, struct{}]

	runCtx   context.Context
	fetchers sync.WaitGroup
	wake     *time.Timer
	deadline *time.Timer
}

// New creates the actor and its mailbox. Call Run to start it.
func New(cfg Config) (*Actor, *Mailbox, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	a := &Actor{
		cfg:     cfg,
		mailbox: make(chan message, cfg.MailboxSize),
		done:    make(chan struct{}),
		requester: requester.New(requester.Config{
			Me:                    cfg.Me,
			RateLimit:             cfg.FetchRatePerPeer,
			Initial:               cfg.InitialLatency,
			Timeout:               cfg.FetchTimeout,
			MaxOutstandingPerPeer: cfg.MaxOutstandingPerPeer,
			ActivityTimeout:       cfg.ActivityTimeout,
		}),
		seqs:     make(map[types.SequencerID]*sequencer),
		inflight: make(map[requester.ID]*fetch),
		reported: expirable.NewLRU[string, struct{}](reportCacheSize, nil, cfg.ActivityTimeout),
	}
	a.tips = tips.New(
		tips.WithPolicy(cfg.EquivocationPolicy),
		tips.WithEquivocationHook(a.onEquivocation),
	)
	return a, &Mailbox{ch: a.mailbox, done: a.done}, nil
}

// Run processes the mailbox until ctx is cancelled. In-flight fetches are
// cancelled and awaited before it returns.
func (a *Actor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer close(a.done)
	defer a.fetchers.Wait()
	defer cancel()
	a.runCtx = ctx

	if err := a.restore(); err != nil {
		return err
	}
	a.refresh()

	a.wake = time.NewTimer(time.Hour)
	a.wake.Stop()
	a.deadline = time.NewTimer(time.Hour)
	a.deadline.Stop()
	defer a.wake.Stop()
	defer a.deadline.Stop()

	refresh := time.NewTicker(a.cfg.RefreshInterval)
	defer refresh.Stop()
	purge := time.NewTicker(a.purgeInterval())
	defer purge.Stop()

	klog.Resolver.Info().
		Int("sequencers", a.tips.Len()).
		Int("concurrent", a.cfg.FetchConcurrent).
		Uint64("max_fetch", a.cfg.MaxFetchCount).
		Msg("Resolver started")

	for {
		select {
		case <-ctx.Done():
			klog.Resolver.Info().Msg("Resolver stopped")
			return nil
		case msg := <-a.mailbox:
			a.handle(msg)
		case <-a.deadline.C:
			a.expire()
		case <-a.wake.C:
			a.dispatch()
		case <-refresh.C:
			a.refresh()
			a.dispatch()
		case <-purge.C:
			a.purge()
		}
		a.resetDeadline()
		a.cfg.Metrics.SetMailboxDepth(len(a.mailbox))
	}
}

func (a *Actor) purgeInterval() time.Duration {
	d := a.cfg.ActivityTimeout / 2
	if d < minWake {
		d = minWake
	}
	return d
}

// restore seeds the tips from the archive.
func (a *Actor) restore() error {
	if a.cfg.Archive == nil {
		return nil
	}
	nodes, err := a.cfg.Archive.Tips()
	if err != nil {
		return fmt.Errorf("restore tips: %w", err)
	}
	for _, n := range nodes {
		a.tips.Put(n)
	}
	if len(nodes) > 0 {
		klog.Resolver.Info().Int("sequencers", len(nodes)).Msg("Restored tips from archive")
	}
	return nil
}

// refresh re-reads the participant set.
func (a *Actor) refresh() {
	a.requester.Reconcile(a.cfg.Supervisor.Participants())
	a.cfg.Metrics.SetPeers(len(a.requester.Participants()))
}

func (a *Actor) handle(msg message) {
	switch m := msg.(type) {
	case NewTip:
		a.handleNewTip(m)
	case ChunkResponse:
		a.handleResponse(m)
	case PeerFailure:
		a.handleFailure(m)
	case tipQuery:
		if n, ok := a.tips.Get(m.sequencer); ok {
			m.reply <- &n
		} else {
			m.reply <- nil
		}
	case statusQuery:
		m.reply <- a.status(m.sequencer)
	case peersQuery:
		m.reply <- a.requester.Stats()
	}
}

// next returns the first height not yet verified.
func (a *Actor) next(seq types.SequencerID) uint64 {
	h, ok := a.tips.Height(seq)
	if !ok {
		return 0
	}
	return h + 1
}

// sequencer returns the state for seq, creating it on first use.
func (a *Actor) sequencer(seq types.SequencerID) *sequencer {
	s, ok := a.seqs[seq]
	if !ok {
		s = newSequencer(seq, time.Now())
		a.seqs[seq] = s
		a.order = append(a.order, seq)
	}
	return s
}

func (a *Actor) handleNewTip(m NewTip) {
	logger := klog.Resolver.With().
		Str("sequencer", m.Sequencer.Short()).
		Uint64("height", m.Height).
		Logger()

	if !a.cfg.Supervisor.IsSequencer(m.Sequencer) {
		logger.Debug().Msg("Ignoring tip of unknown sequencer")
		return
	}
	next := a.next(m.Sequencer)
	if m.Height < next {
		return
	}

	s := a.sequencer(m.Sequencer)
	s.lastActive = time.Now()
	if s.announced && m.Height <= s.target {
		return
	}
	from := next
	if s.announced && s.target+1 > from {
		from = s.target + 1
	}
	s.extend(types.Range{From: from, To: m.Height})
	s.target = m.Height
	s.announced = true
	s.settle()

	logger.Debug().Uint64("from", from).Msg("Queued missing chunks")
	a.dispatch()
}

// dispatch starts fetches round-robin across sequencers, at most one batch
// per sequencer per pass, until the concurrency ceiling is reached or no
// peer can take more work.
func (a *Actor) dispatch() {
	for len(a.inflight) < a.cfg.FetchConcurrent {
		started := false
		for i := 0; i < len(a.order) && len(a.inflight) < a.cfg.FetchConcurrent; i++ {
			idx := a.cursor % len(a.order)
			a.cursor = idx + 1
			if a.dispatchOne(a.seqs[a.order[idx]]) {
				started = true
			}
		}
		if !started {
			break
		}
	}
	a.armWake()

	queued := 0
	for _, s := range a.seqs {
		queued += s.queued(a.cfg.MaxFetchCount)
	}
	a.cfg.Metrics.SetPending(queued)
	a.cfg.Metrics.SetInflight(a.requester.Outstanding())
}

// dispatchOne starts the head batch of s if a peer is available.
func (a *Actor) dispatchOne(s *sequencer) bool {
	b, ok := s.head(a.next(s.id), a.cfg.MaxFetchCount)
	if !ok {
		return false
	}
	req, ok := a.requester.Request(b.exclude...)
	if !ok && len(b.exclude) > 0 && !a.hasAlternative(b.exclude) {
		// The excluded peer is the only one left.
		req, ok = a.requester.Request()
	}
	if !ok {
		return false
	}
	s.pop(b)
	a.launch(s, b.rng, req)
	return true
}

func (a *Actor) hasAlternative(exclude []peer.ID) bool {
	for _, id := range a.requester.Participants() {
		excluded := false
		for _, ex := range exclude {
			if id == ex {
				excluded = true
				break
			}
		}
		if !excluded {
			return true
		}
	}
	return false
}

// launch runs one fetch in its own goroutine. The result comes back through
// the mailbox.
func (a *Actor) launch(s *sequencer, rng types.Range, req requester.Request) {
	ctx, cancel := context.WithDeadline(a.runCtx, req.Deadline)
	a.inflight[req.ID] = &fetch{sequencer: s.id, rng: rng, req: req, cancel: cancel}
	s.inflight++
	s.blocked = false
	s.enter(Fetching)
	s.lastActive = time.Now()

	klog.Resolver.Debug().
		Str("sequencer", s.id.Short()).
		Str("peer", klog.ShortPeer(req.Peer.String())).
		Uint64("request", uint64(req.ID)).
		Uint64("from", rng.From).
		Uint64("to", rng.To).
		Msg("Fetching chunks")

	a.fetchers.Add(1)
	go func() {
		defer a.fetchers.Done()
		defer cancel()

		nodes, err := a.cfg.Transport.Fetch(ctx, req.Peer, types.FetchRequest{Sequencer: s.id, Range: rng})
		var msg message
		if err != nil {
			msg = PeerFailure{Peer: req.Peer, Request: req.ID, Err: err}
		} else {
			msg = ChunkResponse{Peer: req.Peer, Request: req.ID, Nodes: nodes}
		}
		select {
		case a.mailbox <- msg:
		case <-a.runCtx.Done():
		}
	}()
}

// finish removes a fetch from the in-flight set.
func (a *Actor) finish(f *fetch) *sequencer {
	delete(a.inflight, f.req.ID)
	f.cancel()
	s := a.seqs[f.sequencer]
	s.inflight--
	s.lastActive = time.Now()
	return s
}

// lookup matches a message to the fetch it answers.
func (a *Actor) lookup(from peer.ID, id requester.ID) (requester.Request, *fetch, bool) {
	req, ok := a.requester.Handle(from, id)
	if !ok {
		return requester.Request{}, nil, false
	}
	f, ok := a.inflight[id]
	if !ok {
		return requester.Request{}, nil, false
	}
	return req, f, true
}

func (a *Actor) handleResponse(m ChunkResponse) {
	req, f, ok := a.lookup(m.Peer, m.Request)
	if !ok {
		klog.Resolver.Debug().
			Str("peer", klog.ShortPeer(m.Peer.String())).
			Uint64("request", uint64(m.Request)).
			Msg("Dropping response to unknown request")
		return
	}
	s := a.finish(f)
	elapsed := time.Since(req.Start)

	if err := checkShape(f, m.Nodes); err != nil {
		a.timeout(s, f, req, err)
		s.settle()
		a.dispatch()
		return
	}
	a.requester.Resolve(req)
	a.cfg.Metrics.ObserveFetch(metrics.ResultSuccess, elapsed)

	s.enter(Verifying)
	next := a.next(s.id)
	stale := 0
	for _, n := range m.Nodes {
		h := n.Chunk.Height
		if h < next {
			stale++
			continue
		}
		if _, dup := s.buffered[h]; dup {
			continue
		}
		s.buffered[h] = pending{node: n.Clone(), peer: m.Peer, request: m.Request}
	}
	if stale > 0 {
		a.cfg.Metrics.ObserveStale(stale)
		klog.Resolver.Debug().
			Str("sequencer", s.id.Short()).
			Int("stale", stale).
			Msg("Discarded stale chunks")
	}

	// Heights the peer did not return go back to the front of the queue
	// before verification can discard anything.
	s.pushFront(s.missing(f.rng, next), a.cfg.MaxFetchCount, m.Peer)
	a.verify(s)
	s.settle()
	a.dispatch()
}

// checkShape rejects responses that do not answer the request.
func checkShape(f *fetch, nodes []types.Node) error {
	if len(nodes) == 0 {
		return fmt.Errorf("empty response")
	}
	seen := make(map[uint64]struct{}, len(nodes))
	for _, n := range nodes {
		if n.Chunk.Sequencer != f.sequencer {
			return fmt.Errorf("node for sequencer %s, requested %s", n.Chunk.Sequencer.Short(), f.sequencer.Short())
		}
		if !f.rng.Contains(n.Chunk.Height) {
			return fmt.Errorf("height %d outside requested %s", n.Chunk.Height, f.rng)
		}
		if _, dup := seen[n.Chunk.Height]; dup {
			return fmt.Errorf("duplicate height %d", n.Chunk.Height)
		}
		seen[n.Chunk.Height] = struct{}{}
	}
	return nil
}

// verify applies buffered nodes in height order starting at the tip.
func (a *Actor) verify(s *sequencer) {
	for {
		h := a.next(s.id)
		p, ok := s.buffered[h]
		if !ok {
			return
		}
		delete(s.buffered, h)

		if reason := a.check(s.id, p.node); reason != "" {
			s.enter(Blocking)
			a.violation(p.peer, p.request, reason)
			a.discard(s, p.peer, h)
			return
		}
		a.apply(p.node)
	}
}

// check returns why node cannot extend the tip, or "" if it can.
func (a *Actor) check(seq types.SequencerID, node types.Node) string {
	if node.Chunk.Height == 0 {
		if node.Parent != nil {
			return "genesis chunk with parent"
		}
	} else {
		if node.Parent == nil {
			return "missing parent"
		}
		tip, ok := a.tips.Get(seq)
		if !ok || node.Parent.Digest != tip.Chunk.Payload {
			return "parent digest mismatch"
		}
	}
	if !a.cfg.Crypto.Verify(node.Chunk, node.Signature, node.Parent) {
		return "invalid chunk signature"
	}
	return ""
}

func (a *Actor) apply(node types.Node) {
	a.tips.Put(node)
	seq := node.Chunk.Sequencer
	if a.cfg.Archive != nil {
		if err := a.cfg.Archive.Put(node); err != nil {
			klog.Resolver.Error().Err(err).Str("chunk", node.Chunk.String()).Msg("Failed to archive chunk")
		}
	}
	a.cfg.Metrics.ObserveVerified(seq.String(), node.Chunk.Height)
	klog.Resolver.Debug().
		Str("sequencer", seq.Short()).
		Uint64("height", node.Chunk.Height).
		Msg("Chunk verified")
}

// violation blocks and reports a peer once per offending response.
func (a *Actor) violation(from peer.ID, id requester.ID, reason string) {
	key := fmt.Sprintf("%s/%d", from, id)
	if a.reported.Contains(key) || a.requester.IsBlocked(from) {
		return
	}
	a.reported.Add(key, struct{}{})

	klog.Resolver.Warn().
		Str("peer", klog.ShortPeer(from.String())).
		Uint64("request", uint64(id)).
		Str("reason", reason).
		Msg("Blocking peer")

	a.cfg.Blocker.Block(from)
	a.cfg.Supervisor.Report(from, reason)
	a.requester.Block(from)
	a.cfg.Metrics.ObserveBlocked()

	// Work still assigned to the peer goes elsewhere.
	for _, f := range a.inflight {
		if f.req.Peer != from {
			continue
		}
		a.requester.Cancel(f.req.ID)
		s := a.finish(f)
		s.pushFront(s.missing(f.rng, a.next(s.id)), a.cfg.MaxFetchCount, "")
		s.settle()
	}
}

// discard drops every buffered node that came from a blocked peer, plus
// the failed height, and queues those heights again.
func (a *Actor) discard(s *sequencer, from peer.ID, failed uint64) {
	heights := []uint64{failed}
	for h, p := range s.buffered {
		if p.peer == from {
			delete(s.buffered, h)
			heights = append(heights, h)
		}
	}
	s.pushFront(runs(heights), a.cfg.MaxFetchCount, "")

	// Other chains may hold nodes from the same peer.
	for _, other := range a.seqs {
		if other == s {
			continue
		}
		var hs []uint64
		for h, p := range other.buffered {
			if p.peer == from {
				delete(other.buffered, h)
				hs = append(hs, h)
			}
		}
		other.pushFront(runs(hs), a.cfg.MaxFetchCount, "")
		other.settle()
	}
}

func (a *Actor) handleFailure(m PeerFailure) {
	req, f, ok := a.lookup(m.Peer, m.Request)
	if !ok {
		return
	}
	s := a.finish(f)
	a.timeout(s, f, req, m.Err)
	s.settle()
	a.dispatch()
}

// timeout penalizes the peer and queues the range for another peer.
func (a *Actor) timeout(s *sequencer, f *fetch, req requester.Request, err error) {
	a.requester.Timeout(req)
	a.cfg.Metrics.ObserveFetch(metrics.ResultTimeout, time.Since(req.Start))
	klog.Resolver.Debug().
		Err(err).
		Str("sequencer", s.id.Short()).
		Str("peer", klog.ShortPeer(req.Peer.String())).
		Uint64("from", f.rng.From).
		Uint64("to", f.rng.To).
		Msg("Fetch failed, retrying elsewhere")
	s.pushFront(s.missing(f.rng, a.next(s.id)), a.cfg.MaxFetchCount, req.Peer)
}

// expire times out fetches whose deadline has passed.
func (a *Actor) expire() {
	now := time.Now()
	expired := false
	for {
		req, ok := a.requester.Next()
		if !ok || req.Deadline.After(now) {
			break
		}
		f, tracked := a.inflight[req.ID]
		if !tracked {
			a.requester.Cancel(req.ID)
			continue
		}
		s := a.finish(f)
		a.timeout(s, f, req, context.DeadlineExceeded)
		s.settle()
		expired = true
	}
	if expired {
		a.dispatch()
	}
}

func (a *Actor) resetDeadline() {
	a.deadline.Stop()
	req, ok := a.requester.Next()
	if !ok {
		return
	}
	a.deadline.Reset(time.Until(req.Deadline))
}

// armWake schedules a dispatch for when quota frees up, if work is waiting
// and there is room under the concurrency ceiling.
func (a *Actor) armWake() {
	a.wake.Stop()
	if len(a.inflight) >= a.cfg.FetchConcurrent {
		return
	}
	var (
		wait  time.Duration
		found bool
	)
	for _, s := range a.seqs {
		b, ok := s.head(a.next(s.id), a.cfg.MaxFetchCount)
		if !ok {
			continue
		}
		exclude := b.exclude
		if len(exclude) > 0 && !a.hasAlternative(exclude) {
			exclude = nil
		}
		d, ok := a.requester.NextReady(exclude...)
		if !ok {
			continue
		}
		if !found || d < wait {
			wait, found = d, true
		}
	}
	if !found {
		return
	}
	if wait < minWake {
		wait = minWake
	}
	a.wake.Reset(wait)
}

// purge forgets idle sequencers and peers.
func (a *Actor) purge() {
	now := time.Now()
	kept := a.order[:0]
	for _, id := range a.order {
		s := a.seqs[id]
		if s.state == Idle && now.Sub(s.lastActive) > a.cfg.ActivityTimeout {
			delete(a.seqs, id)
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(a.order); i++ {
		a.order[i] = types.SequencerID{}
	}
	a.order = kept
	if a.cursor > len(a.order) {
		a.cursor = 0
	}

	a.requester.Evict()
}

func (a *Actor) status(seq types.SequencerID) Status {
	var st Status
	if n, ok := a.tips.Get(seq); ok {
		st.Tip = &n
	}
	s, ok := a.seqs[seq]
	if !ok {
		return st
	}
	st.Target = s.target
	st.State = s.state
	st.Last = s.last
	st.Queued = s.queued(a.cfg.MaxFetchCount)
	st.Inflight = s.inflight
	st.Buffered = len(s.buffered)
	return st
}

func (a *Actor) onEquivocation(existing, candidate types.Node) {
	klog.Resolver.Warn().
		Str("sequencer", existing.Chunk.Sequencer.Short()).
		Uint64("height", existing.Chunk.Height).
		Str("have", existing.Chunk.Payload.Short()).
		Str("got", candidate.Chunk.Payload.Short()).
		Msg("Sequencer equivocation")
	a.cfg.Metrics.ObserveEquivocation()
	if a.cfg.OnEquivocation != nil {
		a.cfg.OnEquivocation(existing, candidate)
	}
}
