package resolver

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/Klingon-tech/klingnet-obcast/internal/requester"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrStopped is returned by Mailbox methods after the actor has exited.
var ErrStopped = errors.New("resolver stopped")

type message interface {
	isMessage()
}

// NewTip announces that a sequencer chain has reached Height somewhere in
// the network.
type NewTip struct {
	Sequencer types.SequencerID
	Height    uint64
}

// ChunkResponse carries the nodes a peer returned for a request.
type ChunkResponse struct {
	Peer    peer.ID
	Request requester.ID
	Nodes   []types.Node
}

// PeerFailure reports that a request failed before any response arrived.
type PeerFailure struct {
	Peer    peer.ID
	Request requester.ID
	Err     error
}

// Status describes the resolver's view of one sequencer.
type Status struct {
	Tip      *types.Node // nil if no verified chunk yet
	Target   uint64      // highest announced height
	State    State
	Last     State // most recent transition, including Verifying and Blocking
	Queued   int   // batches waiting for a peer
	Inflight int
	Buffered int // fetched nodes waiting for their predecessors
}

type tipQuery struct {
	sequencer types.SequencerID
	reply     chan *types.Node
}

type statusQuery struct {
	sequencer types.SequencerID
	reply     chan Status
}

type peersQuery struct {
	reply chan []peers.Stats
}

func (NewTip) isMessage()        {}
func (ChunkResponse) isMessage() {}
func (PeerFailure) isMessage()   {}
func (tipQuery) isMessage()      {}
func (statusQuery) isMessage()   {}
func (peersQuery) isMessage()    {}

// Mailbox is the handle other goroutines use to talk to the actor. Sends
// block while the mailbox is full.
type Mailbox struct {
	ch   chan message
	done <-chan struct{}
}

func (m *Mailbox) send(ctx context.Context, msg message) error {
	// A stopped actor may still leave room in the buffer.
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// NewTip reports a sequencer tip seen on the network.
func (m *Mailbox) NewTip(ctx context.Context, seq types.SequencerID, height uint64) error {
	return m.send(ctx, NewTip{Sequencer: seq, Height: height})
}

// Deliver hands a fetch response to the actor.
func (m *Mailbox) Deliver(ctx context.Context, resp ChunkResponse) error {
	return m.send(ctx, resp)
}

// PeerFailed reports a failed fetch.
func (m *Mailbox) PeerFailed(ctx context.Context, f PeerFailure) error {
	return m.send(ctx, f)
}

// Tip returns the highest verified node of a sequencer.
func (m *Mailbox) Tip(ctx context.Context, seq types.SequencerID) (types.Node, bool, error) {
	reply := make(chan *types.Node, 1)
	if err := m.send(ctx, tipQuery{sequencer: seq, reply: reply}); err != nil {
		return types.Node{}, false, err
	}
	select {
	case n := <-reply:
		if n == nil {
			return types.Node{}, false, nil
		}
		return *n, true, nil
	case <-ctx.Done():
		return types.Node{}, false, ctx.Err()
	case <-m.done:
		return types.Node{}, false, ErrStopped
	}
}

// Status returns the actor's bookkeeping for a sequencer.
func (m *Mailbox) Status(ctx context.Context, seq types.SequencerID) (Status, error) {
	reply := make(chan Status, 1)
	if err := m.send(ctx, statusQuery{sequencer: seq, reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-m.done:
		return Status{}, ErrStopped
	}
}

// Peers returns the fetch records of the peers the resolver has used,
// fastest first.
func (m *Mailbox) Peers(ctx context.Context) ([]peers.Stats, error) {
	reply := make(chan []peers.Stats, 1)
	if err := m.send(ctx, peersQuery{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrStopped
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.ch)
}
