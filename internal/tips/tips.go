// Package tips tracks the highest verified chunk of every sequencer chain.
//
// A Manager is owned by a single goroutine (the resolver loop) and does no
// locking of its own.
package tips

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

// EquivocationPolicy selects what Put does when two different payloads are
// offered for the same sequencer and height.
type EquivocationPolicy int

const (
	// PanicOnEquivocation treats a conflicting tip as a fatal invariant
	// violation. Verified chunks are signed, so a conflict means the
	// sequencer signed two payloads at one height or a verification bug.
	PanicOnEquivocation EquivocationPolicy = iota
	// ReportEquivocation keeps the existing tip, returns false and calls
	// the configured OnEquivocation hook.
	ReportEquivocation
)

// String returns the config spelling of the policy.
func (p EquivocationPolicy) String() string {
	switch p {
	case PanicOnEquivocation:
		return "panic"
	case ReportEquivocation:
		return "report"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "panic" or "report".
func ParsePolicy(s string) (EquivocationPolicy, error) {
	switch s {
	case "panic", "":
		return PanicOnEquivocation, nil
	case "report":
		return ReportEquivocation, nil
	default:
		return 0, fmt.Errorf("unknown equivocation policy %q (want panic or report)", s)
	}
}

// EquivocationFunc receives the stored tip and the conflicting candidate.
type EquivocationFunc func(existing, candidate types.Node)

// Manager stores at most one tip per sequencer.
type Manager struct {
	tips           map[types.SequencerID]types.Node
	policy         EquivocationPolicy
	onEquivocation EquivocationFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the equivocation policy.
func WithPolicy(p EquivocationPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithEquivocationHook sets the callback used under ReportEquivocation.
func WithEquivocationHook(fn EquivocationFunc) Option {
	return func(m *Manager) { m.onEquivocation = fn }
}

// New creates an empty tip manager.
func New(opts ...Option) *Manager {
	m := &Manager{tips: make(map[types.SequencerID]types.Node)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put offers a candidate tip. It returns true if the stored tip changed.
//
// A candidate below the stored height panics: callers only offer nodes
// they verified on top of the current tip.
func (m *Manager) Put(node types.Node) bool {
	seq := node.Chunk.Sequencer
	existing, ok := m.tips[seq]
	if !ok {
		m.tips[seq] = node.Clone()
		return true
	}

	switch {
	case existing.Chunk.Height > node.Chunk.Height:
		panic(fmt.Sprintf("tips: height regression for %s: have %d, offered %d",
			seq.Short(), existing.Chunk.Height, node.Chunk.Height))

	case existing.Chunk.Height == node.Chunk.Height:
		if existing.Chunk.Payload == node.Chunk.Payload {
			return false
		}
		if m.policy == PanicOnEquivocation {
			panic(fmt.Sprintf("tips: equivocation by %s at height %d: %s != %s",
				seq.Short(), node.Chunk.Height, existing.Chunk.Payload.Short(), node.Chunk.Payload.Short()))
		}
		if m.onEquivocation != nil {
			m.onEquivocation(existing.Clone(), node.Clone())
		}
		return false
	}

	m.tips[seq] = node.Clone()
	return true
}

// Get returns a copy of the sequencer's tip.
func (m *Manager) Get(seq types.SequencerID) (types.Node, bool) {
	n, ok := m.tips[seq]
	if !ok {
		return types.Node{}, false
	}
	return n.Clone(), true
}

// Height returns the tip height and whether a tip exists.
func (m *Manager) Height(seq types.SequencerID) (uint64, bool) {
	n, ok := m.tips[seq]
	return n.Chunk.Height, ok
}

// Len returns the number of sequencers with a tip.
func (m *Manager) Len() int {
	return len(m.tips)
}
