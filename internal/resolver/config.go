package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/archive"
	"github.com/Klingon-tech/klingnet-obcast/internal/metrics"
	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/Klingon-tech/klingnet-obcast/internal/tips"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Verifier checks a chunk signature and its parent certificate.
type Verifier interface {
	Verify(chunk types.Chunk, sig []byte, parent *types.Parent) bool
}

// Blocker disconnects and bans a peer.
type Blocker interface {
	Block(id peer.ID)
}

// Supervisor knows the participant set and receives misbehavior reports.
type Supervisor interface {
	Participants() []peer.ID
	IsSequencer(seq types.SequencerID) bool
	Report(id peer.ID, reason string)
}

// Transport fetches nodes from a peer. Implementations must honor the
// context deadline.
type Transport interface {
	Fetch(ctx context.Context, id peer.ID, req types.FetchRequest) ([]types.Node, error)
}

// Defaults applied to zero-valued Config fields.
const (
	DefaultMailboxSize           = 1024
	DefaultActivityTimeout       = time.Minute
	DefaultFetchTimeout          = 2 * time.Second
	DefaultMaxFetchCount         = 16
	DefaultFetchConcurrent       = 4
	DefaultMaxOutstandingPerPeer = 1
	DefaultInitialLatency        = time.Second
	DefaultRefreshInterval       = time.Second
)

// DefaultFetchRate is the per-peer quota used when none is configured.
var DefaultFetchRate = peers.Quota{PerSecond: 10, Burst: 10}

// Config configures the resolver.
type Config struct {
	Crypto     Verifier
	Blocker    Blocker
	Supervisor Supervisor
	Transport  Transport

	Me        peer.ID
	Namespace []byte

	MailboxSize           int
	ActivityTimeout       time.Duration // idle sequencer and peer state is purged after this
	FetchTimeout          time.Duration
	MaxFetchCount         uint64 // heights per request
	FetchRatePerPeer      peers.Quota
	FetchConcurrent       int // global ceiling on fetches in flight
	MaxOutstandingPerPeer int
	InitialLatency        time.Duration
	// RefreshInterval controls how often the participant set is re-read
	// from the Supervisor.
	RefreshInterval time.Duration

	EquivocationPolicy tips.EquivocationPolicy
	// OnEquivocation is called under ReportEquivocation.
	OnEquivocation tips.EquivocationFunc

	// Archive, if set, receives every verified node and seeds the tips
	// on start.
	Archive *archive.Archive
	Metrics *metrics.Recorder
}

// DefaultConfig returns a config with every tunable set. Collaborators are
// left nil.
func DefaultConfig() Config {
	return Config{
		MailboxSize:           DefaultMailboxSize,
		ActivityTimeout:       DefaultActivityTimeout,
		FetchTimeout:          DefaultFetchTimeout,
		MaxFetchCount:         DefaultMaxFetchCount,
		FetchRatePerPeer:      DefaultFetchRate,
		FetchConcurrent:       DefaultFetchConcurrent,
		MaxOutstandingPerPeer: DefaultMaxOutstandingPerPeer,
		InitialLatency:        DefaultInitialLatency,
		RefreshInterval:       DefaultRefreshInterval,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = d.ActivityTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.MaxFetchCount == 0 {
		c.MaxFetchCount = d.MaxFetchCount
	}
	if c.FetchRatePerPeer == (peers.Quota{}) {
		c.FetchRatePerPeer = d.FetchRatePerPeer
	}
	if c.FetchConcurrent <= 0 {
		c.FetchConcurrent = d.FetchConcurrent
	}
	if c.MaxOutstandingPerPeer <= 0 {
		c.MaxOutstandingPerPeer = d.MaxOutstandingPerPeer
	}
	if c.InitialLatency <= 0 {
		c.InitialLatency = d.InitialLatency
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
}

func (c *Config) validate() error {
	switch {
	case c.Crypto == nil:
		return errors.New("resolver: Crypto is required")
	case c.Blocker == nil:
		return errors.New("resolver: Blocker is required")
	case c.Supervisor == nil:
		return errors.New("resolver: Supervisor is required")
	case c.Transport == nil:
		return errors.New("resolver: Transport is required")
	}
	return nil
}
