package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// =============================================================================
// Protocol Rules (defined in genesis)
// These MUST match across all nodes of a namespace.
// =============================================================================

// MaxNamespaceLen bounds the namespace, which is mixed into every signature.
const MaxNamespaceLen = 64

// Genesis holds the protocol rules shared by every node of a broadcast
// instance.
type Genesis struct {
	// Namespace domain-separates signatures, topics and protocols.
	Namespace string `json:"namespace"`

	// Sequencers lists the hex compressed public keys of the chain
	// producers. Empty runs an open instance that tracks any sequencer.
	Sequencers []string `json:"sequencers,omitempty"`

	// Participants optionally restricts the peers this node exchanges
	// data with to the listed libp2p peer IDs.
	Participants []string `json:"participants,omitempty"`

	Timestamp uint64 `json:"timestamp"`
}

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		Namespace: "klingnet-obcast-mainnet-1",
		Timestamp: 1767225600,
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	return &Genesis{
		Namespace: "klingnet-obcast-testnet-1",
		Timestamp: 1767225600,
	}
}

// GenesisFor returns the built-in genesis for the network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}
	return nil
}

// Validate checks the genesis for structural errors.
func (g *Genesis) Validate() error {
	if g.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if len(g.Namespace) > MaxNamespaceLen {
		return fmt.Errorf("namespace longer than %d bytes", MaxNamespaceLen)
	}
	if _, err := g.SequencerIDs(); err != nil {
		return err
	}
	if _, err := g.ParticipantIDs(); err != nil {
		return err
	}
	return nil
}

// NamespaceBytes returns the namespace as used in signatures.
func (g *Genesis) NamespaceBytes() []byte {
	return []byte(g.Namespace)
}

// SequencerIDs parses the sequencer list, rejecting duplicates.
func (g *Genesis) SequencerIDs() ([]types.SequencerID, error) {
	out := make([]types.SequencerID, 0, len(g.Sequencers))
	seen := make(map[types.SequencerID]struct{}, len(g.Sequencers))
	for i, s := range g.Sequencers {
		id, err := types.ParseSequencerID(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("sequencers[%d]: %w", i, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("sequencers[%d]: duplicate %s", i, id.Short())
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// ParticipantIDs parses the participant allowlist.
func (g *Genesis) ParticipantIDs() ([]peer.ID, error) {
	out := make([]peer.ID, 0, len(g.Participants))
	for i, s := range g.Participants {
		id, err := peer.Decode(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("participants[%d]: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Hash returns a digest identifying this genesis.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encoding genesis: %w", err)
	}
	return crypto.Hash(data), nil
}
