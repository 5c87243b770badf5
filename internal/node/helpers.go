package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/Klingon-tech/klingnet-obcast/internal/resolver"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/internal/tips"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadSequencerKey reads a sequencer key file, plain hex or sealed with
// password.
func loadSequencerKey(path string, password []byte) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return crypto.ParseKeyFile(data, password)
}

// loadGenesis returns the genesis named by the config, or the built-in one
// for the network.
func loadGenesis(cfg *config.Config) (*config.Genesis, error) {
	if cfg.GenesisFile == "" {
		return config.GenesisFor(cfg.Network), nil
	}
	return config.LoadGenesis(expandHome(cfg.GenesisFile))
}

// resolverConfig maps operator settings onto resolver tunables. Zero values
// are left for the resolver to default.
func resolverConfig(rc config.ResolverConfig) (resolver.Config, error) {
	policy, err := tips.ParsePolicy(rc.Equivocation)
	if err != nil {
		return resolver.Config{}, err
	}
	out := resolver.Config{
		MailboxSize:           rc.MailboxSize,
		ActivityTimeout:       rc.ActivityTimeout,
		FetchTimeout:          rc.FetchTimeout,
		MaxFetchCount:         rc.MaxFetch,
		FetchConcurrent:       rc.Concurrent,
		MaxOutstandingPerPeer: rc.PerPeer,
		InitialLatency:        rc.InitialLatency,
		EquivocationPolicy:    policy,
	}
	if rc.FetchRate > 0 {
		out.FetchRatePerPeer = peers.Quota{PerSecond: rc.FetchRate, Burst: rc.FetchBurst}
	}
	return out, nil
}

// ArchiveStore returns the part of the node database holding the chunk
// archive.
func ArchiveStore(db storage.DB) storage.DB {
	return storage.NewPrefixDB(db, archivePrefix)
}

// PeerStore returns the part of the node database holding bans and
// remembered peers.
func PeerStore(db storage.DB) storage.DB {
	return storage.NewPrefixDB(db, p2pPrefix)
}
