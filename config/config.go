// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// GenesisFile overrides the built-in genesis for the network.
	GenesisFile string `conf:"genesis"`

	// SequencerKey is a file holding the hex private key this node signs
	// chunks with. Empty runs a relay-only node.
	SequencerKey string `conf:"sequencer.key"`

	// SequencerPassword unlocks an encrypted SequencerKey. It is never read
	// from the config file.
	SequencerPassword []byte

	P2P      P2PConfig
	Resolver ResolverConfig
	RPC      RPCConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // run DHT in server mode (for seeds)
	ClearBans  bool     // clear all peer bans on startup (not persisted in config file)
}

// ResolverConfig tunes chain backfill. Zero values fall back to the
// resolver's defaults.
type ResolverConfig struct {
	MailboxSize     int           `conf:"resolver.mailbox"`
	ActivityTimeout time.Duration `conf:"resolver.activity_timeout"`
	FetchTimeout    time.Duration `conf:"resolver.fetch_timeout"`
	MaxFetch        uint64        `conf:"resolver.max_fetch"`
	FetchRate       float64       `conf:"resolver.fetch_rate"` // requests per second per peer, 0 = unlimited
	FetchBurst      int           `conf:"resolver.fetch_burst"`
	Concurrent      int           `conf:"resolver.concurrent"`
	PerPeer         int           `conf:"resolver.per_peer"`
	InitialLatency  time.Duration `conf:"resolver.initial_latency"`
	Equivocation    string        `conf:"resolver.equivocation"` // panic or report
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	AllowedIPs  []string `conf:"rpc.allowedips"` // IPs/CIDRs allowed to connect (empty = all)
	CORSOrigins []string `conf:"rpc.corsorigins"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-obcast
//	macOS:   ~/Library/Application Support/KlingnetObcast
//	Windows: %APPDATA%\KlingnetObcast
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-obcast"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetObcast")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetObcast")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetObcast")
	default:
		return filepath.Join(home, ".klingnet-obcast")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StoreDir returns the badger directory holding the chunk archive, bans and
// remembered peers.
func (c *Config) StoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "store")
}

// P2PDir returns the directory holding the libp2p identity.
func (c *Config) P2PDir() string {
	return filepath.Join(c.NetworkDataDir(), "p2p")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "obcast.conf")
}
