package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is reported by --version.
const Version = "0.1.0"

// ErrHelp is returned by ParseFlags when --help was requested.
var ErrHelp = flag.ErrHelp

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string
	Genesis string
	SeqKey  string

	// P2P
	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool
	ClearBans  bool

	// Resolver
	FetchTimeout time.Duration
	MaxFetch     uint64
	Concurrent   int
	Equivocation string

	// RPC
	RPC     bool
	RPCAddr string

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetNoDiscover bool
	SetRPC        bool
	SetMetrics    bool
	SetLogJSON    bool
}

// ParseFlags parses command-line arguments (without the program name).
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("obcastd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Genesis, "genesis", "", "Genesis file path")
	fs.StringVar(&f.SeqKey, "sequencer-key", "", "Sequencer private key file")

	// P2P
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable peer discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode (for seeds)")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all peer bans on startup")

	// Resolver
	fs.DurationVar(&f.FetchTimeout, "fetch-timeout", 0, "Per-request fetch timeout")
	fs.Uint64Var(&f.MaxFetch, "max-fetch", 0, "Heights per fetch request")
	fs.IntVar(&f.Concurrent, "concurrent", 0, "Maximum fetches in flight")
	fs.StringVar(&f.Equivocation, "equivocation", "", "Equivocation policy: panic or report")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", false, "Enable the JSON-RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "JSON-RPC listen address")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return f, ErrHelp
		}
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// was silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Genesis != "" {
		cfg.GenesisFile = f.Genesis
	}
	if f.SeqKey != "" {
		cfg.SequencerKey = f.SeqKey
	}

	// P2P
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}
	if f.DHTServer {
		cfg.P2P.DHTServer = true
	}
	if f.ClearBans {
		cfg.P2P.ClearBans = true
	}

	// Resolver
	if f.FetchTimeout != 0 {
		cfg.Resolver.FetchTimeout = f.FetchTimeout
	}
	if f.MaxFetch != 0 {
		cfg.Resolver.MaxFetch = f.MaxFetch
	}
	if f.Concurrent != 0 {
		cfg.Resolver.Concurrent = f.Concurrent
	}
	if f.Equivocation != "" {
		cfg.Resolver.Equivocation = f.Equivocation
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the help text to w.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, `Klingnet obcast - ordered-broadcast chain backfill node

Usage:
  obcastd [options]
  obcastd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingnet-obcast)
  --config, -c    Config file path (default: <datadir>/obcast.conf)
  --genesis       Genesis file (default: built-in genesis for the network)
  --sequencer-key Hex private key file; publishes chunks as a sequencer

P2P Options:
  --p2p-port      P2P listen port (mainnet: 31303, testnet: 31304)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 50)
  --nodiscover    Disable peer discovery
  --dht-server    Run DHT in server mode (for seed nodes)
  --clear-bans    Clear all peer bans on startup

Resolver Options:
  --fetch-timeout   Per-request fetch timeout (default: 2s)
  --max-fetch       Heights per fetch request (default: 16)
  --concurrent      Maximum fetches in flight (default: 4)
  --equivocation    panic (default) or report

RPC Options:
  --rpc             Enable the JSON-RPC server (default: true)
  --rpc-addr        JSON-RPC listen address (mainnet: 127.0.0.1:31345)

Metrics Options:
  --metrics         Serve Prometheus metrics
  --metrics-addr    Metrics listen address (mainnet: 127.0.0.1:9464)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start a mainnet node
  obcastd

  # Testnet node with metrics
  obcastd --testnet --metrics

Note:
  The namespace and sequencer set come from genesis and cannot be changed
  at runtime. Data directories are created automatically on first start.
`)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, flags, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}
	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.StoreDir(),
		cfg.P2PDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
