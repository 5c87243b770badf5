package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			ListenAddr: "0.0.0.0",
			Port:       31303,
			MaxPeers:   50,
			// Seeds are libp2p multiaddrs, e.g.
			//   "/ip4/203.0.113.1/tcp/31303/p2p/12D3KooW..."
			Seeds: []string{},
		},
		Resolver: ResolverConfig{
			Equivocation: "panic",
		},
		RPC: RPCConfig{
			Enabled: true,
			Addr:    "127.0.0.1:31345",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 31304
	cfg.RPC.Addr = "127.0.0.1:31346"
	cfg.Metrics.Addr = "127.0.0.1:9465"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
