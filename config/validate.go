package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}

	r := &cfg.Resolver
	for name, v := range map[string]int{
		"resolver.mailbox":     r.MailboxSize,
		"resolver.fetch_burst": r.FetchBurst,
		"resolver.concurrent":  r.Concurrent,
		"resolver.per_peer":    r.PerPeer,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if r.ActivityTimeout < 0 || r.FetchTimeout < 0 || r.InitialLatency < 0 {
		return fmt.Errorf("resolver durations must not be negative")
	}
	if r.FetchRate < 0 {
		return fmt.Errorf("resolver.fetch_rate must not be negative")
	}
	r.Equivocation = strings.ToLower(strings.TrimSpace(r.Equivocation))
	switch r.Equivocation {
	case "", "panic", "report":
	default:
		return fmt.Errorf("resolver.equivocation must be panic or report")
	}

	if cfg.RPC.Enabled {
		if _, _, err := net.SplitHostPort(cfg.RPC.Addr); err != nil {
			return fmt.Errorf("rpc.addr: %w", err)
		}
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}
