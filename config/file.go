package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// keyAliases maps shorthand keys accepted in the file to their tag.
var keyAliases = map[string]string{
	"metrics": "metrics.enabled",
}

var durationType = reflect.TypeOf(time.Duration(0))

// LoadFile reads `key = value` lines. Blank lines and lines starting with
// # are skipped; a value wrapped in matching quotes is unquoted. A missing
// file yields no values.
func LoadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", line)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ApplyFileConfig sets every field tagged `conf:"<key>"` that has a value.
// Unknown keys are ignored. Fields without a tag (passwords, one-shot
// flags) cannot be set from a file.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	fields := make(map[string]reflect.Value)
	collectFields(reflect.ValueOf(cfg).Elem(), fields)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		name := key
		if alias, ok := keyAliases[key]; ok {
			name = alias
		}
		field, ok := fields[name]
		if !ok {
			continue
		}
		if err := setField(field, values[key]); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// collectFields indexes the settable fields of v by conf tag, descending
// into untagged nested structs.
func collectFields(v reflect.Value, out map[string]reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if tag := sf.Tag.Get("conf"); tag != "" {
			out[tag] = v.Field(i)
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			collectFields(v.Field(i), out)
		}
	}
}

func setField(f reflect.Value, raw string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		f.SetBool(parseBool(raw))
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetUint(n)
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", f.Type())
		}
		f.Set(reflect.ValueOf(parseStringList(raw)))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseStringList splits a comma-separated list, dropping empty items.
func parseStringList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet ordered-broadcast node configuration
#
# This file contains NODE settings only. The namespace and the sequencer
# set come from the genesis file and must match across all nodes.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-obcast)
# datadir = ~/.klingnet-obcast

# Custom genesis (JSON). Defaults to the built-in genesis for the network.
# genesis = /path/to/genesis.json

# Hex private key file for publishing chunks as a sequencer
# sequencer.key = ~/.klingnet-obcast/sequencer.key

# ============================================================================
# P2P Network
# ============================================================================

p2p.listen = 0.0.0.0
p2p.port = ` + defaultPort(network) + `
p2p.maxpeers = 50

# Seed nodes as comma-separated libp2p multiaddrs
# p2p.seeds = /ip4/203.0.113.1/tcp/31303/p2p/12D3KooW...

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# Run DHT in server mode (for seed nodes)
# p2p.dhtserver = false

# ============================================================================
# Resolver (chain backfill)
# ============================================================================

# resolver.mailbox = 1024
# resolver.activity_timeout = 1m
# resolver.fetch_timeout = 2s
# resolver.max_fetch = 16
# resolver.fetch_rate = 10
# resolver.fetch_burst = 10
# resolver.concurrent = 4
# resolver.per_peer = 1
# resolver.initial_latency = 1s

# What to do when a sequencer signs two chunks at one height: panic or report
resolver.equivocation = panic

# ============================================================================
# JSON-RPC
# ============================================================================

rpc.enabled = true
rpc.addr = ` + Default(network).RPC.Addr + `

# Restrict access by IP or CIDR (comma-separated, empty = allow all)
# rpc.allowedips = 127.0.0.1, 10.0.0.0/8
# rpc.corsorigins = http://localhost:3000

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
metrics.addr = ` + defaultMetricsAddr(network) + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultPort(network NetworkType) string {
	return strconv.Itoa(Default(network).P2P.Port)
}

func defaultMetricsAddr(network NetworkType) string {
	return Default(network).Metrics.Addr
}
