// obcast-cli is a helper for operating an obcastd node: key and genesis
// management, live queries over RPC, and inspection of a stopped node's
// store.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/archive"
	"github.com/Klingon-tech/klingnet-obcast/internal/node"
	"github.com/Klingon-tech/klingnet-obcast/internal/p2p"
	"github.com/Klingon-tech/klingnet-obcast/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	dataDir := config.DefaultDataDir()
	network := config.Mainnet
	rpcURL := ""

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = config.NetworkType(args[1])
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = config.NetworkType(args[0][len("--network="):])
			args = args[1:]
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--testnet":
			network = config.Testnet
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default(network)
	cfg.DataDir = dataDir
	if rpcURL == "" {
		rpcURL = "http://" + cfg.RPC.Addr + "/"
	}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "info":
		cmdInfo(rpcURL)
	case "tip":
		cmdTip(rpcURL, cmdArgs)
	case "status":
		cmdStatus(rpcURL, cmdArgs)
	case "publish":
		cmdPublish(rpcURL, cmdArgs)
	case "connected":
		cmdConnected(rpcURL)
	case "keygen":
		cmdKeygen(cmdArgs)
	case "genesis":
		cmdGenesis(cmdArgs, network)
	case "tips":
		cmdTips(cfg)
	case "chunk":
		cmdChunk(cfg, cmdArgs)
	case "bans":
		cmdBans(cfg, cmdArgs)
	case "peers":
		cmdPeers(cfg)
	case "version", "--version":
		fmt.Printf("obcast-cli %s\n", config.Version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: obcast-cli [global flags] <command> [flags]

Global flags:
  --datadir <path>    Data directory (default: ~/.klingnet-obcast)
  --network <net>     mainnet (default) or testnet
  --testnet           Shorthand for --network=testnet
  --rpc <url>         Node RPC endpoint (default: the network's local RPC address)

Live queries (node must be running):
  info                                        Namespace, sequencers and peer count
  tip <sequencer>                             Highest verified chunk of a sequencer
  status <sequencer>                          Backfill progress for a sequencer
  publish [--hex] <payload>                   Append a chunk (sequencer nodes only)
  connected                                   List connected peers

Keys and genesis:
  keygen [--out <file> [--encrypt]]           Generate a sequencer key
  genesis init --namespace <ns> [--sequencer <hex>]... [--participant <id>]... [--out <file>]
  genesis show [<file>]                       Print a genesis and its hash

Store inspection (node must be stopped):
  tips                                        List archived sequencer tips
  chunk <sequencer> <height>                  Print one archived node
  bans [list|clear]                           List or clear persisted bans
  peers                                       List remembered peers
`)
}

// ── Keys ────────────────────────────────────────────────────────────

func cmdKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "", "Write the private key to this file")
	encrypt := fs.Bool("encrypt", false, "Seal the key file with a password (requires --out)")
	fs.Parse(args)

	if *encrypt && *out == "" {
		fatal("--encrypt requires --out")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		fatal("generate key: %v", err)
	}
	defer key.Zero()

	if *out == "" {
		fmt.Printf("private_key=%s\n", hex.EncodeToString(key.Serialize()))
		fmt.Printf("sequencer=%s\n", key.SequencerID())
		return
	}
	if _, err := os.Stat(*out); err == nil {
		fatal("%s already exists", *out)
	}

	var password []byte
	if *encrypt {
		password, err = readPassword("Enter password: ")
		if err != nil {
			fatal("%v", err)
		}
		confirm, err := readPassword("Confirm password: ")
		if err != nil {
			fatal("%v", err)
		}
		if len(password) == 0 || string(password) != string(confirm) {
			fatal("passwords are empty or do not match")
		}
	}

	data, err := crypto.MarshalKeyFile(key, password, crypto.DefaultKeyParams())
	if err != nil {
		fatal("%v", err)
	}
	if err := os.WriteFile(*out, data, 0600); err != nil {
		fatal("write key: %v", err)
	}
	fmt.Printf("Key written to %s (encrypted=%v)\n", *out, *encrypt)
	fmt.Printf("sequencer=%s\n", key.SequencerID())
}

// ── Genesis ─────────────────────────────────────────────────────────

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func cmdGenesis(args []string, network config.NetworkType) {
	if len(args) == 0 {
		fatal("usage: genesis <init|show>")
	}
	switch args[0] {
	case "init":
		cmdGenesisInit(args[1:])
	case "show":
		cmdGenesisShow(args[1:], network)
	default:
		fatal("unknown genesis subcommand: %s", args[0])
	}
}

func cmdGenesisInit(args []string) {
	fs := flag.NewFlagSet("genesis init", flag.ExitOnError)
	namespace := fs.String("namespace", "", "Protocol namespace")
	out := fs.String("out", "genesis.json", "Output file")
	var seqs, parts stringList
	fs.Var(&seqs, "sequencer", "Sequencer public key (hex), repeatable")
	fs.Var(&parts, "participant", "Allowed peer ID, repeatable")
	fs.Parse(args)

	g := &config.Genesis{
		Namespace:    *namespace,
		Sequencers:   seqs,
		Participants: parts,
		Timestamp:    uint64(time.Now().Unix()),
	}
	if err := g.Validate(); err != nil {
		fatal("invalid genesis: %v", err)
	}
	if err := g.Save(*out); err != nil {
		fatal("%v", err)
	}
	h, _ := g.Hash()
	fmt.Printf("Genesis written to %s (hash %s)\n", *out, h)
}

func cmdGenesisShow(args []string, network config.NetworkType) {
	var (
		g   *config.Genesis
		err error
	)
	if len(args) > 0 {
		g, err = config.LoadGenesis(args[0])
		if err != nil {
			fatal("%v", err)
		}
	} else {
		g = config.GenesisFor(network)
	}
	h, err := g.Hash()
	if err != nil {
		fatal("%v", err)
	}
	printJSON(g)
	fmt.Printf("hash=%s\n", h)
}

// ── Live queries ────────────────────────────────────────────────────

const rpcTimeout = 15 * time.Second

func rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcTimeout)
}

func cmdInfo(url string) {
	ctx, cancel := rpcContext()
	defer cancel()
	info, err := rpcclient.New(url).Info(ctx)
	if err != nil {
		fatal("%v", err)
	}
	printJSON(info)
}

func parseSequencerArg(args []string, usage string) types.SequencerID {
	if len(args) != 1 {
		fatal("usage: %s", usage)
	}
	seq, err := types.ParseSequencerID(args[0])
	if err != nil {
		fatal("sequencer: %v", err)
	}
	return seq
}

func cmdTip(url string, args []string) {
	seq := parseSequencerArg(args, "tip <sequencer>")
	ctx, cancel := rpcContext()
	defer cancel()
	n, ok, err := rpcclient.New(url).Tip(ctx, seq)
	if err != nil {
		fatal("%v", err)
	}
	if !ok {
		fmt.Printf("No verified chunk for %s yet.\n", seq.Short())
		return
	}
	printJSON(n)
}

func cmdStatus(url string, args []string) {
	seq := parseSequencerArg(args, "status <sequencer>")
	ctx, cancel := rpcContext()
	defer cancel()
	st, err := rpcclient.New(url).Status(ctx, seq)
	if err != nil {
		fatal("%v", err)
	}
	height := "none"
	if st.Height != nil {
		height = strconv.FormatUint(*st.Height, 10)
	}
	fmt.Printf("state=%s height=%s target=%d queued=%d inflight=%d buffered=%d\n",
		st.State, height, st.Target, st.Queued, st.Inflight, st.Buffered)
}

func cmdPublish(url string, args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	isHex := fs.Bool("hex", false, "Payload argument is hex encoded")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal("usage: publish [--hex] <payload>")
	}

	payload := []byte(fs.Arg(0))
	if *isHex {
		var err error
		payload, err = hex.DecodeString(fs.Arg(0))
		if err != nil {
			fatal("payload: %v", err)
		}
	}

	ctx, cancel := rpcContext()
	defer cancel()
	n, err := rpcclient.New(url).Publish(ctx, payload)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Published height %d (payload %s)\n", n.Chunk.Height, n.Chunk.Payload)
}

func cmdConnected(url string) {
	ctx, cancel := rpcContext()
	defer cancel()
	res, err := rpcclient.New(url).Peers(ctx)
	if err != nil {
		fatal("%v", err)
	}
	if res.Count == 0 {
		fmt.Println("No connected peers.")
		return
	}
	for _, p := range res.Peers {
		fmt.Printf("%s  verified=%v  source=%s  since=%s\n", p.ID, p.Verified, p.Source, p.ConnectedAt)
	}
}

// ── Store inspection ────────────────────────────────────────────────

// openStore opens the node database read-write. Badger holds a directory
// lock, so this fails while obcastd is running.
func openStore(cfg *config.Config) storage.DB {
	db, err := storage.NewBadger(cfg.StoreDir())
	if err != nil {
		fatal("open store %s (is obcastd running?): %v", cfg.StoreDir(), err)
	}
	return db
}

func cmdTips(cfg *config.Config) {
	db := openStore(cfg)
	defer db.Close()

	arch := archive.New(node.ArchiveStore(db))
	tips, err := arch.Tips()
	if err != nil {
		fatal("%v", err)
	}
	if len(tips) == 0 {
		fmt.Println("No archived chunks.")
		return
	}
	fmt.Printf("%-66s  %10s  %8s  %s\n", "SEQUENCER", "HEIGHT", "STORED", "PAYLOAD")
	for _, n := range tips {
		stored, err := arch.Count(n.Chunk.Sequencer)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%-66s  %10d  %8d  %s\n", n.Chunk.Sequencer, n.Chunk.Height, stored, n.Chunk.Payload)
	}
}

func cmdChunk(cfg *config.Config, args []string) {
	if len(args) != 2 {
		fatal("usage: chunk <sequencer> <height>")
	}
	seq, err := types.ParseSequencerID(args[0])
	if err != nil {
		fatal("sequencer: %v", err)
	}
	height, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fatal("height: %v", err)
	}

	db := openStore(cfg)
	defer db.Close()

	n, err := archive.New(node.ArchiveStore(db)).Get(seq, height)
	if err != nil {
		fatal("%v", err)
	}
	printJSON(n)
}

func cmdBans(cfg *config.Config, args []string) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	db := openStore(cfg)
	defer db.Close()
	store := p2p.NewBanStore(node.PeerStore(db))

	var bans []p2p.BanRecord
	err := store.ForEach(func(rec *p2p.BanRecord) error {
		bans = append(bans, *rec)
		return nil
	})
	if err != nil {
		fatal("%v", err)
	}

	switch sub {
	case "list":
		if len(bans) == 0 {
			fmt.Println("No bans.")
			return
		}
		for _, b := range bans {
			expires := "never"
			if b.ExpiresAt > 0 {
				expires = time.Unix(b.ExpiresAt, 0).Format(time.RFC3339)
			}
			fmt.Printf("%s  score=%d  expires=%s  reason=%s\n", b.ID, b.Score, expires, b.Reason)
		}
	case "clear":
		removed := 0
		for _, b := range bans {
			if err := deleteBan(store, b.ID); err != nil {
				fatal("%v", err)
			}
			removed++
		}
		fmt.Printf("Removed %d bans.\n", removed)
	default:
		fatal("unknown bans subcommand: %s", sub)
	}
}

func cmdPeers(cfg *config.Config) {
	db := openStore(cfg)
	defer db.Close()

	records, err := p2p.NewAddrBook(node.PeerStore(db)).LoadAll()
	if err != nil {
		fatal("%v", err)
	}
	if len(records) == 0 {
		fmt.Println("No remembered peers.")
		return
	}
	for _, r := range records {
		seen := time.Unix(r.LastSeen, 0).Format(time.RFC3339)
		fmt.Printf("%s  verified=%v  source=%s  last_seen=%s\n", r.ID, r.Verified, r.Source, seen)
		for _, a := range r.Addrs {
			fmt.Printf("    %s\n", a)
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func deleteBan(store *p2p.BanStore, id string) error {
	pid, err := peer.Decode(id)
	if err != nil {
		return err
	}
	return store.Delete(pid)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(data))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
