// Klingnet ordered-broadcast node daemon.
//
// Usage:
//
//	obcastd [--sequencer-key=...]   Run node
//	obcastd --help                  Show help
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/node"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
)

// passwordEnv supplies the sequencer key password to unattended nodes.
const passwordEnv = "OBCAST_SEQUENCER_PASSWORD"

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			config.PrintUsage(os.Stdout)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	switch {
	case flags.Help:
		config.PrintUsage(os.Stdout)
		return
	case flags.Version:
		fmt.Printf("obcastd %s\n", config.Version)
		return
	}

	if err := unlockSequencerKey(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := node.InitLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	failed := make(chan error, 1)
	go func() { failed <- n.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		n.Stop()
	case err := <-failed:
		n.Stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// unlockSequencerKey fills cfg.SequencerPassword when the key file is
// encrypted, from the environment or an interactive prompt.
func unlockSequencerKey(cfg *config.Config) error {
	if cfg.SequencerKey == "" {
		return nil
	}
	path := cfg.SequencerKey
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// node.New reports unreadable key files.
		return nil
	}
	if !crypto.IsEncryptedKeyFile(data) {
		return nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		cfg.SequencerPassword = []byte(pw)
		return nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("sequencer key is encrypted: set %s or run interactively", passwordEnv)
	}
	fmt.Fprint(os.Stderr, "Sequencer key password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	cfg.SequencerPassword = pw
	return nil
}
