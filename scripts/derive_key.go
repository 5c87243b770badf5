// derive_key.go prints the sequencer id for a private key file. Encrypted
// files read the password from OBCAST_SEQUENCER_PASSWORD.
// Usage: go run scripts/derive_key.go <keyfile>
package main

import (
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: derive_key <keyfile>")
		os.Exit(1)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	key, err := crypto.ParseKeyFile(data, []byte(os.Getenv("OBCAST_SEQUENCER_PASSWORD")))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer key.Zero()
	fmt.Printf("sequencer=%s\n", key.SequencerID())
	fmt.Printf("short=%s\n", key.SequencerID().Short())
}
