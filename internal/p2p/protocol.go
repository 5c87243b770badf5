package p2p

import (
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingnet/obcast/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// namespaceTag renders a namespace for use inside protocol IDs.
func namespaceTag(namespace []byte) string {
	if len(namespace) == 0 {
		return "default"
	}
	return hex.EncodeToString(namespace)
}

// TipTopic returns the GossipSub topic carrying tip announcements for a namespace.
func TipTopic(namespace []byte) string {
	return fmt.Sprintf("/klingnet/obcast/%s/tip/1.0.0", namespaceTag(namespace))
}

// FetchProtocol returns the stream protocol ID used to backfill chunk ranges.
func FetchProtocol(namespace []byte) protocol.ID {
	return protocol.ID(fmt.Sprintf("/klingnet/obcast/%s/fetch/1.0.0", namespaceTag(namespace)))
}

// TipsProtocol returns the stream protocol ID used to query a peer's tips.
func TipsProtocol(namespace []byte) protocol.ID {
	return protocol.ID(fmt.Sprintf("/klingnet/obcast/%s/tips/1.0.0", namespaceTag(namespace)))
}
