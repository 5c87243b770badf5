package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify compatibility.
type HandshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	Namespace       []byte `json:"namespace"`
	Sequencers      int    `json:"sequencers"`
}

// registerHandshakeHandler answers handshakes opened by dialing peers.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", klog.ShortPeer(remote.String())).Msg("Handshake read failed")
			return
		}
		ours := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ours); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", klog.ShortPeer(remote.String())).Msg("Handshake write failed")
			return
		}
		n.concludeHandshake(remote, theirs)
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, id, HandshakeProtocol)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", klog.ShortPeer(id.String())).Msg("Handshake stream failed")
		return
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ours); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", klog.ShortPeer(id.String())).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", klog.ShortPeer(id.String())).Msg("Handshake response read failed")
		return
	}
	n.concludeHandshake(id, theirs)
}

// concludeHandshake admits or bans a peer based on its handshake message.
func (n *Node) concludeHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		klog.P2P.Warn().
			Str("peer", klog.ShortPeer(id.String())).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		n.DisconnectPeer(id)
		return
	}
	if n.markVerified(id) {
		klog.P2P.Debug().Str("peer", klog.ShortPeer(id.String())).Msg("Peer verified")
	}
}

// validateHandshake returns an empty string on success, or the reason the
// peer is incompatible.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if !bytes.Equal(msg.Namespace, n.config.Namespace) {
		return fmt.Sprintf("namespace mismatch: peer=%s local=%s",
			namespaceTag(msg.Namespace), namespaceTag(n.config.Namespace))
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	return HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		Namespace:       n.config.Namespace,
		Sequencers:      len(n.config.Sequencers),
	}
}
