package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// fetchReadTimeout bounds a response read when the caller set no deadline.
	fetchReadTimeout = 30 * time.Second

	// maxFetchRequestBytes limits the size of an incoming request.
	maxFetchRequestBytes = 4096

	// maxFetchResponseBytes limits the size of a response (8 MB).
	maxFetchResponseBytes = 8 * 1024 * 1024

	// MaxServeCount caps how many nodes one response carries.
	MaxServeCount = 256
)

// ErrRemote wraps an error reported by the serving peer.
var ErrRemote = errors.New("remote error")

// FetchResponse carries the nodes a peer holds for a requested range.
type FetchResponse struct {
	Nodes []types.Node `json:"nodes"`
	Error string       `json:"error,omitempty"`
}

// Source provides the data served to peers. The chunk archive implements it.
type Source interface {
	Range(seq types.SequencerID, r types.Range, limit int) ([]types.Node, error)
	Tips() ([]types.Node, error)
}

// Fetcher is the client and server side of the fetch and tips protocols.
type Fetcher struct {
	node     *Node
	verifier *crypto.ChunkVerifier
}

// NewFetcher creates a fetcher bound to a started node.
func NewFetcher(node *Node) *Fetcher {
	return &Fetcher{
		node:     node,
		verifier: crypto.NewChunkVerifier(node.config.Namespace),
	}
}

// Serve registers stream handlers answering fetch and tips requests from src.
func (f *Fetcher) Serve(src Source) {
	ns := f.node.config.Namespace
	f.node.host.SetStreamHandler(FetchProtocol(ns), func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(fetchReadTimeout))

		var req types.FetchRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxFetchRequestBytes)).Decode(&req); err != nil {
			return
		}
		resp := serveRange(src, req)
		if err := json.NewEncoder(stream).Encode(&resp); err != nil {
			klog.P2P.Debug().Err(err).
				Str("peer", klog.ShortPeer(stream.Conn().RemotePeer().String())).
				Msg("Fetch response write failed")
		}
	})
	f.node.host.SetStreamHandler(TipsProtocol(ns), func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(fetchReadTimeout))

		var resp FetchResponse
		tips, err := src.Tips()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Nodes = tips
		}
		_ = json.NewEncoder(stream).Encode(&resp)
	})
}

// Close removes the stream handlers installed by Serve.
func (f *Fetcher) Close() {
	if f.node.host == nil {
		return
	}
	ns := f.node.config.Namespace
	f.node.host.RemoveStreamHandler(FetchProtocol(ns))
	f.node.host.RemoveStreamHandler(TipsProtocol(ns))
}

func serveRange(src Source, req types.FetchRequest) FetchResponse {
	if req.Range.Len() == 0 {
		return FetchResponse{Error: "empty range"}
	}
	nodes, err := src.Range(req.Sequencer, req.Range, MaxServeCount)
	if err != nil {
		return FetchResponse{Error: err.Error()}
	}
	return FetchResponse{Nodes: nodes}
}

// Fetch asks a peer for the nodes in req. The stream is reset when ctx ends.
func (f *Fetcher) Fetch(ctx context.Context, id peer.ID, req types.FetchRequest) ([]types.Node, error) {
	var resp FetchResponse
	if err := f.roundTrip(ctx, id, FetchProtocol(f.node.config.Namespace), &req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp.Nodes, nil
}

// RequestTips asks a peer for its tips and returns those whose signatures
// and parent links verify. A peer serving any invalid tip is penalized.
func (f *Fetcher) RequestTips(ctx context.Context, id peer.ID) ([]types.Node, error) {
	var resp FetchResponse
	if err := f.roundTrip(ctx, id, TipsProtocol(f.node.config.Namespace), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	out := resp.Nodes[:0]
	bad := 0
	for _, n := range resp.Nodes {
		if !f.node.IsSequencer(n.Chunk.Sequencer) {
			continue
		}
		if !f.verifier.Verify(n.Chunk, n.Signature, n.Parent) {
			bad++
			continue
		}
		out = append(out, n)
	}
	if bad > 0 {
		f.node.BanManager.RecordOffense(id, PenaltyBadResponse, "invalid tip in tips response")
	}
	return out, nil
}

// roundTrip writes req (if any), half-closes, and decodes one response.
func (f *Fetcher) roundTrip(ctx context.Context, id peer.ID, proto protocol.ID, req, resp any) error {
	if f.node.host == nil {
		return ErrNotStarted
	}
	stream, err := f.node.host.NewStream(ctx, id, proto)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", proto, err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
	defer stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(fetchReadTimeout)
	}
	_ = stream.SetDeadline(deadline)

	if req != nil {
		if err := json.NewEncoder(stream).Encode(req); err != nil {
			return fmt.Errorf("send request: %w", err)
		}
	}
	stream.CloseWrite()

	if err := json.NewDecoder(io.LimitReader(stream, maxFetchResponseBytes)).Decode(resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}
