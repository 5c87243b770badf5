package rpc

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

// maxPublishBytes bounds the payload accepted by obcast_publish.
const maxPublishBytes = 256 * 1024

func (s *Server) handleGetInfo(_ context.Context, _ *Request) (any, *Error) {
	info := &InfoResult{
		Version:    config.Version,
		Namespace:  s.genesis.Namespace,
		Sequencers: s.genesis.Sequencers,
	}
	if info.Sequencers == nil {
		info.Sequencers = []string{}
	}
	if id, ok := s.backend.SequencerID(); ok {
		info.Sequencer = id.String()
	}
	if s.network != nil {
		info.Peers = s.network.PeerCount()
	}
	return info, nil
}

// sequencerParam parses and validates a SequencerParam.
func sequencerParam(req *Request) (types.SequencerID, *Error) {
	var params SequencerParam
	if err := parseParams(req, &params); err != nil {
		return types.SequencerID{}, err
	}
	return parseSequencer(params.Sequencer)
}

func parseSequencer(s string) (types.SequencerID, *Error) {
	if s == "" {
		return types.SequencerID{}, errorf(CodeInvalidParams, "sequencer is required")
	}
	seq, err := types.ParseSequencerID(s)
	if err != nil {
		return types.SequencerID{}, errorf(CodeInvalidParams, "invalid sequencer: %v", err)
	}
	return seq, nil
}

func (s *Server) handleGetTip(ctx context.Context, req *Request) (any, *Error) {
	seq, rpcErr := sequencerParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	node, ok, err := s.backend.Tip(ctx, seq)
	if err != nil {
		return nil, errorf(CodeUnavailable, "%v", err)
	}
	if !ok {
		return &TipResult{Found: false}, nil
	}
	return &TipResult{Found: true, Node: &node}, nil
}

func (s *Server) handleGetStatus(ctx context.Context, req *Request) (any, *Error) {
	seq, rpcErr := sequencerParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	st, err := s.backend.Status(ctx, seq)
	if err != nil {
		return nil, errorf(CodeUnavailable, "%v", err)
	}
	res := &StatusResult{
		Target:   st.Target,
		State:    st.State.String(),
		Last:     st.Last.String(),
		Queued:   st.Queued,
		Inflight: st.Inflight,
		Buffered: st.Buffered,
	}
	if st.Tip != nil {
		h := st.Tip.Chunk.Height
		res.Height = &h
	}
	return res, nil
}

func (s *Server) handleGetTips(_ context.Context, _ *Request) (any, *Error) {
	if s.archive == nil {
		return &TipsResult{Tips: []types.Node{}}, nil
	}
	tips, err := s.archive.Tips()
	if err != nil {
		return nil, errorf(CodeInternalError, "%v", err)
	}
	if tips == nil {
		tips = []types.Node{}
	}
	return &TipsResult{Count: len(tips), Tips: tips}, nil
}

func (s *Server) handleGetChunk(_ context.Context, req *Request) (any, *Error) {
	var params ChunkParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	seq, rpcErr := parseSequencer(params.Sequencer)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if s.archive == nil {
		return nil, errorf(CodeNotFound, "archive not available")
	}

	node, err := s.archive.Get(seq, params.Height)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errorf(CodeNotFound, "chunk %s@%d not found", seq.Short(), params.Height)
	}
	if err != nil {
		return nil, errorf(CodeInternalError, "%v", err)
	}
	return &node, nil
}

func (s *Server) handlePublish(_ context.Context, req *Request) (any, *Error) {
	var params PublishParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	payload, err := hex.DecodeString(params.Payload)
	if err != nil {
		return nil, errorf(CodeInvalidParams, "payload must be hex")
	}
	if len(payload) > maxPublishBytes {
		return nil, errorf(CodeInvalidParams, "payload exceeds %d bytes", maxPublishBytes)
	}

	node, err := s.backend.Publish(payload)
	if err != nil {
		return nil, errorf(CodeUnavailable, "%v", err)
	}
	s.logger.Debug().Uint64("height", node.Chunk.Height).Msg("Chunk published via RPC")
	return &node, nil
}

func (s *Server) handleNetGetPeerInfo(ctx context.Context, _ *Request) (any, *Error) {
	if s.network == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	scored := make(map[peer.ID]peers.Stats)
	stats, err := s.backend.PeerStats(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Peer stats unavailable")
	}
	for _, st := range stats {
		scored[st.ID] = st
	}

	list := s.network.PeerList()
	infos := make([]PeerInfo, len(list))
	for i, p := range list {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Source:      p.Source,
			Verified:    p.Verified,
		}
		if st, ok := scored[p.ID]; ok {
			ms := st.Latency.Milliseconds()
			infos[i].LatencyMs = &ms
			infos[i].Outstanding = st.Outstanding
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ context.Context, _ *Request) (any, *Error) {
	if s.network == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.network.ID().String(),
		Addrs: s.network.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ context.Context, _ *Request) (any, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}
