package rpc

import (
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      any    `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SequencerParam is used by endpoints that take a sequencer id.
type SequencerParam struct {
	Sequencer string `json:"sequencer"`
}

// ChunkParam is used by obcast_getChunk.
type ChunkParam struct {
	Sequencer string `json:"sequencer"`
	Height    uint64 `json:"height"`
}

// PublishParam is used by obcast_publish. Payload is hex encoded.
type PublishParam struct {
	Payload string `json:"payload"`
}

// ── Result types ────────────────────────────────────────────────────────

// InfoResult is returned by obcast_getInfo.
type InfoResult struct {
	Version    string   `json:"version"`
	Namespace  string   `json:"namespace"`
	Sequencers []string `json:"sequencers"`
	Sequencer  string   `json:"sequencer,omitempty"` // this node's key, if any
	Peers      int      `json:"peers"`
}

// TipResult is returned by obcast_getTip.
type TipResult struct {
	Found bool        `json:"found"`
	Node  *types.Node `json:"node,omitempty"`
}

// StatusResult is returned by obcast_getStatus.
type StatusResult struct {
	Height   *uint64 `json:"height,omitempty"` // nil until a chunk is verified
	Target   uint64  `json:"target"`
	State    string  `json:"state"`
	Last     string  `json:"last"`
	Queued   int     `json:"queued"`
	Inflight int     `json:"inflight"`
	Buffered int     `json:"buffered"`
}

// TipsResult is returned by obcast_getTips.
type TipsResult struct {
	Count int          `json:"count"`
	Tips  []types.Node `json:"tips"`
}

// PeerInfo describes a connected peer. The fetch fields are set once the
// resolver has scored the peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
	Verified    bool   `json:"verified"`
	LatencyMs   *int64 `json:"latency_ms,omitempty"`
	Outstanding int    `json:"outstanding"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes one banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}
