// Package rpcclient provides a JSON-RPC 2.0 client for obcast nodes.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/rpc"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to one node's RPC endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// New creates a client for endpoint with the default timeout.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, defaultTimeout)
}

// NewWithTimeout creates a client whose HTTP requests time out after timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	ID     int64           `json:"id"`
}

// RPCError is returned when the server answers with an error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes the result into result. A nil result
// discards it.
func (c *Client) Call(method string, params, result interface{}) error {
	return c.CallContext(context.Background(), method, params, result)
}

// CallContext is Call bounded by ctx.
func (c *Client) CallContext(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// ── Typed helpers ───────────────────────────────────────────────────

// Info returns the node's namespace, sequencer set and peer count.
func (c *Client) Info(ctx context.Context) (*rpc.InfoResult, error) {
	var res rpc.InfoResult
	if err := c.CallContext(ctx, "obcast_getInfo", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Tip returns the highest verified node of seq. ok is false when the node
// holds nothing for it yet.
func (c *Client) Tip(ctx context.Context, seq types.SequencerID) (node types.Node, ok bool, err error) {
	var res rpc.TipResult
	if err := c.CallContext(ctx, "obcast_getTip", rpc.SequencerParam{Sequencer: seq.String()}, &res); err != nil {
		return types.Node{}, false, err
	}
	if !res.Found || res.Node == nil {
		return types.Node{}, false, nil
	}
	return *res.Node, true, nil
}

// Status returns the resolver's backfill state for seq.
func (c *Client) Status(ctx context.Context, seq types.SequencerID) (*rpc.StatusResult, error) {
	var res rpc.StatusResult
	if err := c.CallContext(ctx, "obcast_getStatus", rpc.SequencerParam{Sequencer: seq.String()}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Tips lists every archived sequencer tip.
func (c *Client) Tips(ctx context.Context) ([]types.Node, error) {
	var res rpc.TipsResult
	if err := c.CallContext(ctx, "obcast_getTips", nil, &res); err != nil {
		return nil, err
	}
	return res.Tips, nil
}

// Chunk fetches one archived node.
func (c *Client) Chunk(ctx context.Context, seq types.SequencerID, height uint64) (types.Node, error) {
	var node types.Node
	params := rpc.ChunkParam{Sequencer: seq.String(), Height: height}
	if err := c.CallContext(ctx, "obcast_getChunk", params, &node); err != nil {
		return types.Node{}, err
	}
	return node, nil
}

// Publish asks a sequencer node to append payload to its chain.
func (c *Client) Publish(ctx context.Context, payload []byte) (types.Node, error) {
	var node types.Node
	params := rpc.PublishParam{Payload: hex.EncodeToString(payload)}
	if err := c.CallContext(ctx, "obcast_publish", params, &node); err != nil {
		return types.Node{}, err
	}
	return node, nil
}

// Peers lists connected peers.
func (c *Client) Peers(ctx context.Context) (*rpc.PeerInfoResult, error) {
	var res rpc.PeerInfoResult
	if err := c.CallContext(ctx, "net_getPeerInfo", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
