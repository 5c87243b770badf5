// Package rpc serves the node's chains and peer state over JSON-RPC 2.0.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/archive"
	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/internal/p2p"
	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/Klingon-tech/klingnet-obcast/internal/resolver"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

const (
	maxBodySize     = 1 << 20
	queryTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	ioTimeout       = 30 * time.Second
)

// Backend is the node whose chains the server exposes.
type Backend interface {
	Tip(ctx context.Context, seq types.SequencerID) (types.Node, bool, error)
	Status(ctx context.Context, seq types.SequencerID) (resolver.Status, error)
	Publish(payload []byte) (types.Node, error)
	SequencerID() (types.SequencerID, bool)
	PeerStats(ctx context.Context) ([]peers.Stats, error)
}

// Network exposes the P2P node's peer state.
type Network interface {
	ID() peer.ID
	Addrs() []string
	PeerCount() int
	PeerList() []p2p.Peer
}

type method func(ctx context.Context, req *Request) (any, *Error)

// Server is the JSON-RPC HTTP endpoint. A nil archive, network or ban
// manager turns the methods that need them into empty answers.
type Server struct {
	addr       string
	backend    Backend
	archive    *archive.Archive
	network    Network
	genesis    *config.Genesis
	banManager *p2p.BanManager
	methods    map[string]method

	allowed []netip.Prefix // empty: any client
	origins []string       // empty: no CORS headers

	http   *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// New builds a server listening on addr once started. The optional
// RPCConfig supplies the client allowlist and CORS origins.
func New(addr string, backend Backend, arch *archive.Archive, network Network,
	genesis *config.Genesis, rpcCfg ...config.RPCConfig) *Server {

	s := &Server{
		addr:    addr,
		backend: backend,
		archive: arch,
		network: network,
		genesis: genesis,
		logger:  klog.WithComponent("rpc"),
	}
	if len(rpcCfg) > 0 {
		s.allowed = parsePrefixes(rpcCfg[0].AllowedIPs)
		s.origins = rpcCfg[0].CORSOrigins
	}
	s.methods = map[string]method{
		"obcast_getInfo":   s.handleGetInfo,
		"obcast_getTip":    s.handleGetTip,
		"obcast_getStatus": s.handleGetStatus,
		"obcast_getTips":   s.handleGetTips,
		"obcast_getChunk":  s.handleGetChunk,
		"obcast_publish":   s.handlePublish,
		"net_getPeerInfo":  s.handleNetGetPeerInfo,
		"net_getNodeInfo":  s.handleNetGetNodeInfo,
		"net_getBanList":   s.handleNetGetBanList,
	}
	s.http = &http.Server{
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	}
	return s
}

// parsePrefixes accepts CIDRs and bare addresses. Unparsable entries are
// skipped.
func parsePrefixes(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one
// when the port was 0.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// SetBanManager enables net_getBanList.
func (s *Server) SetBanManager(bm *p2p.BanManager) {
	s.banManager = bm
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.clientAllowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.setCORSHeaders(w, r)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		reply(w, nil, nil, errorf(CodeInvalidRequest, "only POST method is allowed"))
		return
	}

	req, rpcErr := decodeRequest(w, r)
	if rpcErr != nil {
		var id any
		if req != nil {
			id = req.ID
		}
		reply(w, id, nil, rpcErr)
		return
	}
	result, rpcErr := s.dispatch(r.Context(), req)
	reply(w, req.ID, result, rpcErr)
}

// decodeRequest reads one JSON-RPC request. The request is returned along
// with the error when it was parsed but is not valid 2.0.
func decodeRequest(w http.ResponseWriter, r *http.Request) (*Request, *Error) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errorf(CodeInvalidRequest, "request body too large")
		}
		return nil, errorf(CodeParseError, "invalid JSON")
	}
	if req.JSONRPC != "2.0" {
		return &req, errorf(CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	return &req, nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	m, ok := s.methods[req.Method]
	if !ok {
		return nil, errorf(CodeMethodNotFound, "method %q not found", req.Method)
	}
	return m(ctx, req)
}

func reply(w http.ResponseWriter, id, result any, rpcErr *Error) {
	resp := Response{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (s *Server) clientAllowed(remote string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(remote)
	if err != nil {
		return false
	}
	addr := ap.Addr().Unmap()
	return slices.ContainsFunc(s.allowed, func(p netip.Prefix) bool { return p.Contains(addr) })
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return
	}
	h := w.Header()
	switch {
	case slices.Contains(s.origins, "*"):
		h.Set("Access-Control-Allow-Origin", "*")
	case slices.Contains(s.origins, origin):
		h.Set("Access-Control-Allow-Origin", origin)
	default:
		return
	}
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// parseParams decodes the request params into target.
func parseParams(req *Request, target any) *Error {
	if req.Params == nil {
		return errorf(CodeInvalidParams, "params required")
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return errorf(CodeInvalidParams, "invalid params")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
