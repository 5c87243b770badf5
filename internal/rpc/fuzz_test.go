package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/archive"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
)

// FuzzHandleRequest feeds arbitrary bodies to the HTTP handler. Every input
// must produce a well-formed JSON-RPC envelope.
func FuzzHandleRequest(f *testing.F) {
	f.Add([]byte(`{"jsonrpc":"2.0","method":"obcast_getInfo","id":1}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"obcast_getTip","params":{"sequencer":"00"},"id":1}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"obcast_getChunk","params":{"sequencer":"","height":-1},"id":"x"}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"obcast_publish","params":{"payload":"zz"},"id":null}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte{})

	arch := archive.New(storage.NewMemory())
	srv := New("127.0.0.1:0", &fakeBackend{archive: arch}, arch, nil, &config.Genesis{Namespace: "fuzz"})

	f.Fuzz(func(t *testing.T, body []byte) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.handleRequest(rec, req)

		var resp Response
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
		}
		if resp.JSONRPC != "2.0" {
			t.Fatalf("jsonrpc = %q", resp.JSONRPC)
		}
		if resp.Error == nil && resp.Result == nil {
			t.Fatalf("response has neither result nor error: %q", rec.Body.String())
		}
	})
}
