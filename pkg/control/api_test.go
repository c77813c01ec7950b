package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/exchange"
	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/node"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	config := &node.Config{
		DataDir: t.TempDir(),
		Exchange: exchange.Config{
			RebroadcastBase: 5 * time.Millisecond,
			SessionTimeout:  50 * time.Millisecond,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := node.New(config, id, logger)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	t.Cleanup(func() { n.Store().Close() })

	return NewServer(n)
}

func mustParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to encode params: %v", err)
	}
	return data
}

func TestAddThenGet(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	payload := []byte("stored through the api")
	add := s.handleRequest(ctx, Request{
		Method: "Add",
		ID:     "1",
		Params: mustParams(t, addParams{Data: base64.StdEncoding.EncodeToString(payload)}),
	})
	if add.Error != "" {
		t.Fatalf("Add failed: %s", add.Error)
	}
	added := add.Result.(addResult)

	get := s.handleRequest(ctx, Request{
		Method: "Get",
		ID:     "2",
		Params: mustParams(t, cidParams{CID: added.CID}),
	})
	if get.Error != "" {
		t.Fatalf("Get failed: %s", get.Error)
	}
	result := get.Result.(getResult)
	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		t.Fatalf("result data is not base64: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("round trip changed data: %q", data)
	}
	if result.Size != uint64(len(payload)) {
		t.Errorf("size = %d, want %d", result.Size, len(payload))
	}
}

func TestAddWithPin(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	add := s.handleRequest(ctx, Request{
		Method: "Add",
		ID:     "1",
		Params: mustParams(t, addParams{
			Data: base64.StdEncoding.EncodeToString([]byte("pinned data")),
			Pin:  true,
		}),
	})
	if add.Error != "" {
		t.Fatalf("Add failed: %s", add.Error)
	}
	id, err := content.ParseCID(add.Result.(addResult).CID)
	if err != nil {
		t.Fatalf("ParseCID failed: %v", err)
	}

	pins, err := s.node.Store().Pins()
	if err != nil {
		t.Fatalf("Pins failed: %v", err)
	}
	if len(pins) != 1 || !pins[0].Equals(id) {
		t.Errorf("pins = %v, want the added CID", pins)
	}

	unpin := s.handleRequest(ctx, Request{
		Method: "Unpin",
		ID:     "2",
		Params: mustParams(t, cidParams{CID: id.String}),
	})
	if unpin.Error != "" {
		t.Errorf("Unpin failed: %s", unpin.Error)
	}
}

func TestGetTimesOutForUnknownContent(t *testing.T) {
	s := newTestServer(t)

	missing := content.NewCID([]byte("nobody has this"))
	resp := s.handleRequest(context.Background(), Request{
		Method: "Get",
		ID:     "1",
		Params: mustParams(t, cidParams{CID: missing.String}),
	})
	if resp.Error == "" {
		t.Fatal("Get for unknown content succeeded")
	}
	if resp.Code != CodeTimeout {
		t.Errorf("code = %q, want %q", resp.Code, CodeTimeout)
	}
}

func TestProvideUnknownContent(t *testing.T) {
	s := newTestServer(t)

	missing := content.NewCID([]byte("never stored"))
	resp := s.handleRequest(context.Background(), Request{
		Method: "Provide",
		ID:     "1",
		Params: mustParams(t, cidParams{CID: missing.String}),
	})
	if resp.Code != CodeNotFound {
		t.Errorf("code = %q, want %q", resp.Code, CodeNotFound)
	}
}

func TestBadParams(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		request Request
	}{
		{"unknown method", Request{Method: "Nope", ID: "1"}},
		{"undecodable params", Request{Method: "Get", ID: "2", Params: json.RawMessage(`{`)}},
		{"invalid cid", Request{Method: "Get", ID: "3", Params: mustParams(t, cidParams{CID: "not-a-cid"})}},
		{"bad base64", Request{Method: "Add", ID: "4", Params: mustParams(t, addParams{Data: "!!!"})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.handleRequest(ctx, tt.request)
			if resp.Code != CodeBadParam {
				t.Errorf("code = %q, want %q", resp.Code, CodeBadParam)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)

	resp := s.handleRequest(context.Background(), Request{Method: "Info", ID: "1"})
	if resp.Error != "" {
		t.Fatalf("Info failed: %s", resp.Error)
	}
	info := resp.Result.(*node.Info)
	if info.PeerID == "" {
		t.Error("info carries no peer id")
	}
	if info.State != "stopped" {
		t.Errorf("state = %q, want stopped before Start", info.State)
	}
}

func TestServeRoundTrip(t *testing.T) {
	s := newTestServer(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, listener)

	client, err := Dial(listener.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("failed to dial control API: %v", err)
	}
	defer client.Close()

	var added addResult
	err = client.Call("Add", addParams{
		Data: base64.StdEncoding.EncodeToString([]byte("over the wire")),
	}, &added)
	if err != nil {
		t.Fatalf("Add call failed: %v", err)
	}

	var got getResult
	if err := client.Call("Get", cidParams{CID: added.CID}, &got); err != nil {
		t.Fatalf("Get call failed: %v", err)
	}
	data, _ := base64.StdEncoding.DecodeString(got.Data)
	if string(data) != "over the wire" {
		t.Errorf("round trip changed data: %q", data)
	}

	// Errors arrive typed with their code.
	err = client.Call("Provide", cidParams{CID: content.NewCID([]byte("absent")).String}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeNotFound {
		t.Errorf("got %v, want APIError with code %q", err, CodeNotFound)
	}
}
