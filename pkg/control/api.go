// Package control implements the local control API: JSON requests and
// responses over a loopback TCP socket, used by the CLI.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/weavemesh/weavenet/pkg/blockstore"
	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/exchange"
	"github.com/weavemesh/weavenet/pkg/node"
)

// Request is a control API request.
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a control API response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
}

// Error codes surfaced to clients so the CLI can map exit codes.
const (
	CodeNotFound = "not_found"
	CodeTimeout  = "timeout"
	CodeBadParam = "bad_param"
	CodeInternal = "internal"
)

// cidParams is the parameter shape shared by CID-keyed methods.
type cidParams struct {
	CID string `json:"cid"`
}

// addParams carries base64 payload bytes for Add.
type addParams struct {
	Data string `json:"data"`
	Pin  bool   `json:"pin,omitempty"`
}

// getResult returns block data base64-encoded.
type getResult struct {
	CID  string `json:"cid"`
	Size uint64 `json:"size"`
	Data string `json:"data"`
}

// addResult returns the CID of stored data.
type addResult struct {
	CID string `json:"cid"`
}

// Server serves the control API for one node.
type Server struct {
	node *node.Node
}

// NewServer creates a control server bound to a node.
func NewServer(n *node.Node) *Server {
	return &Server{node: n}
}

// Serve accepts control connections until the context is canceled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves one client until it disconnects.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}

		response := s.handleRequest(ctx, request)
		if err := encoder.Encode(response); err != nil {
			return
		}
	}
}

// handleRequest dispatches a single API request.
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	switch request.Method {
	case "Info":
		return s.handleInfo(request)
	case "Get":
		return s.handleGet(ctx, request)
	case "Add":
		return s.handleAdd(ctx, request)
	case "Pin":
		return s.handlePin(request)
	case "Unpin":
		return s.handleUnpin(request)
	case "Provide":
		return s.handleProvide(ctx, request)
	case "ListenAddrs":
		return Response{ID: request.ID, Result: s.node.ListenAddrs()}
	default:
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("unknown method: %s", request.Method),
			Code:  CodeBadParam,
		}
	}
}

func (s *Server) handleInfo(request Request) Response {
	info, err := s.node.Info()
	if err != nil {
		return errorResponse(request.ID, err)
	}
	return Response{ID: request.ID, Result: info}
}

func (s *Server) handleGet(ctx context.Context, request Request) Response {
	id, resp := decodeCID(request)
	if resp != nil {
		return *resp
	}

	getCtx, cancel := context.WithTimeout(ctx, constants.ExchangeSessionTimeout)
	defer cancel()

	b, err := s.node.Get(getCtx, id)
	if err != nil {
		return errorResponse(request.ID, err)
	}
	return Response{ID: request.ID, Result: getResult{
		CID:  b.CID.String,
		Size: b.Size(),
		Data: base64.StdEncoding.EncodeToString(b.Data),
	}}
}

func (s *Server) handleAdd(ctx context.Context, request Request) Response {
	var params addParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return Response{ID: request.ID, Error: "undecodable params", Code: CodeBadParam}
	}
	data, err := base64.StdEncoding.DecodeString(params.Data)
	if err != nil {
		return Response{ID: request.ID, Error: "data is not valid base64", Code: CodeBadParam}
	}

	id, err := s.node.Put(ctx, data)
	if err != nil {
		return errorResponse(request.ID, err)
	}
	if params.Pin {
		if err := s.node.Pin(id); err != nil {
			return errorResponse(request.ID, err)
		}
	}
	return Response{ID: request.ID, Result: addResult{CID: id.String}}
}

func (s *Server) handlePin(request Request) Response {
	id, resp := decodeCID(request)
	if resp != nil {
		return *resp
	}
	if err := s.node.Pin(id); err != nil {
		return errorResponse(request.ID, err)
	}
	return Response{ID: request.ID, Result: true}
}

func (s *Server) handleUnpin(request Request) Response {
	id, resp := decodeCID(request)
	if resp != nil {
		return *resp
	}
	if err := s.node.Unpin(id); err != nil {
		return errorResponse(request.ID, err)
	}
	return Response{ID: request.ID, Result: true}
}

func (s *Server) handleProvide(ctx context.Context, request Request) Response {
	id, resp := decodeCID(request)
	if resp != nil {
		return *resp
	}

	provideCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := s.node.Provide(provideCtx, id); err != nil {
		return errorResponse(request.ID, err)
	}
	return Response{ID: request.ID, Result: true}
}

// decodeCID parses the CID parameter shared by several methods.
func decodeCID(request Request) (content.CID, *Response) {
	var params cidParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return content.CID{}, &Response{ID: request.ID, Error: "undecodable params", Code: CodeBadParam}
	}
	id, err := content.ParseCID(params.CID)
	if err != nil {
		return content.CID{}, &Response{ID: request.ID, Error: err.Error(), Code: CodeBadParam}
	}
	return id, nil
}

// errorResponse maps node errors onto control API codes.
func errorResponse(id string, err error) Response {
	code := CodeInternal
	switch {
	case errors.Is(err, blockstore.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, exchange.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	return Response{ID: id, Error: err.Error(), Code: code}
}
