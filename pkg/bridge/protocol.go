package bridge

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/bodhya/bodhya/pkg/errors"
)

const jsonrpcVersion = "2.0"

// Method names on the wire.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
	methodPing        = "ping"
)

// JSON-RPC error codes sent back for provider-initiated requests.
const (
	rpcMethodNotFound = -32601
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcFrame is any inbound message: a response, a notification or a request
// initiated by the provider.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type frameKind int

const (
	frameResponse frameKind = iota
	frameNotification
	frameRequest
)

// decodeFrame parses one line. Anything that is not a well-formed JSON-RPC
// 2.0 message with an integer response id is a protocol error.
func decodeFrame(line []byte) (*rpcFrame, frameKind, int64, error) {
	var f rpcFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, 0, 0, errors.New(errors.CodeProtocol, "malformed frame", err).
			WithContext("frame", truncate(string(line), 200))
	}
	if f.JSONRPC != jsonrpcVersion {
		return nil, 0, 0, errors.Newf(errors.CodeProtocol, "unsupported jsonrpc version %q", f.JSONRPC)
	}
	hasID := len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
	switch {
	case f.Method != "" && !hasID:
		return &f, frameNotification, 0, nil
	case f.Method != "":
		return &f, frameRequest, 0, nil
	case !hasID:
		return nil, 0, 0, errors.Newf(errors.CodeProtocol, "response without id").
			WithContext("frame", truncate(string(line), 200))
	}
	id, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		return nil, 0, 0, errors.Newf(errors.CodeProtocol, "non-integer response id %s", f.ID)
	}
	if f.Result == nil && f.Error == nil {
		return nil, 0, 0, errors.Newf(errors.CodeProtocol, "response %d has neither result nor error", id)
	}
	return &f, frameResponse, id, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
