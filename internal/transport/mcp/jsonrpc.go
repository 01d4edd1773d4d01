package mcp

import (
	"encoding/json"
	"errors"
	"strings"
)

// JSON-RPC 2.0 error codes.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

var errNoMethod = errors.New("missing method")

type request struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *callError      `json:"error,omitempty"`
}

type callError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func decodeRequest(body []byte) (request, error) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return request{}, err
	}
	switch {
	case req.Version != "" && req.Version != "2.0":
		return request{}, errors.New("jsonrpc must be 2.0")
	case req.Method == "":
		return request{}, errNoMethod
	}
	return req, nil
}

// notification reports whether the caller expects no response.
func (r request) notification() bool {
	return len(r.ID) == 0 || strings.HasPrefix(r.Method, "notifications/")
}

func (r request) ok(result any) response {
	return response{Version: "2.0", ID: r.ID, Result: result}
}

func (r request) fail(code int, msg string, data any) response {
	return response{Version: "2.0", ID: r.ID, Error: &callError{Code: code, Message: msg, Data: data}}
}
