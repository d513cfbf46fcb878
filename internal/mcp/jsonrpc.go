package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message. ID may be any JSON scalar;
// the handshake matches the response against it by value.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id any, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. ID and Result are kept
// raw; callers decode Result into whatever shape they expect.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// wireResponse is the permissive shape a frame is decoded into before
// it is validated.
type wireResponse struct {
	JSONRPC any             `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// decodeResponse parses and validates one frame. The returned message
// describes why a frame was rejected and is empty on success.
func decodeResponse(frame []byte) (*Response, string, error) {
	var w wireResponse
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, "malformed JSON frame", err
	}
	if v, ok := w.JSONRPC.(string); !ok || v != jsonrpcVersion {
		return nil, fmt.Sprintf("unsupported jsonrpc version %v", w.JSONRPC), nil
	}
	if isNull(w.ID) {
		return nil, "response has no id", nil
	}

	resp := &Response{JSONRPC: jsonrpcVersion, ID: w.ID, Result: w.Result}
	if !isNull(w.Error) {
		resp.Error = decodeRPCError(w.Error)
	}
	return resp, "", nil
}

// decodeRPCError accepts a well-formed error object or, failing that,
// keeps the raw payload as the message.
func decodeRPCError(raw json.RawMessage) *RPCError {
	var e RPCError
	if err := json.Unmarshal(raw, &e); err != nil {
		return &RPCError{Message: string(raw)}
	}
	return &e
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// sameID reports whether a raw response id equals the request id once
// both are decoded as JSON. 1 and 1.0 match; 1 and "1" do not.
func sameID(want any, got json.RawMessage) bool {
	data, err := json.Marshal(want)
	if err != nil {
		return false
	}
	var a, b any
	if err := json.Unmarshal(data, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(got, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
