// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gantry-mcp/gantry/pkg/core"
)

// Version is the JSON-RPC protocol version the gateway speaks.
const Version = "2.0"

// Message represents a JSON-RPC message.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject represents a JSON-RPC error.
type ErrorObject struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseMessage decodes a single JSON-RPC message from raw bytes. Batch
// requests are rejected; MCP does not use them.
func ParseMessage(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, core.NewInvalidRequestError("empty request body", nil)
	}
	if trimmed[0] == '[' {
		return nil, core.NewInvalidRequestError("batch requests are not supported", nil)
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, core.NewInvalidRequestError("malformed JSON-RPC message", err)
	}
	return &msg, nil
}

// NewRequest creates a new JSON-RPC request message.
func NewRequest(method string, params any, id any) (*Message, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	}, nil
}

// NewResponse creates a new JSON-RPC response message.
func NewResponse(id any, result any) (*Message, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	if resultJSON == nil {
		// A response must carry a result member even when the flow
		// produced nothing.
		resultJSON = json.RawMessage(`{}`)
	}

	return &Message{
		JSONRPC: Version,
		Result:  resultJSON,
		ID:      id,
	}, nil
}

// NewErrorMessage creates a new JSON-RPC error message.
func NewErrorMessage(id any, code int64, message string, data any) (*Message, error) {
	var dataJSON json.RawMessage
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
	}

	return &Message{
		JSONRPC: Version,
		Error: &ErrorObject{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
		ID: id,
	}, nil
}

// NewNotification creates a new JSON-RPC notification message.
func NewNotification(method string, params any) (*Message, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// IsRequest returns true if the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate validates the JSON-RPC message.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("invalid JSON-RPC version: %q", m.JSONRPC)
	}

	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return fmt.Errorf("invalid JSON-RPC message format")
	}

	return nil
}
