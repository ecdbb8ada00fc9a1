// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// LatestProtocolVersion is answered to clients asking for a version this
// server does not know.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

func negotiateVersion(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}

// JSON-RPC 2.0 error codes. CodeServerError is the implementation-defined
// code used for structural transport faults such as unknown sessions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is any inbound JSON-RPC 2.0 message. Requests carry an ID and a
// method, notifications only a method, and responses to server-initiated
// requests a result or error.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// IsNotification returns true for messages without an ID.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 && r.Method != ""
}

// IsResponse returns true for replies to server-initiated requests.
func (r *Request) IsResponse() bool {
	return r.Method == "" && (len(r.Result) > 0 || len(r.Error) > 0)
}

// Expects returns true if the message is a request that needs a response.
func (r *Request) Expects() bool {
	return len(r.ID) > 0 && r.Method != ""
}

// Response is a JSON-RPC 2.0 response. A nil ID is encoded as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// Notification is a server-to-client JSON-RPC notification.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notifier delivers notifications to one connected client.
type Notifier interface {
	Notify(n *Notification) error
}

var (
	errEmptyMessage = errors.New("empty message")
	errEmptyBatch   = errors.New("empty batch")
)

// DecodeMessages parses a single JSON-RPC message or a batch. The parse
// error is reported as a *Error with CodeParseError or CodeInvalidRequest.
func DecodeMessages(data []byte) (msgs []*Request, batch bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, &Error{Code: CodeInvalidRequest, Message: errEmptyMessage.Error()}
	}
	if data[0] == '[' {
		if err = json.Unmarshal(data, &msgs); err != nil {
			return nil, true, newError(CodeParseError, "parse error: %v", err)
		}
		if len(msgs) == 0 {
			return nil, true, &Error{Code: CodeInvalidRequest, Message: errEmptyBatch.Error()}
		}
		for _, msg := range msgs {
			if msg == nil {
				return nil, true, newError(CodeInvalidRequest, "null message in batch")
			}
		}
		return msgs, true, nil
	}
	var msg Request
	if err = json.Unmarshal(data, &msg); err != nil {
		return nil, false, newError(CodeParseError, "parse error: %v", err)
	}
	return []*Request{&msg}, false, nil
}

// --- MCP protocol types ---

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type serverCapabilities struct {
	Tools   *toolCapability `json:"tools,omitempty"`
	Logging *struct{}       `json:"logging,omitempty"`
}

type toolCapability struct {
	ListChanged bool `json:"listChanged"`
}

type toolsListResult struct {
	Tools []toolDescription `json:"tools"`
}

type toolDescription struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	InputSchema map[string]any   `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are behavioural hints shown to clients.
type ToolAnnotations struct {
	ReadOnlyHint    *bool `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `json:"idempotentHint,omitempty"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is an MCP content block.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result of a tools/call. IsError marks results the
// client should read as a failure of the tool rather than of the protocol.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult wraps text in a successful result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult wraps text in a tool-level error result.
func ErrorResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Text joins the text of every content block.
func (r *CallToolResult) Text() string {
	var buf bytes.Buffer
	for i, c := range r.Content {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(c.Text)
	}
	return buf.String()
}

type setLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams are the params of notifications/message.
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   any          `json:"data"`
}

// NewLogNotification builds a notifications/message notification.
func NewLogNotification(level LoggingLevel, logger string, data any) *Notification {
	return &Notification{
		JSONRPC: "2.0",
		Method:  "notifications/message",
		Params:  LoggingMessageParams{Level: level, Logger: logger, Data: data},
	}
}
