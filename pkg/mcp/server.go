// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CallObserver is told about every finished tool call.
type CallObserver func(tool string, duration time.Duration, isError bool)

// Server dispatches MCP requests to registered tools. It holds no
// per-connection state; transports pass a Peer with every request.
type Server struct {
	info         Implementation
	instructions string
	log          zerolog.Logger
	observer     CallObserver

	tools  []*Tool
	byName map[string]*Tool
}

func NewServer(name, version string, log zerolog.Logger) *Server {
	return &Server{
		info:   Implementation{Name: name, Version: version},
		log:    log.With().Str("component", "mcp").Logger(),
		byName: make(map[string]*Tool),
	}
}

// Info returns the server name and version sent during initialization.
func (s *Server) Info() Implementation {
	return s.info
}

func (s *Server) SetInstructions(instructions string) {
	s.instructions = instructions
}

func (s *Server) SetCallObserver(observer CallObserver) {
	s.observer = observer
}

// AddTool registers a tool. Tools must be registered before serving.
// Registering a name twice panics.
func (s *Server) AddTool(tool *Tool) {
	if tool.Handler == nil {
		panic(fmt.Sprintf("mcp: tool %q has no handler", tool.Name))
	}
	if _, exists := s.byName[tool.Name]; exists {
		panic(fmt.Sprintf("mcp: tool %q registered twice", tool.Name))
	}
	s.tools = append(s.tools, tool)
	s.byName[tool.Name] = tool
}

// Tools returns the registered tools in registration order.
func (s *Server) Tools() []*Tool {
	return s.tools
}

// Handle processes one message and returns its response, or nil for
// notifications and client responses.
func (s *Server) Handle(ctx context.Context, peer *Peer, req *Request) *Response {
	if req.IsResponse() {
		s.log.Debug().RawJSON("id", nonEmpty(req.ID)).Msg("Ignoring response from client")
		return nil
	}
	if req.JSONRPC != "2.0" {
		if req.Expects() {
			return NewErrorResponse(req.ID, CodeInvalidRequest, "unsupported JSON-RPC version")
		}
		if len(req.ID) > 0 {
			return NewErrorResponse(req.ID, CodeInvalidRequest, "invalid request")
		}
		return nil
	}
	if req.IsNotification() {
		s.handleNotification(peer, req)
		return nil
	}
	if req.Method == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "missing method")
	}
	return s.dispatch(ctx, peer, req)
}

// HandleBatch processes messages concurrently and returns the responses in
// request order. Notifications produce no entry.
func (s *Server) HandleBatch(ctx context.Context, peer *Peer, reqs []*Request) []*Response {
	if len(reqs) == 1 {
		if resp := s.Handle(ctx, peer, reqs[0]); resp != nil {
			return []*Response{resp}
		}
		return nil
	}
	results := make([]*Response, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Handle(ctx, peer, req)
		}()
	}
	wg.Wait()
	out := results[:0]
	for _, resp := range results {
		if resp != nil {
			out = append(out, resp)
		}
	}
	return out
}

func (s *Server) handleNotification(peer *Peer, req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.log.Debug().Str("client", peer.Client().Name).Msg("Client finished initialization")
	case "notifications/cancelled":
		s.log.Debug().RawJSON("params", nonEmpty(req.Params)).Msg("Client cancelled a request")
	default:
		s.log.Debug().Str("method", req.Method).Msg("Ignoring notification")
	}
}

func (s *Server) dispatch(ctx context.Context, peer *Peer, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(peer, req)
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list", "tools/call", "logging/setLevel":
		if !peer.Initialized() {
			return NewErrorResponse(req.ID, CodeInvalidRequest, "server not initialized (call initialize first)")
		}
	default:
		return NewErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
	switch req.Method {
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return s.handleSetLevel(peer, req)
	}
}

func (s *Server) handleInitialize(peer *Peer, req *Request) *Response {
	if len(req.Params) == 0 {
		return NewErrorResponse(req.ID, CodeInvalidParams, "params required for initialize")
	}
	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid initialize params: "+err.Error())
	}
	version := negotiateVersion(params.ProtocolVersion)
	peer.markInitialized(params.ClientInfo, version)
	s.log.Info().
		Str("client_name", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("protocol_version", version).
		Msg("Client initialized")
	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: serverCapabilities{
			Tools:   &toolCapability{},
			Logging: &struct{}{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	})
}

func (s *Server) handleToolsList(req *Request) *Response {
	descriptions := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		descriptions = append(descriptions, toolDescription{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema(),
			Annotations: t.Annotations,
		})
	}
	return resultResponse(req.ID, toolsListResult{Tools: descriptions})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	if len(req.Params) == 0 {
		return NewErrorResponse(req.ID, CodeInvalidParams, "params required for tools/call")
	}
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	t, ok := s.byName[params.Name]
	if !ok {
		return NewErrorResponse(req.ID, CodeInvalidParams, "unknown tool: "+params.Name)
	}
	args, err := t.Bind(params.Arguments)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("invalid arguments for %s: %v", t.Name, err))
	}

	start := time.Now()
	result, err := s.runTool(ctx, t, args)
	duration := time.Since(start)
	if err != nil {
		s.log.Error().Err(err).Str("tool", t.Name).Msg("Tool call failed")
		if s.observer != nil {
			s.observer(t.Name, duration, true)
		}
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}
	if result == nil {
		result = &CallToolResult{Content: []Content{}}
	}
	if s.observer != nil {
		s.observer(t.Name, duration, result.IsError)
	}
	s.log.Debug().Str("tool", t.Name).Dur("duration", duration).Bool("is_error", result.IsError).Msg("Tool call finished")
	return resultResponse(req.ID, result)
}

func (s *Server) runTool(ctx context.Context, t *Tool, args Arguments) (result *CallToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().
				Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Any("panic", p).
				Str("tool", t.Name).
				Msg("Panic in tool handler")
			err = fmt.Errorf("internal error in %s", t.Name)
		}
	}()
	return t.Handler(ctx, args)
}

func (s *Server) handleSetLevel(peer *Peer, req *Request) *Response {
	var params setLevelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || !params.Level.Valid() {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid logging level")
	}
	peer.setLevel(params.Level)
	return resultResponse(req.ID, struct{}{})
}

func nonEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
