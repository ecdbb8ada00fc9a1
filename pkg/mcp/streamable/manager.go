// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package streamable implements the MCP streamable HTTP transport: a
// registry of sessions keyed by the Mcp-Session-Id header, each with a
// resumable server-sent event stream.
package streamable

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/whatsapp-mcp/pkg/mcp"
)

const (
	maxBodySize = 4 * 1024 * 1024

	DefaultMaxEventsPerSession = 1000
)

const msgNoSession = "Bad Request: No valid session ID provided"

type Options struct {
	Server *mcp.Server
	// MaxEventsPerSession caps the replay history; the oldest events are
	// dropped first.
	MaxEventsPerSession int
	// JSONResponse answers POSTs with plain JSON unless the client only
	// accepts event streams.
	JSONResponse bool
	Metrics      *Metrics
	Log          zerolog.Logger
}

// Manager routes MCP HTTP requests to their sessions.
type Manager struct {
	opts     Options
	sessions *exsync.Map[string, *Transport]
	metrics  *Metrics
	log      zerolog.Logger
	closing  atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.MaxEventsPerSession <= 0 {
		opts.MaxEventsPerSession = DefaultMaxEventsPerSession
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	opts.Log = opts.Log.With().Str("component", "mcp_http").Logger()
	return &Manager{
		opts:     opts,
		sessions: exsync.NewMap[string, *Transport](),
		metrics:  opts.Metrics,
		log:      opts.Log,
	}
}

// statusWriter records whether a response was started. It keeps Flush
// reachable for event streams.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().
				Any("panic", p).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Msg("Panic while routing MCP request")
			if sw.status == 0 {
				writeFault(sw, http.StatusInternalServerError, mcp.CodeInternalError, "Internal server error")
			}
		}
		m.metrics.Requests.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
	}()

	if m.closing.Load() {
		writeFault(sw, http.StatusServiceUnavailable, mcp.CodeServerError, "Server is shutting down")
		return
	}
	switch r.Method {
	case http.MethodPost:
		m.handlePost(sw, r)
	case http.MethodGet:
		m.handleGet(sw, r)
	case http.MethodDelete:
		m.handleDelete(sw, r)
	default:
		sw.Header().Set("Allow", "GET, POST, DELETE")
		writeFault(sw, http.StatusMethodNotAllowed, mcp.CodeServerError, "Method not allowed")
	}
}

func (m *Manager) lookup(r *http.Request) (*Transport, bool) {
	token := r.Header.Get(HeaderSessionID)
	if token == "" {
		return nil, false
	}
	return m.sessions.Get(token)
}

func (m *Manager) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeFault(w, http.StatusBadRequest, mcp.CodeParseError, "Failed to read request body")
		return
	}

	var transport *Transport
	if r.Header.Get(HeaderSessionID) != "" {
		var ok bool
		if transport, ok = m.lookup(r); !ok {
			writeFault(w, http.StatusBadRequest, mcp.CodeServerError, msgNoSession)
			return
		}
	} else if !IsInitializeRequest(body) {
		writeFault(w, http.StatusBadRequest, mcp.CodeServerError, msgNoSession)
		return
	}

	msgs, batch, err := mcp.DecodeMessages(body)
	if err != nil {
		var rpcErr *mcp.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &mcp.Error{Code: mcp.CodeParseError, Message: err.Error()}
		}
		writeFault(w, http.StatusBadRequest, rpcErr.Code, rpcErr.Message)
		return
	}
	if transport != nil {
		transport.ServePost(w, r, msgs, batch)
		return
	}
	m.startSession(w, r, msgs, batch)
}

func (m *Manager) startSession(w http.ResponseWriter, r *http.Request, msgs []*mcp.Request, batch bool) {
	transport := newTransport(uuid.NewString(), &m.opts, m.metrics)
	responses := transport.process(r.Context(), msgs)
	if !initialized(msgs, responses) {
		writeRejected(w, responses, batch)
		return
	}
	transport.setOnClose(m.remove)
	m.sessions.Set(transport.ID(), transport)
	m.metrics.ActiveSessions.Inc()
	// Close may have finished its final pass while this request was in
	// flight.
	if m.closing.Load() {
		_ = transport.Close()
		writeFault(w, http.StatusServiceUnavailable, mcp.CodeServerError, "Server is shutting down")
		return
	}
	m.log.Info().Str("session_id", transport.ID()).Str("client", transport.Peer().Client().Name).Msg("Session started")
	transport.respond(w, r, responses, batch)
}

func (m *Manager) remove(id string) {
	if _, ok := m.sessions.Pop(id); ok {
		m.metrics.ActiveSessions.Dec()
		m.log.Info().Str("session_id", id).Msg("Session removed")
	}
}

func (m *Manager) handleGet(w http.ResponseWriter, r *http.Request) {
	transport, ok := m.lookup(r)
	if !ok {
		writeFault(w, http.StatusBadRequest, mcp.CodeServerError, msgNoSession)
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" && accept != "*/*" && !strings.Contains(accept, "text/event-stream") {
		writeFault(w, http.StatusNotAcceptable, mcp.CodeServerError, "Not Acceptable: Client must accept text/event-stream")
		return
	}
	transport.ServeGet(w, r)
}

func (m *Manager) handleDelete(w http.ResponseWriter, r *http.Request) {
	transport, ok := m.lookup(r)
	if !ok {
		writeFault(w, http.StatusBadRequest, mcp.CodeServerError, msgNoSession)
		return
	}
	err := transport.Close()
	// The entry goes even if the transport failed to close cleanly.
	m.remove(transport.ID())
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		m.log.Warn().Err(err).Str("session_id", transport.ID()).Msg("Failed to close session")
		writeFault(w, http.StatusInternalServerError, mcp.CodeInternalError, "Failed to close session")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Session returns the transport registered under id.
func (m *Manager) Session(id string) (*Transport, bool) {
	return m.sessions.Get(id)
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	return len(m.sessions.CopyData())
}

// Broadcast sends n to every session's event stream.
func (m *Manager) Broadcast(n *mcp.Notification) {
	for id, transport := range m.sessions.CopyData() {
		if err := transport.Notify(n); err != nil && !errors.Is(err, ErrSessionClosed) {
			m.log.Warn().Err(err).Str("session_id", id).Msg("Failed to notify session")
		}
	}
}

// Close rejects new requests and closes every session. Per-session
// failures are logged.
func (m *Manager) Close(ctx context.Context) error {
	m.closing.Store(true)
	var eg errgroup.Group
	for id, transport := range m.sessions.CopyData() {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := transport.Close(); err != nil && !errors.Is(err, ErrSessionClosed) {
				m.log.Warn().Err(err).Str("session_id", id).Msg("Failed to close session")
			}
			m.remove(id)
			return nil
		})
	}
	err := eg.Wait()
	for id := range m.sessions.CopyData() {
		m.remove(id)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// IsInitializeRequest reports whether body is an initialize request or a
// batch containing one.
func IsInitializeRequest(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		for _, item := range parsed.Array() {
			if item.Get("method").String() == "initialize" {
				return true
			}
		}
		return false
	}
	return parsed.Get("method").String() == "initialize"
}

// initialized reports whether every initialize request in msgs succeeded.
func initialized(msgs []*mcp.Request, responses []*mcp.Response) bool {
	found := false
	for _, msg := range msgs {
		if msg.Method != "initialize" {
			continue
		}
		found = true
		ok := false
		for _, resp := range responses {
			if bytes.Equal(resp.ID, msg.ID) && resp.Error == nil {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return found
}

// writeRejected answers a failed initialization. No session is created.
func writeRejected(w http.ResponseWriter, responses []*mcp.Response, batch bool) {
	switch {
	case len(responses) == 0:
		writeFault(w, http.StatusBadRequest, mcp.CodeInvalidRequest, "Bad Request: initialization did not complete")
	case batch:
		writeJSON(w, http.StatusBadRequest, responses)
	default:
		writeJSON(w, http.StatusBadRequest, responses[0])
	}
}
