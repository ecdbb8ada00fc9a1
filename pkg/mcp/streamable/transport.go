// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-mcp/pkg/mcp"
)

const (
	HeaderSessionID   = "Mcp-Session-Id"
	HeaderLastEventID = "Last-Event-ID"

	liveBufferSize    = 64
	keepAliveInterval = 25 * time.Second
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrStreamActive  = errors.New("an event stream is already open for this session")
)

type liveStream struct {
	events chan Event
}

// Transport is the server side of one MCP session over streamable HTTP.
type Transport struct {
	id           string
	server       *mcp.Server
	peer         *mcp.Peer
	events       *eventLog
	metrics      *Metrics
	jsonResponse bool
	log          zerolog.Logger

	mu      sync.Mutex
	live    *liveStream
	closed  bool
	onClose func(id string)
	done    chan struct{}
}

func newTransport(id string, opts *Options, metrics *Metrics) *Transport {
	return &Transport{
		id:           id,
		server:       opts.Server,
		peer:         mcp.NewPeer(),
		events:       newEventLog(opts.MaxEventsPerSession, metrics.EvictedEvents.Inc),
		metrics:      metrics,
		jsonResponse: opts.JSONResponse,
		log:          opts.Log.With().Str("session_id", id).Logger(),
		done:         make(chan struct{}),
	}
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Peer() *mcp.Peer {
	return t.peer
}

func (t *Transport) process(ctx context.Context, msgs []*mcp.Request) []*mcp.Response {
	return t.server.HandleBatch(ctx, t.peer, msgs)
}

// ServePost handles the messages of one POST body.
func (t *Transport) ServePost(w http.ResponseWriter, r *http.Request, msgs []*mcp.Request, batch bool) {
	t.respond(w, r, t.process(r.Context(), msgs), batch)
}

func (t *Transport) respond(w http.ResponseWriter, r *http.Request, responses []*mcp.Response, batch bool) {
	w.Header().Set(HeaderSessionID, t.id)
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if t.wantsStream(r) {
		t.streamResponses(w, responses)
		return
	}
	var body any = responses[0]
	if batch {
		body = responses
	}
	writeJSON(w, http.StatusOK, body)
}

func (t *Transport) wantsStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	sse := strings.Contains(accept, "text/event-stream")
	plain := strings.Contains(accept, "application/json") || strings.Contains(accept, "*/*") || accept == ""
	return sse && (!plain || !t.jsonResponse)
}

func (t *Transport) streamResponses(w http.ResponseWriter, responses []*mcp.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, responses)
		return
	}
	stream := "post-" + ulid.Make().String()
	startStream(w)
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			t.log.Error().Err(err).Msg("Failed to encode response")
			continue
		}
		if err = writeEvent(w, t.events.Append(stream, data)); err != nil {
			t.log.Debug().Err(err).Msg("Client went away while streaming responses")
			return
		}
		flusher.Flush()
	}
}

// ServeGet opens the session's standalone event stream. Events after the
// Last-Event-ID header are replayed first, then live events follow until
// the client disconnects or the session closes.
func (t *Transport) ServeGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, http.StatusInternalServerError, mcp.CodeInternalError, "Streaming unsupported")
		return
	}
	stream, err := t.openLive()
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			writeFault(w, http.StatusNotFound, mcp.CodeServerError, "Not Found: "+err.Error())
		} else {
			writeFault(w, http.StatusConflict, mcp.CodeServerError, "Conflict: "+err.Error())
		}
		return
	}
	defer t.closeLive(stream)

	w.Header().Set(HeaderSessionID, t.id)
	startStream(w)
	flusher.Flush()

	var lastSent string
	if lastID := r.Header.Get(HeaderLastEventID); lastID != "" {
		replayed, found := t.replay(w, lastID)
		if !found {
			t.log.Debug().Str("last_event_id", lastID).Msg("Unknown resume cursor, streaming live events only")
		}
		if replayed != "" {
			lastSent = replayed
		}
		flusher.Flush()
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case <-keepAlive.C:
			if _, err = fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-stream.events:
			// Live events may already have gone out with the replay.
			if lastSent != "" && evt.ID <= lastSent {
				continue
			}
			if err = writeEvent(w, evt); err != nil {
				return
			}
			lastSent = evt.ID
			flusher.Flush()
		}
	}
}

func (t *Transport) replay(w http.ResponseWriter, lastID string) (lastSent string, found bool) {
	stream, events, found := t.events.After(lastID)
	for _, evt := range events {
		if err := writeEvent(w, evt); err != nil {
			return lastSent, found
		}
		lastSent = evt.ID
		t.metrics.ReplayedEvents.Inc()
	}
	if found {
		t.log.Debug().Str("stream", stream).Int("count", len(events)).Msg("Replayed events")
	}
	return lastSent, found
}

func (t *Transport) openLive() (*liveStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrSessionClosed
	} else if t.live != nil {
		return nil, ErrStreamActive
	}
	t.live = &liveStream{events: make(chan Event, liveBufferSize)}
	return t.live, nil
}

func (t *Transport) closeLive(stream *liveStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live == stream {
		t.live = nil
	}
}

func (t *Transport) streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live != nil
}

// Notify records n in the standalone stream history and delivers it to the
// open event stream, if any. A stream that is not keeping up misses the
// event and can recover it by resuming.
func (t *Transport) Notify(n *mcp.Notification) error {
	if !t.peer.ShouldDeliver(n) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSessionClosed
	}
	evt := t.events.Append(StandaloneStream, data)
	if t.live != nil {
		select {
		case t.live.events <- evt:
		default:
			t.metrics.DroppedEvents.Inc()
		}
	}
	return nil
}

// Close ends the session. Open streams are terminated and the close
// callback runs once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrSessionClosed
	}
	t.closed = true
	close(t.done)
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose(t.id)
	}
	t.log.Debug().Msg("Session closed")
	return nil
}

func (t *Transport) setOnClose(fn func(id string)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func startStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, evt Event) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", evt.ID, evt.Data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFault(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, mcp.NewErrorResponse(nil, code, message))
}
