// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineSize = 4 * 1024 * 1024

// StdioTransport serves one client over newline-delimited JSON. Requests
// are handled concurrently, so a slow tool call does not hold up the rest.
type StdioTransport struct {
	server *Server
	peer   *Peer
	log    zerolog.Logger
	in     io.Reader

	writeLock sync.Mutex
	encoder   *json.Encoder
	inFlight  sync.WaitGroup
}

func NewStdioTransport(server *Server, in io.Reader, out io.Writer, log zerolog.Logger) *StdioTransport {
	return &StdioTransport{
		server:  server,
		peer:    NewPeer(),
		log:     log.With().Str("component", "mcp_stdio").Logger(),
		in:      in,
		encoder: json.NewEncoder(out),
	}
}

// Peer returns the protocol state of the stdio client.
func (t *StdioTransport) Peer() *Peer {
	return t.peer
}

// Run reads messages until input ends or ctx is cancelled, then waits for
// in-flight requests to finish.
func (t *StdioTransport) Run(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	defer t.inFlight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("failed to read from stdin: %w", err)
			}
			t.log.Debug().Msg("Input closed")
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	msgs, batch, err := DecodeMessages(line)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeParseError, Message: err.Error()}
		}
		t.write(NewErrorResponse(nil, rpcErr.Code, rpcErr.Message))
		return
	}
	respond := func() {
		responses := t.server.HandleBatch(ctx, t.peer, msgs)
		switch {
		case len(responses) == 0:
		case batch:
			t.write(responses)
		default:
			t.write(responses[0])
		}
	}
	// The handshake completes before the next line is read.
	if containsInitialize(msgs) {
		respond()
		return
	}
	t.inFlight.Add(1)
	go func() {
		defer t.inFlight.Done()
		respond()
	}()
}

func containsInitialize(msgs []*Request) bool {
	for _, msg := range msgs {
		if msg.Method == "initialize" {
			return true
		}
	}
	return false
}

func (t *StdioTransport) write(v any) {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.encoder.Encode(v); err != nil {
		t.log.Error().Err(err).Msg("Failed to write to stdout")
	}
}

// Notify sends a notification if the client has initialized and accepts it.
func (t *StdioTransport) Notify(n *Notification) error {
	if !t.peer.ShouldDeliver(n) {
		return nil
	}
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.encoder.Encode(n); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}
