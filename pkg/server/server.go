// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package server wires the WhatsApp connection, the MCP tools and the
// configured transport into a runnable process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/mcp"
	"github.com/aiku/whatsapp-mcp/pkg/mcp/streamable"
	"github.com/aiku/whatsapp-mcp/pkg/tools"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp/mockclient"
)

const instructions = `Tools for a linked WhatsApp account. If get_auth_status reports the
account is not authenticated, fetch a QR code with get_qr_code and ask the
user to scan it with the WhatsApp mobile app before using the messaging
tools.`

const shutdownTimeout = 10 * time.Second

// Deps overrides what New would otherwise build from the config.
type Deps struct {
	Factory whatsapp.Factory
	Stdin   io.Reader
	Stdout  io.Writer
}

// Server is one WhatsApp MCP server process.
type Server struct {
	cfg *Config
	log zerolog.Logger

	registry *prometheus.Registry
	metrics  *metrics
	conn     *connection.Manager
	mcp      *mcp.Server
	tools    *tools.Tools

	stdio      *mcp.StdioTransport
	sessions   *streamable.Manager
	httpServer *http.Server
	mock       atomic.Pointer[mockclient.Client]

	stopOnce sync.Once
	stopErr  error
}

func New(cfg *Config, log zerolog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		registry: prometheus.NewRegistry(),
	}
	s.metrics = newMetrics(s.registry)

	factory := deps.Factory
	if factory == nil {
		factory = s.driverFactory(log)
	}
	s.conn = connection.NewManager(connection.Options{
		Factory:        factory,
		ReconnectDelay: cfg.WhatsApp.ReconnectDelay,
		RetryBackoff:   cfg.WhatsApp.RetryBackoff,
		AuthTimeout:    cfg.WhatsApp.AuthTimeout,
		Log:            log,
	})
	s.conn.AddListener(s.onConnectionEvent)

	s.mcp = mcp.NewServer(cfg.Server.Name, cfg.Server.Version, log)
	s.mcp.SetInstructions(instructions)
	s.mcp.SetCallObserver(s.metrics.observeCall)

	switch cfg.Server.Transport {
	case TransportHTTP:
		s.tools = tools.New(s.conn, cfg.Server.BaseURL(), log)
		s.sessions = streamable.NewManager(streamable.Options{
			Server:              s.mcp,
			MaxEventsPerSession: cfg.Streamable.MaxEventsPerSession,
			JSONResponse:        cfg.Streamable.JSONResponse,
			Metrics:             streamable.NewMetrics(s.registry),
			Log:                 log,
		})
		s.httpServer = &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// Event streams stay open, so responses have no write timeout.
			IdleTimeout: 60 * time.Second,
		}
	default:
		s.tools = tools.New(s.conn, "", log)
		in, out := deps.Stdin, deps.Stdout
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		s.stdio = mcp.NewStdioTransport(s.mcp, in, out, log)
	}
	s.tools.Register(s.mcp)
	return s
}

func (s *Server) driverFactory(log zerolog.Logger) whatsapp.Factory {
	mock := s.cfg.WhatsApp.Mock
	base := mockclient.NewFactory(mockclient.Options{
		SessionName: s.cfg.WhatsApp.SessionName,
		PairAfter:   mock.PairAfter,
		QRRefresh:   mock.QRRefresh,
		ReadyDelay:  mock.ReadyDelay,
		EchoReplies: mock.EchoReplies,
		Log:         log,
	})
	return func(ctx context.Context) (whatsapp.Client, error) {
		client, err := base(ctx)
		if mc, ok := client.(*mockclient.Client); ok {
			s.mock.Store(mc)
		}
		return client, err
	}
}

// Connection returns the WhatsApp connection manager.
func (s *Server) Connection() *connection.Manager {
	return s.conn
}

// Run initializes WhatsApp and serves the configured transport until ctx
// is cancelled or the transport ends, then stops the server.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().
		Str("transport", s.cfg.Server.Transport).
		Str("name", s.cfg.Server.Name).
		Str("version", s.cfg.Server.Version).
		Msg("Starting WhatsApp MCP server")
	if err := s.conn.Initialize(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to initialize WhatsApp: %w", err), s.stop())
	}

	var err error
	if s.httpServer != nil {
		err = s.runHTTP(ctx)
	} else {
		s.log.Info().Msg("MCP server connected via stdio transport")
		err = s.stdio.Run(ctx)
	}
	return errors.Join(err, s.stop())
}

func (s *Server) runHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msgf("MCP server listening on %s/mcp", s.cfg.Server.BaseURL())

	select {
	case <-ctx.Done():
		return nil
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	}
}

func (s *Server) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(ctx)
}

// Stop closes every session, shuts the listener down and destroys the
// WhatsApp client. Only the first call does anything.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("Stopping WhatsApp MCP server")
		var errs []error
		if s.sessions != nil {
			if err := s.sessions.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
			}
		}
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
			}
		}
		if err := s.conn.Destroy(ctx); err != nil && !errors.Is(err, connection.ErrAlreadyDestroyed) {
			errs = append(errs, fmt.Errorf("failed to destroy WhatsApp client: %w", err))
		}
		s.stopErr = errors.Join(errs...)
		if s.stopErr != nil {
			s.log.Err(s.stopErr).Msg("WhatsApp MCP server stopped with errors")
		} else {
			s.log.Info().Msg("WhatsApp MCP server stopped")
		}
	})
	return s.stopErr
}
