// Copyright 2024-2026 Aiku AI

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.Server.Transport = TransportHTTP
	cfg.WhatsApp.Mock.ReadyDelay = 10 * time.Millisecond
	return cfg
}

// newHTTPServer builds an http mode server with an initialized client and
// serves its handler. Nothing listens on the configured port.
func newHTTPServer(t *testing.T, cfg *Config, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, zerolog.Nop(), deps)
	if err := s.Connection().Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Stop(context.Background())
	})
	return s, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}
