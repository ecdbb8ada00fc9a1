// Copyright 2024-2026 Aiku AI

package streamable

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-mcp/pkg/mcp"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`

func newTestServer() *mcp.Server {
	server := mcp.NewServer("whatsapp-mcp-test", "0.0.1", zerolog.Nop())
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echo text back",
		Fields:      []mcp.Field{{Name: "text", Type: mcp.TypeString, Required: true}},
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return mcp.TextResult(args.String("text")), nil
		},
	})
	return server
}

func newTestManager(t *testing.T, opts Options) (*Manager, *httptest.Server) {
	t.Helper()
	if opts.Server == nil {
		opts.Server = newTestServer()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	opts.Log = zerolog.Nop()
	m := NewManager(opts)
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		srv.Close()
	})
	return m, srv
}

func post(t *testing.T, url, session, body, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept == "" {
		accept = "application/json, text/event-stream"
	}
	req.Header.Set("Accept", accept)
	if session != "" {
		req.Header.Set(HeaderSessionID, session)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func initialize(t *testing.T, url string) string {
	t.Helper()
	resp := post(t, url, "", initializeBody, "")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize status = %d: %s", resp.StatusCode, body)
	}
	id := resp.Header.Get(HeaderSessionID)
	if id == "" {
		t.Fatal("initialize returned no session id")
	}
	return id
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *mcp.Error      `json:"error"`
}

func decodeReply(t *testing.T, resp *http.Response) rpcReply {
	t.Helper()
	var reply rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("invalid JSON-RPC body: %v", err)
	}
	return reply
}

// openStream starts a GET event stream. Cancel the returned context to
// disconnect.
func openStream(t *testing.T, url, session, lastEventID string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(HeaderSessionID, session)
	if lastEventID != "" {
		req.Header.Set(HeaderLastEventID, lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return resp, bufio.NewReader(resp.Body), cancel
}

type sseEvent struct {
	ID   string
	Data string
}

// readEvent reads the next event, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var evt sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if evt.Data != "" {
				return evt
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			evt.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = strings.TrimPrefix(line, "data: ")
		}
	}
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

func logNote(text string) *mcp.Notification {
	return mcp.NewLogNotification(mcp.LevelInfo, "whatsapp", text)
}
