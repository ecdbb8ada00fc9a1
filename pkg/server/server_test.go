// Copyright 2024-2026 Aiku AI

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/mcp"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestRunStdio drives a whole stdio session until input ends.
func TestRunStdio(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.Transport = TransportStdio
	in := strings.Join([]string{
		initializeBody,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n") + "\n"
	out := &lockedBuffer{}
	s := New(cfg, zerolog.Nop(), Deps{Stdin: strings.NewReader(in), Stdout: out})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase := s.Connection().State().Phase; phase != connection.PhaseDestroyed {
		t.Errorf("phase after Run: got %s, want destroyed", phase)
	}

	var tools []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var msg struct {
			ID     int `json:"id"`
			Result struct {
				Tools []struct {
					Name string `json:"name"`
				} `json:"tools"`
			} `json:"result"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("invalid output line %q: %v", line, err)
		}
		if msg.ID == 2 {
			for _, tool := range msg.Result.Tools {
				tools = append(tools, tool.Name)
			}
		}
	}
	if len(tools) != 11 {
		t.Errorf("tools/list: got %v", tools)
	}
}

// TestRunInitializeFailure checks that a client that cannot start aborts
// Run.
func TestRunInitializeFailure(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")
	cfg := testConfig(t)
	cfg.Server.Transport = TransportStdio
	factory := func(ctx context.Context) (whatsapp.Client, error) {
		return nil, errBoom
	}
	s := New(cfg, zerolog.Nop(), Deps{Factory: factory, Stdin: strings.NewReader(""), Stdout: &lockedBuffer{}})
	if err := s.Run(context.Background()); !errors.Is(err, errBoom) {
		t.Errorf("Run: got %v, want %v", err, errBoom)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newHTTPServer(t, testConfig(t), Deps{})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestEventNotification(t *testing.T) {
	t.Parallel()
	n := eventNotification(connection.Event{
		Type: connection.EventQR,
		State: connection.State{
			PairingCode:  "2@abc",
			PairingImage: "data:image/png;base64,AQID",
			Phase:        connection.PhaseAwaitingPairing,
		},
	})
	if n.Method != "notifications/message" {
		t.Errorf("Method: got %q", n.Method)
	}
	params, ok := n.Params.(mcp.LoggingMessageParams)
	if !ok {
		t.Fatalf("Params: got %T", n.Params)
	}
	if params.Level != mcp.LevelInfo || params.Logger != "whatsapp" {
		t.Errorf("level and logger: got %q %q", params.Level, params.Logger)
	}
	data, err := json.Marshal(params.Data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, []byte("base64")) {
		t.Errorf("notification should not carry the pairing image: %s", data)
	}
	if !bytes.Contains(data, []byte(`"qrCode":"2@abc"`)) || !bytes.Contains(data, []byte(`"event":"qr"`)) {
		t.Errorf("notification data: got %s", data)
	}
}

func TestEventNotificationMessage(t *testing.T) {
	t.Parallel()
	n := eventNotification(connection.Event{
		Type: connection.EventMessage,
		Message: &whatsapp.Message{
			ID:   "m1",
			From: "120363000000000001@g.us",
			Body: strings.Repeat("x", 80),
		},
	})
	params := n.Params.(mcp.LoggingMessageParams)
	data := params.Data.(eventData)
	if data.Message == nil || !data.Message.IsGroup {
		t.Fatalf("message notice: got %+v", data.Message)
	}
	if got := len([]rune(data.Message.Body)); got > 53 {
		t.Errorf("body should be truncated, got %d runes", got)
	}
}

func TestEventLevel(t *testing.T) {
	t.Parallel()
	tests := map[connection.EventType]mcp.LoggingLevel{
		connection.EventAuthFailure:  mcp.LevelError,
		connection.EventAuthTimeout:  mcp.LevelWarning,
		connection.EventDisconnected: mcp.LevelWarning,
		connection.EventReady:        mcp.LevelInfo,
		connection.EventMessage:      mcp.LevelInfo,
	}
	for typ, want := range tests {
		if got := eventLevel(typ); got != want {
			t.Errorf("eventLevel(%s): got %q, want %q", typ, got, want)
		}
	}
}
