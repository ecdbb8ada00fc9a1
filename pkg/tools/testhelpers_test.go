// Copyright 2024-2026 Aiku AI

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/mcp"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

// stubClient serves canned data and records sends.
type stubClient struct {
	mu       sync.Mutex
	handlers []whatsapp.EventHandler
	contacts []*whatsapp.Contact
	chats    []*whatsapp.Chat
	messages map[string][]*whatsapp.Message
	media    map[string]*whatsapp.Media
	mediaErr map[string]error
	sendErr  error
	sent     []string
	limits   []int
}

var _ whatsapp.Client = (*stubClient)(nil)

func (c *stubClient) AddEventHandler(h whatsapp.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *stubClient) emit(evt any) {
	c.mu.Lock()
	handlers := append([]whatsapp.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *stubClient) Initialize(ctx context.Context) error { return nil }

func (c *stubClient) SendMessage(ctx context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, to+":"+body)
	return nil
}

func (c *stubClient) GetContacts(ctx context.Context) ([]*whatsapp.Contact, error) {
	return c.contacts, nil
}

func (c *stubClient) GetChats(ctx context.Context) ([]*whatsapp.Chat, error) {
	return c.chats, nil
}

func (c *stubClient) GetChatByID(ctx context.Context, id string) (*whatsapp.Chat, error) {
	for _, chat := range c.chats {
		if chat.ID == id {
			return chat, nil
		}
	}
	return nil, whatsapp.ErrChatNotFound
}

// FetchMessages ignores limit so the caller's trimming is exercised.
func (c *stubClient) FetchMessages(ctx context.Context, id string, limit int) ([]*whatsapp.Message, error) {
	c.mu.Lock()
	c.limits = append(c.limits, limit)
	c.mu.Unlock()
	return c.messages[id], nil
}

func (c *stubClient) DownloadMedia(ctx context.Context, msg *whatsapp.Message) (*whatsapp.Media, error) {
	if err := c.mediaErr[msg.ID]; err != nil {
		return nil, err
	}
	return c.media[msg.ID], nil
}

func (c *stubClient) Logout(ctx context.Context) error  { return nil }
func (c *stubClient) Destroy(ctx context.Context) error { return nil }

// fakeConn is a Connection with a fixed state.
type fakeConn struct {
	mu          sync.Mutex
	state       connection.State
	client      whatsapp.Client
	err         error
	disconnects int
	logouts     int
	reconnects  int
}

func (c *fakeConn) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) BridgeState() status.BridgeState {
	return status.BridgeState{StateEvent: status.StateConnected}
}

func (c *fakeConn) ReadyClient() (whatsapp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Ready || c.client == nil {
		return nil, connection.ErrNotReady
	}
	return c.client, nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.err
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.err
}

func (c *fakeConn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	return c.err
}

var readyState = connection.State{Connected: true, Ready: true, Authenticated: true, Phase: connection.PhaseReady}

func readyTools(client *stubClient) (*Tools, *fakeConn) {
	conn := &fakeConn{state: readyState, client: client}
	return New(conn, "http://localhost:3000", zerolog.Nop()), conn
}

var errBoom = errors.New("boom")

func mustText(t *testing.T, res *mcp.CallToolResult, err error) string {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	return res.Text()
}

// textOf adapts mustText so a tool call can be passed directly.
func textOf(t *testing.T) func(*mcp.CallToolResult, error) string {
	return func(res *mcp.CallToolResult, err error) string {
		t.Helper()
		return mustText(t, res, err)
	}
}

// decodeAs parses a successful JSON result into T.
func decodeAs[T any](t *testing.T) func(*mcp.CallToolResult, error) T {
	return func(res *mcp.CallToolResult, err error) T {
		t.Helper()
		var out T
		text := mustText(t, res, err)
		if res.IsError {
			t.Fatalf("unexpected error result: %s", text)
		}
		if jsonErr := json.Unmarshal([]byte(text), &out); jsonErr != nil {
			t.Fatalf("result is not JSON: %v\n%s", jsonErr, text)
		}
		return out
	}
}
