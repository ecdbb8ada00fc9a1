// Copyright 2024-2026 Aiku AI

package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

// fakeClient is a scriptable whatsapp.Client. Tests drive its lifecycle by
// calling emit.
type fakeClient struct {
	mu        sync.Mutex
	handlers  []whatsapp.EventHandler
	initErr   error
	logoutErr error
	// onLogout, when set, runs inside Logout before it returns.
	onLogout func()

	initCalls    atomic.Int32
	logoutCalls  atomic.Int32
	destroyCalls atomic.Int32
}

var _ whatsapp.Client = (*fakeClient)(nil)

func (c *fakeClient) AddEventHandler(h whatsapp.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *fakeClient) emit(evt any) {
	c.mu.Lock()
	handlers := append([]whatsapp.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.initCalls.Add(1)
	return c.initErr
}

func (c *fakeClient) SendMessage(ctx context.Context, to, body string) error { return nil }
func (c *fakeClient) GetContacts(ctx context.Context) ([]*whatsapp.Contact, error) {
	return nil, nil
}
func (c *fakeClient) GetChats(ctx context.Context) ([]*whatsapp.Chat, error) { return nil, nil }
func (c *fakeClient) GetChatByID(ctx context.Context, id string) (*whatsapp.Chat, error) {
	return nil, whatsapp.ErrChatNotFound
}
func (c *fakeClient) FetchMessages(ctx context.Context, id string, limit int) ([]*whatsapp.Message, error) {
	return nil, nil
}
func (c *fakeClient) DownloadMedia(ctx context.Context, msg *whatsapp.Message) (*whatsapp.Media, error) {
	return nil, nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.logoutCalls.Add(1)
	if c.onLogout != nil {
		c.onLogout()
	}
	return c.logoutErr
}

func (c *fakeClient) Destroy(ctx context.Context) error {
	c.destroyCalls.Add(1)
	return nil
}

// fakeFactory records every client it builds.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	// gate, when set, blocks construction until closed.
	gate    chan struct{}
	err     error
	initErr error
	calls   atomic.Int32
}

func (f *fakeFactory) build(ctx context.Context) (whatsapp.Client, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeClient{initErr: f.initErr}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

var errRender = errors.New("render failed")

func newTestManager(t *testing.T, f *fakeFactory) *Manager {
	t.Helper()
	m := NewManager(Options{
		Factory:        f.build,
		Renderer:       PairingRendererFunc(func(code string) (string, error) { return "data:image/png;base64," + code, nil }),
		ReconnectDelay: 20 * time.Millisecond,
		RetryBackoff:   20 * time.Millisecond,
		Log:            zerolog.Nop(),
	})
	t.Cleanup(func() { _ = m.Destroy(context.Background()) })
	return m
}

// readyManager returns a manager whose current client has reported ready.
func readyManager(t *testing.T, f *fakeFactory) (*Manager, *fakeClient) {
	t.Helper()
	m := newTestManager(t, f)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	c := f.last()
	c.emit(&whatsapp.Authenticated{})
	c.emit(&whatsapp.Ready{})
	if !m.State().Ready {
		t.Fatal("manager not ready after ready event")
	}
	return m, c
}

// checkInvariants asserts the structural rules every state snapshot obeys.
func checkInvariants(t *testing.T, s State) {
	t.Helper()
	if s.Ready && !s.Authenticated {
		t.Errorf("ready without authenticated: %+v", s)
	}
	if s.Ready && !s.Connected {
		t.Errorf("ready without connected: %+v", s)
	}
	if s.PairingCode != "" && s.Authenticated {
		t.Errorf("pairing code held while authenticated: %+v", s)
	}
	if s.PairingImage != "" && s.PairingCode == "" {
		t.Errorf("pairing image without code: %+v", s)
	}
}

// pendingReconnect reports whether a reconnect timer is armed.
func (m *Manager) pendingReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry != nil
}

// setDelays overrides the reconnect timings. Zero keeps the current value.
func (m *Manager) setDelays(reconnect, retry time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reconnect > 0 {
		m.reconnectDelay = reconnect
	}
	if retry > 0 {
		m.retryBackoff = retry
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
