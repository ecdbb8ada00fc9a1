// Copyright 2024-2026 Aiku AI

package mockclient

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

// eventRecorder collects events delivered to a handler.
type eventRecorder struct {
	ch chan any
}

func newRecorder(c *Client) *eventRecorder {
	r := &eventRecorder{ch: make(chan any, 32)}
	c.AddEventHandler(func(evt any) { r.ch <- evt })
	return r
}

func (r *eventRecorder) next(t *testing.T) any {
	t.Helper()
	select {
	case evt := <-r.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func testOptions(store *DeviceStore) Options {
	return Options{
		SessionName: "test",
		Store:       store,
		ReadyDelay:  -1,
		QRRefresh:   time.Hour,
	}
}

// TestPairingLifecycle verifies QR, then authenticated and ready after Pair.
func TestPairingLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(testOptions(nil))
	rec := newRecorder(c)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy(ctx)

	qr, ok := rec.next(t).(*whatsapp.QR)
	if !ok || !strings.HasPrefix(qr.Code, "2@") {
		t.Fatalf("first event = %#v, want QR", qr)
	}
	c.Pair()
	if _, ok := rec.next(t).(*whatsapp.Authenticated); !ok {
		t.Fatal("expected Authenticated after Pair")
	}
	if _, ok := rec.next(t).(*whatsapp.Ready); !ok {
		t.Fatal("expected Ready after Authenticated")
	}
}

// TestSharedStoreSkipsPairing verifies a second client on the same store
// restores the linked device without a QR code.
func TestSharedStoreSkipsPairing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewDeviceStore()
	store.SetLinked("test", true)

	factory := NewFactory(testOptions(store))
	client, err := factory(ctx)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	c := client.(*Client)
	rec := newRecorder(c)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy(ctx)

	if _, ok := rec.next(t).(*whatsapp.Authenticated); !ok {
		t.Fatal("expected Authenticated for a linked session")
	}
	if _, ok := rec.next(t).(*whatsapp.Ready); !ok {
		t.Fatal("expected Ready for a linked session")
	}
}

// TestLogoutEmitsFreshQR verifies logout unlinks and restarts pairing.
func TestLogoutEmitsFreshQR(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewDeviceStore()
	store.SetLinked("test", true)
	c := New(testOptions(store))
	rec := newRecorder(c)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy(ctx)
	rec.next(t)
	rec.next(t)

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if store.Linked("test") {
		t.Error("store still linked after logout")
	}
	if _, ok := rec.next(t).(*whatsapp.QR); !ok {
		t.Fatal("expected QR after logout")
	}
	if err := c.Logout(ctx); !errors.Is(err, ErrNotLinked) {
		t.Errorf("second Logout = %v, want ErrNotLinked", err)
	}
}

// TestQueriesRequireInitialize verifies data access before Initialize fails.
func TestQueriesRequireInitialize(t *testing.T) {
	t.Parallel()
	c := New(testOptions(nil))
	if _, err := c.GetChats(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetChats = %v, want ErrNotInitialized", err)
	}
	if err := c.SendMessage(context.Background(), "1@c.us", "hi"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SendMessage = %v, want ErrNotInitialized", err)
	}
}

// TestFetchMessagesLimit verifies the most recent messages are returned
// oldest first.
func TestFetchMessagesLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(testOptions(nil))
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy(ctx)

	msgs, err := c.FetchMessages(ctx, "15550100001@c.us", 2)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Body != "See you there!" {
		t.Errorf("last message = %q, want the newest one", msgs[1].Body)
	}
	if msgs[0].Timestamp > msgs[1].Timestamp {
		t.Error("messages not in chronological order")
	}

	if _, err := c.FetchMessages(ctx, "nobody@c.us", 2); !errors.Is(err, whatsapp.ErrChatNotFound) {
		t.Errorf("unknown chat error = %v, want ErrChatNotFound", err)
	}
}

// TestSendMessageAppendsAndEchoes verifies sent messages land in the chat and
// come back as incoming replies when echo is enabled.
func TestSendMessageAppendsAndEchoes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions(nil)
	opts.EchoReplies = true
	opts.EchoDelay = time.Millisecond
	c := New(opts)
	rec := newRecorder(c)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy(ctx)
	rec.next(t) // QR

	if err := c.SendMessage(ctx, "15550100002@c.us", "ping"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	in, ok := rec.next(t).(*whatsapp.IncomingMessage)
	if !ok || in.Message.Body != "Echo: ping" {
		t.Fatalf("event = %#v, want echo", in)
	}
	chat, err := c.GetChatByID(ctx, "15550100002@c.us")
	if err != nil {
		t.Fatalf("GetChatByID: %v", err)
	}
	if chat.LastMessage == nil || chat.LastMessage.Body != "Echo: ping" {
		t.Errorf("last message = %#v", chat.LastMessage)
	}
	if err := c.SendMessage(ctx, "not-an-id", "x"); err == nil {
		t.Error("expected error for malformed chat id")
	}
}

// TestDownloadMedia verifies media messages yield a PNG and text messages none.
func TestDownloadMedia(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(testOptions(nil))
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy(ctx)

	msgs, err := c.FetchMessages(ctx, "15550100001@c.us", 0)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	var withMedia, without *whatsapp.Message
	for _, msg := range msgs {
		if msg.HasMedia {
			withMedia = msg
		} else {
			without = msg
		}
	}
	media, err := c.DownloadMedia(ctx, withMedia)
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	if media.MimeType != "image/png" || !bytes.HasPrefix(media.Data, []byte("\x89PNG")) {
		t.Errorf("unexpected media %q (%d bytes)", media.MimeType, len(media.Data))
	}
	if !strings.HasPrefix(media.DataURL(), "data:image/png;base64,") {
		t.Errorf("DataURL = %.40s", media.DataURL())
	}
	none, err := c.DownloadMedia(ctx, without)
	if err != nil || none != nil {
		t.Errorf("text message media = %v, %v; want nil, nil", none, err)
	}
}

// TestDestroyStopsEvents verifies Destroy is idempotent and silences the client.
func TestDestroyStopsEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(testOptions(nil))
	rec := newRecorder(c)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	rec.next(t)

	if err := c.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := c.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	c.Drop("late")
	select {
	case evt := <-rec.ch:
		t.Fatalf("event after destroy: %#v", evt)
	case <-time.After(20 * time.Millisecond):
	}
	if err := c.Initialize(ctx); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Initialize after destroy = %v, want ErrDestroyed", err)
	}
}
