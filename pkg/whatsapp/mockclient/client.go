// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mockclient is a simulated WhatsApp session. It runs the same
// pairing lifecycle as a real client (rotating QR codes, authentication,
// readiness, logout) over a small seeded address book, so the bridge can be
// exercised without a phone.
package mockclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/random"

	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

var (
	ErrDestroyed          = errors.New("client destroyed")
	ErrNotInitialized     = errors.New("client not initialized")
	ErrAlreadyInitialized = errors.New("client already initialized")
	ErrNotLinked          = errors.New("no device linked")
)

const (
	defaultQRRefresh  = 20 * time.Second
	defaultReadyDelay = 500 * time.Millisecond
	defaultEchoDelay  = time.Second
	selfID            = "15550109999@c.us"
)

// Options configures a simulated client.
type Options struct {
	SessionName string
	// Store is shared between the clients built by one factory. A nil store
	// gives every client its own.
	Store *DeviceStore
	// PairAfter links the device automatically after the first QR code.
	// Zero waits for Pair.
	PairAfter  time.Duration
	QRRefresh  time.Duration
	ReadyDelay time.Duration
	// EchoReplies makes every sent message come back as an incoming reply.
	EchoReplies bool
	EchoDelay   time.Duration
	Log         zerolog.Logger
}

// Client implements whatsapp.Client.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	handlers    []whatsapp.EventHandler
	initialized bool
	destroyed   bool
	chats       map[string]*chatData
	contacts    []*whatsapp.Contact
	msgCounter  int

	pairReq  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ whatsapp.Client = (*Client)(nil)

// New builds a simulated client with a freshly seeded address book.
func New(opts Options) *Client {
	if opts.SessionName == "" {
		opts.SessionName = "default"
	}
	if opts.Store == nil {
		opts.Store = NewDeviceStore()
	}
	if opts.QRRefresh <= 0 {
		opts.QRRefresh = defaultQRRefresh
	}
	if opts.ReadyDelay < 0 {
		opts.ReadyDelay = 0
	} else if opts.ReadyDelay == 0 {
		opts.ReadyDelay = defaultReadyDelay
	}
	if opts.EchoDelay <= 0 {
		opts.EchoDelay = defaultEchoDelay
	}
	c := &Client{
		opts:    opts,
		log:     opts.Log.With().Str("component", "wa_mock").Str("session", opts.SessionName).Logger(),
		chats:   make(map[string]*chatData),
		pairReq: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	c.seed(time.Now())
	return c
}

// NewFactory returns a factory whose clients share one device store.
func NewFactory(opts Options) whatsapp.Factory {
	if opts.Store == nil {
		opts.Store = NewDeviceStore()
	}
	return func(ctx context.Context) (whatsapp.Client, error) {
		return New(opts), nil
	}
}

func (c *Client) seed(now time.Time) {
	for _, contact := range seedContacts {
		cp := *contact
		c.contacts = append(c.contacts, &cp)
	}
	for _, sc := range seedChats {
		data := &chatData{chat: whatsapp.Chat{
			ID:          sc.id,
			Name:        sc.name,
			IsGroup:     whatsapp.IsGroupID(sc.id),
			UnreadCount: sc.unread,
		}}
		for _, sm := range sc.messages {
			msg := c.newMessageLocked(sc.id, sm.fromMe, sm.body, now.Add(-sm.ago))
			msg.Author = sm.author
			if sm.media {
				msg.HasMedia = true
				msg.Type = "image"
			}
			data.messages = append(data.messages, msg)
		}
		data.chat.LastMessage = data.messages[len(data.messages)-1]
		c.chats[sc.id] = data
	}
}

func (c *Client) newMessageLocked(chatID string, fromMe bool, body string, ts time.Time) *whatsapp.Message {
	c.msgCounter++
	msg := &whatsapp.Message{
		ID:        fmt.Sprintf("%t_%s_%08X", fromMe, chatID, c.msgCounter),
		Body:      body,
		Timestamp: ts.Unix(),
		FromMe:    fromMe,
		Type:      "chat",
	}
	if fromMe {
		msg.From, msg.To = selfID, chatID
	} else {
		msg.From, msg.To = chatID, selfID
	}
	return msg
}

func (c *Client) AddEventHandler(handler whatsapp.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) emit(evt any) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	handlers := make([]whatsapp.EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(evt)
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return ErrDestroyed
	case c.initialized:
		return ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.initialized = true
	c.startPairingLocked()
	c.log.Debug().Msg("Simulated client initialized")
	return nil
}

func (c *Client) startPairingLocked() {
	c.wg.Add(1)
	go c.pairingLoop()
}

func (c *Client) pairingLoop() {
	defer c.wg.Done()
	if c.opts.Store.Linked(c.opts.SessionName) {
		c.becomeReady()
		return
	}

	refresh := time.NewTicker(c.opts.QRRefresh)
	defer refresh.Stop()
	var autoPair <-chan time.Time
	if c.opts.PairAfter > 0 {
		timer := time.NewTimer(c.opts.PairAfter)
		defer timer.Stop()
		autoPair = timer.C
	}

	c.emitQR()
	for {
		select {
		case <-c.stop:
			return
		case <-refresh.C:
			c.emitQR()
		case <-autoPair:
			c.link()
			return
		case <-c.pairReq:
			c.link()
			return
		}
	}
}

func (c *Client) emitQR() {
	code := fmt.Sprintf("2@%s,%s,%s", random.String(48), random.String(44), random.String(24))
	c.log.Debug().Msg("Emitting new pairing code")
	c.emit(&whatsapp.QR{Code: code})
}

func (c *Client) link() {
	c.opts.Store.SetLinked(c.opts.SessionName, true)
	c.becomeReady()
}

func (c *Client) becomeReady() {
	c.emit(&whatsapp.Authenticated{})
	select {
	case <-time.After(c.opts.ReadyDelay):
	case <-c.stop:
		return
	}
	c.emit(&whatsapp.Ready{})
}

// Pair simulates scanning the current QR code with a phone.
func (c *Client) Pair() {
	select {
	case c.pairReq <- struct{}{}:
	default:
	}
}

// Drop simulates the network dropping the session.
func (c *Client) Drop(reason string) {
	c.emit(&whatsapp.Disconnected{Reason: reason})
}

// Receive injects an incoming message into a chat.
func (c *Client) Receive(chatID, body string) *whatsapp.Message {
	c.mu.Lock()
	data, ok := c.chats[chatID]
	if !ok {
		data = &chatData{chat: whatsapp.Chat{ID: chatID, Name: chatID, IsGroup: whatsapp.IsGroupID(chatID)}}
		c.chats[chatID] = data
	}
	msg := c.newMessageLocked(chatID, false, body, time.Now())
	data.messages = append(data.messages, msg)
	data.chat.LastMessage = msg
	data.chat.UnreadCount++
	c.mu.Unlock()
	c.emit(&whatsapp.IncomingMessage{Message: msg})
	return msg
}

func (c *Client) checkInitialized() error {
	switch {
	case c.destroyed:
		return ErrDestroyed
	case !c.initialized:
		return ErrNotInitialized
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	c.mu.Lock()
	if err := c.checkInitialized(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !strings.Contains(to, "@") {
		c.mu.Unlock()
		return fmt.Errorf("invalid chat id %q", to)
	}
	data, ok := c.chats[to]
	if !ok {
		data = &chatData{chat: whatsapp.Chat{ID: to, Name: to, IsGroup: whatsapp.IsGroupID(to)}}
		c.chats[to] = data
	}
	msg := c.newMessageLocked(to, true, body, time.Now())
	data.messages = append(data.messages, msg)
	data.chat.LastMessage = msg
	if c.opts.EchoReplies {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if c.opts.EchoReplies {
		go func() {
			defer c.wg.Done()
			select {
			case <-time.After(c.opts.EchoDelay):
				c.Receive(to, "Echo: "+body)
			case <-c.stop:
			}
		}()
	}
	return nil
}

func (c *Client) GetContacts(ctx context.Context) ([]*whatsapp.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitialized(); err != nil {
		return nil, err
	}
	out := make([]*whatsapp.Contact, 0, len(c.contacts))
	for _, contact := range c.contacts {
		cp := *contact
		out = append(out, &cp)
	}
	return out, nil
}

func (c *Client) GetChats(ctx context.Context) ([]*whatsapp.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitialized(); err != nil {
		return nil, err
	}
	out := make([]*whatsapp.Chat, 0, len(c.chats))
	for _, data := range c.chats {
		out = append(out, c.chatCopy(data))
	}
	// Most recently active first, like the phone's chat list.
	sort.Slice(out, func(i, j int) bool {
		return lastTimestamp(out[i]) > lastTimestamp(out[j])
	})
	return out, nil
}

func lastTimestamp(chat *whatsapp.Chat) int64 {
	if chat.LastMessage == nil {
		return 0
	}
	return chat.LastMessage.Timestamp
}

func (c *Client) chatCopy(data *chatData) *whatsapp.Chat {
	chat := data.chat
	if chat.LastMessage != nil {
		last := *chat.LastMessage
		chat.LastMessage = &last
	}
	return &chat
}

func (c *Client) GetChatByID(ctx context.Context, chatID string) (*whatsapp.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitialized(); err != nil {
		return nil, err
	}
	data, ok := c.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", whatsapp.ErrChatNotFound, chatID)
	}
	return c.chatCopy(data), nil
}

func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]*whatsapp.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitialized(); err != nil {
		return nil, err
	}
	data, ok := c.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", whatsapp.ErrChatNotFound, chatID)
	}
	msgs := data.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*whatsapp.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg *whatsapp.Message) (*whatsapp.Media, error) {
	c.mu.Lock()
	err := c.checkInitialized()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !msg.HasMedia {
		return nil, nil
	}
	png, err := qrcode.Encode("whatsapp-mcp:"+msg.ID, qrcode.Low, 128)
	if err != nil {
		return nil, fmt.Errorf("failed to render media: %w", err)
	}
	return &whatsapp.Media{
		MimeType: "image/png",
		Filename: msg.ID + ".png",
		Data:     png,
	}, nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitialized(); err != nil {
		return err
	}
	if !c.opts.Store.Linked(c.opts.SessionName) {
		return ErrNotLinked
	}
	c.opts.Store.SetLinked(c.opts.SessionName, false)
	c.log.Info().Msg("Simulated device unlinked")
	c.startPairingLocked()
	return nil
}

func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop simulated client: %w", ctx.Err())
	}
}
