// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tools implements the WhatsApp operations exposed to MCP clients.
//
// Every operation returns an MCP content result. Failed preconditions and
// client library faults are reported as error results with the cause in
// the text, so the protocol layer only sees errors for malformed input.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/mcp"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

const (
	ConfirmDisconnect   = "YES_DISCONNECT_WHATSAPP"
	ConfirmLogout       = "YES_LOGOUT_WHATSAPP"
	DefaultHistoryLimit = 50
)

// Connection is the part of the connection manager the tools depend on.
type Connection interface {
	State() connection.State
	BridgeState() status.BridgeState
	ReadyClient() (whatsapp.Client, error)
	Disconnect(ctx context.Context) error
	Logout(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Tools runs WhatsApp operations against a managed connection.
type Tools struct {
	conn      Connection
	log       zerolog.Logger
	publicURL string
}

// New creates the tool set. publicURL is the base URL of the auxiliary
// HTTP endpoints, used in pairing guidance. It may be empty.
func New(conn Connection, publicURL string, log zerolog.Logger) *Tools {
	return &Tools{
		conn:      conn,
		log:       log.With().Str("component", "wa_tools").Logger(),
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

func (t *Tools) failure(action string, err error) *mcp.CallToolResult {
	t.log.Error().Err(err).Str("action", action).Msg("WhatsApp tool failed")
	return mcp.ErrorResult(fmt.Sprintf("Failed to %s: %v", action, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.TextResult(string(data)), nil
}

func (t *Tools) SendMessage(ctx context.Context, to, body string) (*mcp.CallToolResult, error) {
	client, err := t.conn.ReadyClient()
	if err != nil {
		return t.failure("send message", err), nil
	}
	if err = client.SendMessage(ctx, whatsapp.NormalizeID(to), body); err != nil {
		return t.failure("send message", err), nil
	}
	t.log.Info().Str("to", to).Msg("Message sent")
	return mcp.TextResult("Message sent successfully to " + to), nil
}

func (t *Tools) GetContacts(ctx context.Context) (*mcp.CallToolResult, error) {
	client, err := t.conn.ReadyClient()
	if err != nil {
		return t.failure("get contacts", err), nil
	}
	contacts, err := client.GetContacts(ctx)
	if err != nil {
		return t.failure("get contacts", err), nil
	}
	if contacts == nil {
		contacts = []*whatsapp.Contact{}
	}
	return jsonResult(contacts)
}

func (t *Tools) GetChats(ctx context.Context) (*mcp.CallToolResult, error) {
	client, err := t.conn.ReadyClient()
	if err != nil {
		return t.failure("get chats", err), nil
	}
	chats, err := client.GetChats(ctx)
	if err != nil {
		return t.failure("get chats", err), nil
	}
	return jsonResult(toChatSummaries(chats))
}

func (t *Tools) SearchChats(ctx context.Context, query string) (*mcp.CallToolResult, error) {
	client, err := t.conn.ReadyClient()
	if err != nil {
		return t.failure("search chats", err), nil
	}
	chats, err := client.GetChats(ctx)
	if err != nil {
		return t.failure("search chats", err), nil
	}
	needle := strings.ToLower(query)
	matches := make([]*whatsapp.Chat, 0, len(chats))
	for _, chat := range chats {
		if strings.Contains(strings.ToLower(chat.Name), needle) || strings.Contains(strings.ToLower(chat.ID), needle) {
			matches = append(matches, chat)
		}
	}
	summaries := toChatSummaries(matches)
	return jsonResult(searchResult{Query: query, ResultCount: len(summaries), Chats: summaries})
}

func (t *Tools) GetChatHistory(ctx context.Context, chatID string, limit int, includeMedia bool) (*mcp.CallToolResult, error) {
	client, err := t.conn.ReadyClient()
	if err != nil {
		return t.failure("get chat history", err), nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	chat, err := client.GetChatByID(ctx, chatID)
	if err != nil {
		return t.failure("get chat history", err), nil
	}
	msgs, err := client.FetchMessages(ctx, chat.ID, limit)
	if err != nil {
		return t.failure("get chat history", err), nil
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	entries := make([]historyMessage, 0, len(msgs))
	for _, msg := range msgs {
		entry := newHistoryMessage(msg)
		if includeMedia && msg.HasMedia {
			t.attachMedia(ctx, client, msg, &entry)
		}
		entries = append(entries, entry)
	}
	return jsonResult(historyResult{
		ChatID:       chatID,
		MessageCount: len(entries),
		IncludeMedia: includeMedia,
		Messages:     entries,
	})
}

func (t *Tools) attachMedia(ctx context.Context, client whatsapp.Client, msg *whatsapp.Message, entry *historyMessage) {
	media, err := client.DownloadMedia(ctx, msg)
	if err != nil {
		t.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to download media")
		return
	} else if media == nil {
		return
	}
	entry.MediaURL = media.DataURL()
	entry.MediaData = &mediaInfo{
		MimeType: media.MimeType,
		Filename: media.Filename,
		Size:     len(media.Data),
	}
}

func (t *Tools) GetConnectionStatus(ctx context.Context) (*mcp.CallToolResult, error) {
	return jsonResult(connectionStatus{
		State:  t.conn.State(),
		Bridge: t.conn.BridgeState(),
	})
}

func (t *Tools) GetAuthStatus(ctx context.Context) (*mcp.CallToolResult, error) {
	return jsonResult(NewAuthStatus(t.conn.State()))
}

func (t *Tools) GetQRCode(ctx context.Context) (*mcp.CallToolResult, error) {
	state := t.conn.State()
	switch {
	case state.Authenticated:
		return mcp.TextResult("WhatsApp is already authenticated. No QR code needed."), nil
	case state.PairingImage != "":
		var b strings.Builder
		b.WriteString("QR Code for WhatsApp Authentication:\n\n")
		b.WriteString(state.PairingImage)
		if t.publicURL != "" {
			fmt.Fprintf(&b, "\n\nYou can also access it at:\n- JSON: %s/qr\n- Image: %s/qr.png\n- Page: %s/qr.html", t.publicURL, t.publicURL, t.publicURL)
		}
		b.WriteString("\n\nScan this QR code with your WhatsApp mobile app to authenticate.")
		return mcp.TextResult(b.String()), nil
	case state.PairingCode != "":
		return mcp.TextResult("QR code image could not be rendered. Raw pairing code:\n\n" + state.PairingCode +
			"\n\nRender it with any QR code generator and scan it with your WhatsApp mobile app."), nil
	default:
		text := "QR code not yet generated. Please wait for WhatsApp to initialize."
		if t.publicURL != "" {
			text += "\n\nYou can also check: " + t.publicURL + "/qr"
		}
		return mcp.TextResult(text), nil
	}
}

func (t *Tools) DisconnectWhatsApp(ctx context.Context, confirmation string) (*mcp.CallToolResult, error) {
	if confirmation != ConfirmDisconnect {
		return mcp.TextResult(disconnectGuidance), nil
	}
	state := t.conn.State()
	if !state.Connected && !state.Ready {
		return mcp.TextResult("WhatsApp is not connected. Nothing to disconnect."), nil
	}
	t.log.Info().Msg("User confirmed WhatsApp disconnection")
	if err := t.conn.Disconnect(ctx); err != nil {
		res := t.failure("disconnect WhatsApp", err)
		res.Content[0].Text += "\n\nThe connection may still be active. Check status with get_auth_status."
		return res, nil
	}
	return mcp.TextResult(disconnectDone), nil
}

func (t *Tools) LogoutWhatsApp(ctx context.Context, confirmation string) (*mcp.CallToolResult, error) {
	if confirmation != ConfirmLogout {
		return mcp.TextResult(logoutGuidance), nil
	}
	if !t.conn.State().Authenticated {
		return mcp.TextResult("WhatsApp is not authenticated. Nothing to logout from."), nil
	}
	t.log.Info().Msg("User confirmed WhatsApp logout")
	if err := t.conn.Logout(ctx); err != nil {
		return t.failure("logout from WhatsApp", err), nil
	}
	return mcp.TextResult(logoutDone), nil
}

func (t *Tools) ReconnectWhatsApp(ctx context.Context) (*mcp.CallToolResult, error) {
	state := t.conn.State()
	switch {
	case state.Ready && state.Authenticated:
		return mcp.TextResult("WhatsApp is already connected and authenticated. No reconnection needed."), nil
	case state.Connected:
		return mcp.TextResult("WhatsApp is connected but not authenticated.\n\nUse get_qr_code to get a QR code for authentication instead of reconnecting."), nil
	}
	t.log.Info().Msg("User initiated manual WhatsApp reconnection")
	if err := t.conn.Reconnect(ctx); err != nil {
		res := t.failure("reconnect WhatsApp", err)
		if !errors.Is(err, connection.ErrAlreadyDestroyed) {
			res.Content[0].Text += "\n\nA retry has been scheduled. Check get_auth_status in a few seconds."
		}
		return res, nil
	}
	return mcp.TextResult(reconnectStarted), nil
}
