// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package whatsapp

import (
	"context"
	"errors"
)

// ErrChatNotFound is returned by GetChatByID when the chat is unknown.
var ErrChatNotFound = errors.New("chat not found")

// EventHandler receives lifecycle and message events from a Client. It may be
// called from any goroutine.
type EventHandler func(evt any)

// Client is a single WhatsApp session.
type Client interface {
	// AddEventHandler registers a handler. It must be called before Initialize.
	AddEventHandler(handler EventHandler)
	// Initialize starts the session. Pairing and readiness are reported
	// later through events.
	Initialize(ctx context.Context) error

	SendMessage(ctx context.Context, to, body string) error
	GetContacts(ctx context.Context) ([]*Contact, error)
	GetChats(ctx context.Context) ([]*Chat, error)
	GetChatByID(ctx context.Context, chatID string) (*Chat, error)
	// FetchMessages returns up to limit of the most recent messages of a
	// chat, oldest first.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	DownloadMedia(ctx context.Context, msg *Message) (*Media, error)

	// Logout unlinks the device. The session stays open and is expected to
	// emit a fresh *QR afterwards.
	Logout(ctx context.Context) error
	// Destroy tears the session down. No events are delivered afterwards.
	Destroy(ctx context.Context) error
}

// Factory builds a fresh, uninitialized Client.
type Factory func(ctx context.Context) (Client, error)
