// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"encoding/base64"
	"strings"
	"time"
)

const (
	userServer  = "@c.us"
	groupServer = "@g.us"
)

// Contact is an entry of the address book.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PushName    string `json:"pushname"`
	IsGroup     bool   `json:"isGroup"`
	IsMyContact bool   `json:"isMyContact"`
}

// Chat is a one-to-one or group conversation.
type Chat struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IsGroup     bool     `json:"isGroup"`
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"-"`
}

// Message is a single chat message. Timestamp is in unix seconds.
type Message struct {
	ID           string   `json:"id"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Body         string   `json:"body"`
	Timestamp    int64    `json:"timestamp"`
	FromMe       bool     `json:"fromMe"`
	HasMedia     bool     `json:"hasMedia"`
	Type         string   `json:"type"`
	Author       string   `json:"author,omitempty"`
	IsForwarded  bool     `json:"isForwarded"`
	MentionedIDs []string `json:"mentionedIds,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.Unix(m.Timestamp, 0)
}

// Media is a downloaded attachment.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
}

// DataURL encodes the attachment as a data: URL.
func (m *Media) DataURL() string {
	return "data:" + m.MimeType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// IsGroupID reports whether id addresses a group chat.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, groupServer)
}

// NormalizeID turns a bare phone number into a user chat id. Ids that
// already carry a server suffix are returned unchanged.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	return strings.TrimPrefix(id, "+") + userServer
}
