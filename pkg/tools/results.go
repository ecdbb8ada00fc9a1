// Copyright 2024-2026 Aiku AI

package tools

import (
	"time"

	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

const previewLength = 50

type chatSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	IsGroup     bool            `json:"isGroup"`
	UnreadCount int             `json:"unreadCount"`
	LastMessage *messagePreview `json:"lastMessage,omitempty"`
}

type messagePreview struct {
	Body      string `json:"body"`
	From      string `json:"from"`
	FromMe    bool   `json:"fromMe"`
	Timestamp string `json:"timestamp"`
}

func toChatSummaries(chats []*whatsapp.Chat) []chatSummary {
	out := make([]chatSummary, 0, len(chats))
	for _, chat := range chats {
		summary := chatSummary{
			ID:          chat.ID,
			Name:        chat.Name,
			IsGroup:     chat.IsGroup,
			UnreadCount: chat.UnreadCount,
		}
		if last := chat.LastMessage; last != nil {
			summary.LastMessage = &messagePreview{
				Body:      Truncate(last.Body, previewLength),
				From:      last.From,
				FromMe:    last.FromMe,
				Timestamp: isoTime(last.Timestamp),
			}
		}
		out = append(out, summary)
	}
	return out
}

type searchResult struct {
	Query       string        `json:"query"`
	ResultCount int           `json:"resultCount"`
	Chats       []chatSummary `json:"chats"`
}

type historyResult struct {
	ChatID       string           `json:"chatId"`
	MessageCount int              `json:"messageCount"`
	IncludeMedia bool             `json:"includeMedia"`
	Messages     []historyMessage `json:"messages"`
}

type historyMessage struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	Body        string     `json:"body"`
	Timestamp   string     `json:"timestamp"`
	FromMe      bool       `json:"fromMe"`
	IsGroupMsg  bool       `json:"isGroupMsg"`
	HasMedia    bool       `json:"hasMedia"`
	MediaType   string     `json:"mediaType,omitempty"`
	MediaURL    string     `json:"mediaUrl,omitempty"`
	MediaData   *mediaInfo `json:"mediaData,omitempty"`
	Author      string     `json:"author,omitempty"`
	IsForwarded bool       `json:"isForwarded"`
}

type mediaInfo struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Size     int    `json:"size"`
}

func newHistoryMessage(msg *whatsapp.Message) historyMessage {
	entry := historyMessage{
		ID:          msg.ID,
		From:        msg.From,
		Body:        msg.Body,
		Timestamp:   isoTime(msg.Timestamp),
		FromMe:      msg.FromMe,
		IsGroupMsg:  whatsapp.IsGroupID(msg.From) || whatsapp.IsGroupID(msg.To),
		HasMedia:    msg.HasMedia,
		Author:      msg.Author,
		IsForwarded: msg.IsForwarded,
	}
	if msg.HasMedia {
		entry.MediaType = msg.Type
	}
	return entry
}

func isoTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(isoMillis)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

type connectionStatus struct {
	connection.State
	Bridge status.BridgeState `json:"bridgeState"`
}

// AuthStatus is the authentication summary shared by get_auth_status and
// the /auth/status endpoint.
type AuthStatus struct {
	IsConnected     bool   `json:"isConnected"`
	IsReady         bool   `json:"isReady"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	QRAvailable     bool   `json:"qrAvailable"`
	Message         string `json:"message"`
}

func NewAuthStatus(state connection.State) AuthStatus {
	out := AuthStatus{
		IsConnected:     state.Connected,
		IsReady:         state.Ready,
		IsAuthenticated: state.Authenticated,
		QRAvailable:     state.PairingCode != "",
	}
	switch {
	case state.Authenticated && state.Ready:
		out.Message = "WhatsApp is authenticated and ready"
	case state.Authenticated:
		out.Message = "WhatsApp is authenticated, waiting for the client to become ready"
	case state.PairingCode != "":
		out.Message = "QR code available - scan to authenticate"
	default:
		out.Message = "Initializing WhatsApp client..."
	}
	return out
}

const disconnectGuidance = `CONFIRMATION REQUIRED

To disconnect WhatsApp, you must provide the exact confirmation text.

WARNING: This will:
- Log out from WhatsApp Web
- Clear your session data
- Require a QR code scan to reconnect
- Stop all WhatsApp functionality until then

If you're sure you want to disconnect, call this tool again with:
confirmation: "` + ConfirmDisconnect + `"

(Copy and paste exactly as shown above)`

const disconnectDone = `WhatsApp has been successfully disconnected.

Summary:
- Session cleared
- Authentication removed
- Connection terminated

To reconnect:
1. Wait for the automatic reconnect or call reconnect_whatsapp
2. Use get_qr_code to get a new QR code
3. Scan the QR code with the WhatsApp mobile app`

const logoutGuidance = `CONFIRMATION REQUIRED

To logout from WhatsApp (keeps the connection but removes authentication), you must provide the exact confirmation text.

WARNING: This will:
- Log out from WhatsApp Web
- Keep the connection active
- Require a QR code scan to re-authenticate
- Generate a new QR code automatically

If you're sure you want to logout, call this tool again with:
confirmation: "` + ConfirmLogout + `"

(Copy and paste exactly as shown above)`

const logoutDone = `WhatsApp logout successful.

Summary:
- Authentication removed
- Connection still active
- A new QR code will be generated

To re-authenticate:
1. Use get_qr_code to get the new QR code
2. Scan the QR code with the WhatsApp mobile app`

const reconnectStarted = `WhatsApp reconnection initiated successfully.

What happens next:
1. A new WhatsApp client initializes
2. A QR code is generated if the device is not linked (check with get_qr_code)
3. Scan the QR code with your mobile app
4. The connection is established

This may take a few seconds. Use get_auth_status to monitor progress.`
