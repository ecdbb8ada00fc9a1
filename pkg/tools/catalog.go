// Copyright 2024-2026 Aiku AI

package tools

import (
	"context"

	"go.mau.fi/util/ptr"

	"github.com/aiku/whatsapp-mcp/pkg/mcp"
)

var (
	readOnly    = &mcp.ToolAnnotations{ReadOnlyHint: ptr.Ptr(true)}
	destructive = &mcp.ToolAnnotations{DestructiveHint: ptr.Ptr(true)}
)

// Register adds every WhatsApp tool to server under its stable name.
func (t *Tools) Register(server *mcp.Server) {
	server.AddTool(&mcp.Tool{
		Name:        "send_message",
		Description: "Send a WhatsApp message to a contact or group",
		Fields: []mcp.Field{
			{Name: "to", Type: mcp.TypeString, Required: true,
				Description: "The phone number or group ID to send message to (format: number@c.us or groupId@g.us)"},
			{Name: "message", Type: mcp.TypeString, Required: true,
				Description: "The message content to send"},
		},
		Annotations: &mcp.ToolAnnotations{DestructiveHint: ptr.Ptr(false)},
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.SendMessage(ctx, args.String("to"), args.String("message"))
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "get_contacts",
		Description: "Get all WhatsApp contacts",
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.GetContacts(ctx)
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "get_chats",
		Description: "Get all WhatsApp chats and conversations",
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.GetChats(ctx)
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "get_connection_status",
		Description: "Get the current WhatsApp connection status",
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.GetConnectionStatus(ctx)
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "get_chat_history",
		Description: "Get message history for a specific WhatsApp chat or contact",
		Fields: []mcp.Field{
			{Name: "chatId", Type: mcp.TypeString, Required: true,
				Description: "The chat ID (phone number with @c.us or group ID with @g.us)"},
			{Name: "limit", Type: mcp.TypeNumber,
				Description: "Maximum number of messages to retrieve (default: 50)"},
			{Name: "includeMedia", Type: mcp.TypeBoolean,
				Description: "Whether to download and include media URLs (default: false, WARNING: can be slow for media-heavy chats)"},
		},
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.GetChatHistory(ctx, args.String("chatId"), args.Int("limit", DefaultHistoryLimit), args.Bool("includeMedia", false))
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "search_chats",
		Description: "Search for WhatsApp chats by name or phone number",
		Fields: []mcp.Field{
			{Name: "query", Type: mcp.TypeString, Required: true,
				Description: "Search query (name or phone number)"},
		},
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.SearchChats(ctx, args.String("query"))
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "get_qr_code",
		Description: "Get WhatsApp authentication QR code for scanning",
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.GetQRCode(ctx)
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "get_auth_status",
		Description: "Get WhatsApp authentication status and connection state",
		Annotations: readOnly,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.GetAuthStatus(ctx)
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "disconnect_whatsapp",
		Description: "Disconnect from WhatsApp completely (requires confirmation)",
		Fields: []mcp.Field{
			{Name: "confirmation", Type: mcp.TypeString, Required: true,
				Description: `Must be exactly "` + ConfirmDisconnect + `" to confirm disconnection`},
		},
		Annotations: destructive,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.DisconnectWhatsApp(ctx, args.String("confirmation"))
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "logout_whatsapp",
		Description: "Logout from WhatsApp but keep connection (requires confirmation)",
		Fields: []mcp.Field{
			{Name: "confirmation", Type: mcp.TypeString, Required: true,
				Description: `Must be exactly "` + ConfirmLogout + `" to confirm logout`},
		},
		Annotations: destructive,
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.LogoutWhatsApp(ctx, args.String("confirmation"))
		},
	})
	server.AddTool(&mcp.Tool{
		Name:        "reconnect_whatsapp",
		Description: "Manually reconnect WhatsApp client (useful after disconnect)",
		Handler: func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			return t.ReconnectWhatsApp(ctx)
		},
	})
}
