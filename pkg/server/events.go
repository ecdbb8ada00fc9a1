// Copyright 2024-2026 Aiku AI

package server

import (
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/mcp"
	"github.com/aiku/whatsapp-mcp/pkg/tools"
	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

const notificationLogger = "whatsapp"

type eventData struct {
	Event   connection.EventType    `json:"event"`
	Reason  string                  `json:"reason,omitempty"`
	Bridge  status.BridgeStateEvent `json:"bridgeState,omitempty"`
	State   connection.State        `json:"state"`
	Message *messageNotice          `json:"message,omitempty"`
}

type messageNotice struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	HasMedia  bool   `json:"hasMedia"`
	IsGroup   bool   `json:"isGroupMsg"`
}

func eventLevel(typ connection.EventType) mcp.LoggingLevel {
	switch typ {
	case connection.EventAuthFailure:
		return mcp.LevelError
	case connection.EventAuthTimeout, connection.EventDisconnected:
		return mcp.LevelWarning
	default:
		return mcp.LevelInfo
	}
}

// eventNotification turns a connection event into an MCP log message.
// The pairing image is left out; clients fetch it with get_qr_code.
func eventNotification(evt connection.Event) *mcp.Notification {
	data := eventData{
		Event:  evt.Type,
		Reason: evt.Reason,
		Bridge: evt.Bridge.StateEvent,
		State:  evt.State,
	}
	data.State.PairingImage = ""
	if msg := evt.Message; msg != nil {
		data.Message = &messageNotice{
			ID:        msg.ID,
			From:      msg.From,
			Body:      tools.Truncate(msg.Body, 50),
			Timestamp: msg.Timestamp,
			HasMedia:  msg.HasMedia,
			IsGroup:   whatsapp.IsGroupID(msg.From) || whatsapp.IsGroupID(msg.To),
		}
	}
	return mcp.NewLogNotification(eventLevel(evt.Type), notificationLogger, data)
}

func (s *Server) onConnectionEvent(evt connection.Event) {
	s.metrics.observeEvent(evt)
	s.logEvent(evt)
	s.notify(eventNotification(evt))
}

func (s *Server) logEvent(evt connection.Event) {
	switch evt.Type {
	case connection.EventQR:
		art, err := connection.RenderQRTerminal(evt.State.PairingCode)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to render QR code for the terminal")
			return
		}
		s.log.Info().
			Str("qr_page", s.cfg.Server.BaseURL()+"/qr.html").
			Msg("Scan this QR code with WhatsApp to link the device:\n" + art)
	case connection.EventMessage:
		if msg := evt.Message; msg != nil {
			s.log.Debug().
				Str("from", msg.From).
				Str("preview", tools.Truncate(msg.Body, 50)).
				Msg("Received WhatsApp message")
		}
	case connection.EventDisconnected:
		s.log.Warn().Str("reason", evt.Reason).Msg("WhatsApp disconnected")
	case connection.EventAuthFailure:
		s.log.Error().Str("reason", evt.Reason).Msg("WhatsApp authentication failed")
	}
}

func (s *Server) notify(n *mcp.Notification) {
	if s.sessions != nil {
		s.sessions.Broadcast(n)
	}
	if s.stdio != nil {
		if err := s.stdio.Notify(n); err != nil {
			s.log.Debug().Err(err).Msg("Failed to send notification over stdio")
		}
	}
}
