// Copyright 2024-2026 Aiku AI

package connection

import (
	"errors"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

var (
	ErrNotReady         = errors.New("WhatsApp client is not ready")
	ErrNotConnected     = errors.New("WhatsApp client is not connected")
	ErrAlreadyDestroyed = errors.New("connection manager has been destroyed")
	ErrInvalidState     = errors.New("invalid connection state")
)

// Phase is the coarse lifecycle position of the managed client.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseAwaitingPairing
	PhaseReady
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializing:
		return "initializing"
	case PhaseAwaitingPairing:
		return "awaiting_pairing"
	case PhaseReady:
		return "ready"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of the connection flags.
//
// Ready implies Connected and Authenticated. A pairing code is only held
// while unauthenticated.
type State struct {
	Connected     bool                `json:"isConnected"`
	Ready         bool                `json:"isReady"`
	Authenticated bool                `json:"isAuthenticated"`
	PairingCode   string              `json:"qrCode,omitempty"`
	PairingImage  string              `json:"qrCodeDataURL,omitempty"`
	LastSeen      *jsontime.UnixMilli `json:"lastSeen,omitempty"`
	Phase         Phase               `json:"phase"`
}

// EventType names a connection event published to listeners.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventAuthTimeout   EventType = "auth_timeout"
	EventDisconnected  EventType = "disconnected"
	EventLoggedOut     EventType = "logout"
	EventReconnected   EventType = "reconnected"
	EventMessage       EventType = "message"
	EventDestroyed     EventType = "destroyed"
)

// Event is published after every state transition.
type Event struct {
	Type    EventType
	Reason  string
	Message *whatsapp.Message
	State   State
	Bridge  status.BridgeState
}

// Listener receives connection events. Listeners are called synchronously
// and must not block.
type Listener func(evt Event)
