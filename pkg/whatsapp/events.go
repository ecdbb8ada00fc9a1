// Copyright 2024-2026 Aiku AI

package whatsapp

// ManualDisconnect is the Disconnected reason for a disconnect requested
// through the bridge rather than reported by the network.
const ManualDisconnect = "Manual disconnect"

// QR carries a new pairing code to be shown to the user.
type QR struct {
	Code string
}

// Authenticated is emitted once the device has been linked.
type Authenticated struct{}

// Ready is emitted when the session can send and read messages.
type Ready struct{}

// AuthFailure is emitted when restoring or establishing a link failed.
type AuthFailure struct {
	Reason string
}

// Disconnected is emitted when the session dropped.
type Disconnected struct {
	Reason string
}

// IncomingMessage is emitted for every message received on the session.
type IncomingMessage struct {
	Message *Message
}
