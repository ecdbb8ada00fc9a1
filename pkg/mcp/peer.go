// Copyright 2024-2026 Aiku AI

package mcp

import (
	"sync"
	"sync/atomic"
)

// LoggingLevel is a syslog severity as used by MCP logging.
type LoggingLevel string

const (
	LevelDebug     LoggingLevel = "debug"
	LevelInfo      LoggingLevel = "info"
	LevelNotice    LoggingLevel = "notice"
	LevelWarning   LoggingLevel = "warning"
	LevelError     LoggingLevel = "error"
	LevelCritical  LoggingLevel = "critical"
	LevelAlert     LoggingLevel = "alert"
	LevelEmergency LoggingLevel = "emergency"
)

var levelSeverity = map[LoggingLevel]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// Valid reports whether l is a known level.
func (l LoggingLevel) Valid() bool {
	_, ok := levelSeverity[l]
	return ok
}

// Peer is the protocol state of one client connection.
type Peer struct {
	initialized atomic.Bool

	mu              sync.Mutex
	client          Implementation
	protocolVersion string
	minLevel        LoggingLevel
}

func NewPeer() *Peer {
	return &Peer{minLevel: LevelInfo}
}

func (p *Peer) Initialized() bool {
	return p.initialized.Load()
}

func (p *Peer) markInitialized(client Implementation, version string) {
	p.mu.Lock()
	p.client = client
	p.protocolVersion = version
	p.mu.Unlock()
	p.initialized.Store(true)
}

// Client returns the implementation info sent by the client.
func (p *Peer) Client() Implementation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *Peer) ProtocolVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocolVersion
}

func (p *Peer) setLevel(level LoggingLevel) {
	p.mu.Lock()
	p.minLevel = level
	p.mu.Unlock()
}

// Accepts reports whether a log notification at level should be sent.
func (p *Peer) Accepts(level LoggingLevel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return levelSeverity[level] >= levelSeverity[p.minLevel]
}

// ShouldDeliver reports whether n should be sent to this peer. Only
// initialized peers receive notifications, and log messages are filtered
// by the level set with logging/setLevel.
func (p *Peer) ShouldDeliver(n *Notification) bool {
	if !p.Initialized() {
		return false
	}
	if params, ok := n.Params.(LoggingMessageParams); ok {
		return p.Accepts(params.Level)
	}
	return true
}
