// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultRetryBackoff   = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	Factory whatsapp.Factory
	// Renderer defaults to QRDataURL.
	Renderer PairingRenderer
	// ReconnectDelay is the pause before reconnecting after a manual
	// disconnect.
	ReconnectDelay time.Duration
	// RetryBackoff is the pause before retrying a failed reconnect.
	RetryBackoff time.Duration
	// AuthTimeout publishes EventAuthTimeout if the client has not
	// authenticated this long after initialization. Zero disables it.
	AuthTimeout time.Duration
	Log         zerolog.Logger
}

// Manager owns the WhatsApp client and drives its connection state machine.
//
// mu guards the state fields and the client handle. lifecycle serializes
// client construction and teardown so at most one of initialize, reconnect,
// disconnect, logout and destroy runs at a time. Every client is tagged with
// a generation and events from older generations are dropped.
type Manager struct {
	log            zerolog.Logger
	factory        whatsapp.Factory
	render         PairingRenderer
	reconnectDelay time.Duration
	retryBackoff   time.Duration
	authTimeout    time.Duration

	lifecycle sync.Mutex
	flight    singleflight.Group

	mu          sync.Mutex
	state       State
	client      whatsapp.Client
	generation  uint64
	destroyed   bool
	authFailure string
	retry       *time.Timer
	authTimer   *time.Timer
	rootCtx     context.Context
	cancelRoot  context.CancelFunc

	listenerLock sync.RWMutex
	listeners    []Listener
}

// NewManager creates a manager in the idle phase. No client is built until
// Initialize is called.
func NewManager(opts Options) *Manager {
	if opts.Renderer == nil {
		opts.Renderer = PairingRendererFunc(QRDataURL)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	m := &Manager{
		log:            opts.Log.With().Str("component", "wa_connection").Logger(),
		factory:        opts.Factory,
		render:         opts.Renderer,
		reconnectDelay: opts.ReconnectDelay,
		retryBackoff:   opts.RetryBackoff,
		authTimeout:    opts.AuthTimeout,
	}
	m.rootCtx, m.cancelRoot = context.WithCancel(context.Background())
	return m
}

// AddListener registers a listener for connection events.
func (m *Manager) AddListener(listener Listener) {
	m.listenerLock.Lock()
	m.listeners = append(m.listeners, listener)
	m.listenerLock.Unlock()
}

func (m *Manager) publish(evt Event) {
	m.listenerLock.RLock()
	defer m.listenerLock.RUnlock()
	for _, listener := range m.listeners {
		listener(evt)
	}
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BridgeState describes the current state with mautrix bridge state codes.
func (m *Manager) BridgeState() status.BridgeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bridgeStateLocked()
}

// ReadyClient returns the client handle if it is ready for use.
func (m *Manager) ReadyClient() (whatsapp.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || !m.state.Ready {
		return nil, ErrNotReady
	}
	return m.client, nil
}

func (m *Manager) bridgeStateLocked() status.BridgeState {
	bs := status.BridgeState{Timestamp: jsontime.UnixNow()}
	switch {
	case m.state.Phase == PhaseDestroyed:
		bs.StateEvent = status.StateUnknownError
		bs.Error = "wa-destroyed"
		bs.Message = "WhatsApp client has been shut down"
	case m.state.Ready:
		bs.StateEvent = status.StateConnected
	case m.state.PairingCode != "":
		bs.StateEvent = status.StateLoggedOut
		bs.Error = "wa-awaiting-pairing"
		bs.Message = "Scan the QR code with WhatsApp to link this device"
	case m.authFailure != "":
		bs.StateEvent = status.StateBadCredentials
		bs.Error = "wa-auth-failed"
		bs.Message = m.authFailure
	case m.state.Connected, m.state.Phase == PhaseInitializing:
		bs.StateEvent = status.StateConnecting
	default:
		bs.StateEvent = status.StateTransientDisconnect
		bs.Error = "wa-not-connected"
		bs.Message = "WhatsApp client is not connected"
	}
	return bs
}

func (m *Manager) eventLocked(typ EventType, reason string) Event {
	return Event{
		Type:   typ,
		Reason: reason,
		State:  m.state,
		Bridge: m.bridgeStateLocked(),
	}
}

func (m *Manager) setPhaseLocked(phase Phase) {
	if !m.destroyed {
		m.state.Phase = phase
	}
}

// resetLocked clears every flag and pending timer tied to the current client.
func (m *Manager) resetLocked() {
	phase := m.state.Phase
	m.state = State{Phase: phase}
	m.authFailure = ""
	m.stopAuthTimerLocked()
	m.setPhaseLocked(PhaseIdle)
}

func (m *Manager) stopAuthTimerLocked() {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// scheduleReconnectLocked replaces any pending reconnect with one that fires
// after delay.
func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.cancelRetryLocked()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.retry != timer || m.destroyed {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		ctx := m.rootCtx
		m.mu.Unlock()
		if err := m.Reconnect(ctx); err != nil {
			m.log.Error().Err(err).Msg("Scheduled reconnect failed")
		}
	})
	m.retry = timer
}

func (m *Manager) armAuthTimerLocked(gen uint64) {
	m.stopAuthTimerLocked()
	if m.authTimeout <= 0 {
		return
	}
	m.authTimer = time.AfterFunc(m.authTimeout, func() {
		m.mu.Lock()
		if gen != m.generation || m.destroyed || m.state.Authenticated {
			m.mu.Unlock()
			return
		}
		m.authTimer = nil
		evt := m.eventLocked(EventAuthTimeout, fmt.Sprintf("not authenticated after %s", m.authTimeout))
		m.mu.Unlock()
		m.log.Warn().Dur("timeout", m.authTimeout).Msg("WhatsApp authentication timed out")
		m.publish(evt)
	})
}

// Initialize builds and starts a client. It is only valid from the idle or
// destroyed phases; initializing a destroyed manager revives it.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if phase := m.state.Phase; phase != PhaseIdle && phase != PhaseDestroyed {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize while %s", ErrInvalidState, phase)
	}
	if m.destroyed {
		m.destroyed = false
		m.rootCtx, m.cancelRoot = context.WithCancel(context.Background())
		m.state.Phase = PhaseIdle
	}
	m.cancelRetryLocked()
	old := m.client
	m.client = nil
	m.generation++
	m.resetLocked()
	m.mu.Unlock()

	if old != nil {
		if err := old.Destroy(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Failed to tear down previous client")
		}
	}
	m.log.Info().Msg("Initializing WhatsApp client")
	return m.start(ctx)
}

// start builds, attaches and initializes a new client. The lifecycle lock
// must be held.
func (m *Manager) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	stop := context.AfterFunc(m.rootCtx, cancel)
	m.mu.Unlock()
	defer stop()

	client, err := m.factory(ctx)
	if err != nil {
		return fmt.Errorf("failed to create WhatsApp client: %w", err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		_ = client.Destroy(context.WithoutCancel(ctx))
		return ErrAlreadyDestroyed
	}
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	client.AddEventHandler(func(evt any) {
		m.handleClientEvent(gen, evt)
	})

	m.mu.Lock()
	m.client = client
	m.setPhaseLocked(PhaseInitializing)
	m.armAuthTimerLocked(gen)
	m.mu.Unlock()

	if err = client.Initialize(ctx); err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.client = nil
			m.generation++
			m.resetLocked()
		}
		m.mu.Unlock()
		if destroyErr := client.Destroy(context.WithoutCancel(ctx)); destroyErr != nil {
			m.log.Warn().Err(destroyErr).Msg("Failed to tear down client after initialization failure")
		}
		return fmt.Errorf("failed to initialize WhatsApp client: %w", err)
	}

	m.mu.Lock()
	if m.generation == gen && !m.destroyed {
		m.state.Connected = true
	}
	m.mu.Unlock()
	return nil
}

// Reconnect tears down the current client and starts a new one. Concurrent
// calls share a single attempt, which outlives the caller that started it
// and ends only on Destroy. A failed attempt schedules a retry.
func (m *Manager) Reconnect(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	_, err, shared := m.flight.Do("reconnect", func() (any, error) {
		return nil, m.reconnect(ctx)
	})
	if shared {
		m.log.Debug().Msg("Joined in-flight reconnect")
	}
	return err
}

func (m *Manager) reconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	m.cancelRetryLocked()
	old := m.client
	m.client = nil
	m.generation++
	m.resetLocked()
	m.mu.Unlock()

	m.log.Info().Msg("Reconnecting WhatsApp client")
	if old != nil {
		if err := old.Destroy(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Failed to tear down previous client")
		}
	}

	if err := m.start(ctx); err != nil {
		m.mu.Lock()
		if !m.destroyed {
			m.log.Warn().Dur("backoff", m.retryBackoff).Msg("Reconnect failed, retrying later")
			m.scheduleReconnectLocked(m.retryBackoff)
		}
		m.mu.Unlock()
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	m.mu.Lock()
	evt := m.eventLocked(EventReconnected, "")
	m.mu.Unlock()
	m.log.Info().Msg("WhatsApp client reconnected")
	m.publish(evt)
	return nil
}

// Disconnect tears down the client. It logs out first when authenticated.
// Teardown faults are logged and do not stop the disconnect. The manager
// then behaves as if the client reported a manual disconnect, which
// schedules an automatic reconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	if !m.state.Connected && !m.state.Ready {
		m.mu.Unlock()
		return ErrNotConnected
	}
	client := m.client
	authenticated := m.state.Authenticated
	m.client = nil
	m.generation++
	m.mu.Unlock()

	m.log.Info().Msg("Disconnecting WhatsApp client")
	if client != nil {
		if authenticated {
			if err := client.Logout(ctx); err != nil {
				m.log.Warn().Err(err).Msg("Logout before disconnect failed")
			}
		}
		if err := client.Destroy(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Failed to tear down client")
		}
	}

	m.mu.Lock()
	m.resetLocked()
	evt := m.disconnectedLocked(whatsapp.ManualDisconnect)
	m.mu.Unlock()
	m.publish(evt)
	return nil
}

// Logout unlinks the device while keeping the client running, so it can
// emit a fresh pairing code.
func (m *Manager) Logout(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	client := m.client
	if client == nil || !m.state.Ready {
		m.mu.Unlock()
		return ErrNotReady
	}
	// The client may emit its fresh pairing code before Logout returns, so
	// stale codes are cleared up front.
	m.state.PairingCode = ""
	m.state.PairingImage = ""
	m.mu.Unlock()

	m.log.Info().Msg("Logging out of WhatsApp")
	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}

	m.mu.Lock()
	if m.client != client {
		m.mu.Unlock()
		return nil
	}
	m.state.Authenticated = false
	m.state.Ready = false
	if m.state.Phase != PhaseAwaitingPairing {
		m.setPhaseLocked(PhaseInitializing)
	}
	evt := m.eventLocked(EventLoggedOut, "")
	m.mu.Unlock()
	m.publish(evt)
	return nil
}

// Destroy shuts the manager down. It is idempotent. Pending reconnects and
// in-flight initialization are cancelled before the client is torn down.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.state.Phase = PhaseDestroyed
	m.cancelRetryLocked()
	m.stopAuthTimerLocked()
	m.cancelRoot()
	m.mu.Unlock()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	client := m.client
	m.client = nil
	m.generation++
	m.state.Connected = false
	m.state.Ready = false
	m.state.PairingCode = ""
	m.state.PairingImage = ""
	evt := m.eventLocked(EventDestroyed, "")
	m.mu.Unlock()

	var err error
	if client != nil {
		if err = client.Destroy(ctx); err != nil {
			err = fmt.Errorf("failed to destroy WhatsApp client: %w", err)
		}
	}
	m.log.Info().Msg("Connection manager destroyed")
	m.publish(evt)
	return err
}

func (m *Manager) handleClientEvent(gen uint64, raw any) {
	switch evt := raw.(type) {
	case *whatsapp.QR:
		m.onPairingCode(gen, evt.Code)
	case *whatsapp.Authenticated:
		m.onAuthenticated(gen)
	case *whatsapp.Ready:
		m.onReady(gen)
	case *whatsapp.AuthFailure:
		m.onAuthFailure(gen, evt.Reason)
	case *whatsapp.Disconnected:
		m.onDisconnected(gen, evt.Reason)
	case *whatsapp.IncomingMessage:
		m.onMessage(gen, evt.Message)
	default:
		m.log.Debug().Type("event_type", raw).Msg("Ignoring unknown client event")
	}
}

// current locks mu if gen is the live generation. The caller must unlock
// when it returns true.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	if gen != m.generation || m.destroyed {
		m.mu.Unlock()
		m.log.Debug().Uint64("generation", gen).Msg("Dropping event from stale client")
		return false
	}
	return true
}

func (m *Manager) onPairingCode(gen uint64, code string) {
	image, err := m.render.RenderPairingImage(code)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to render pairing image")
		image = ""
	}
	if !m.current(gen) {
		return
	}
	m.state.PairingCode = code
	m.state.PairingImage = image
	m.state.Authenticated = false
	m.state.Ready = false
	m.setPhaseLocked(PhaseAwaitingPairing)
	evt := m.eventLocked(EventQR, "")
	m.mu.Unlock()
	m.log.Info().Msg("Received WhatsApp pairing code")
	m.publish(evt)
}

func (m *Manager) onAuthenticated(gen uint64) {
	if !m.current(gen) {
		return
	}
	m.state.Authenticated = true
	m.state.PairingCode = ""
	m.state.PairingImage = ""
	m.authFailure = ""
	m.stopAuthTimerLocked()
	if m.state.Phase == PhaseAwaitingPairing {
		m.setPhaseLocked(PhaseInitializing)
	}
	evt := m.eventLocked(EventAuthenticated, "")
	m.mu.Unlock()
	m.log.Info().Msg("WhatsApp client authenticated")
	m.publish(evt)
}

func (m *Manager) onReady(gen uint64) {
	if !m.current(gen) {
		return
	}
	m.state.Connected = true
	m.state.Ready = true
	m.state.Authenticated = true
	m.state.PairingCode = ""
	m.state.PairingImage = ""
	m.state.LastSeen = ptr.Ptr(jsontime.UM(time.Now()))
	m.authFailure = ""
	m.stopAuthTimerLocked()
	m.setPhaseLocked(PhaseReady)
	evt := m.eventLocked(EventReady, "")
	m.mu.Unlock()
	m.log.Info().Msg("WhatsApp client is ready")
	m.publish(evt)
}

func (m *Manager) onAuthFailure(gen uint64, reason string) {
	if !m.current(gen) {
		return
	}
	m.state.Authenticated = false
	m.state.Ready = false
	m.authFailure = reason
	if m.state.Phase == PhaseReady {
		m.setPhaseLocked(PhaseInitializing)
	}
	evt := m.eventLocked(EventAuthFailure, reason)
	m.mu.Unlock()
	m.log.Error().Str("reason", reason).Msg("WhatsApp authentication failed")
	m.publish(evt)
}

func (m *Manager) onDisconnected(gen uint64, reason string) {
	if !m.current(gen) {
		return
	}
	evt := m.disconnectedLocked(reason)
	m.mu.Unlock()
	m.publish(evt)
}

// disconnectedLocked applies a disconnect and schedules the automatic
// reconnect that follows a manual one.
func (m *Manager) disconnectedLocked(reason string) Event {
	m.state.Connected = false
	m.state.Ready = false
	m.stopAuthTimerLocked()
	m.setPhaseLocked(PhaseIdle)
	m.log.Warn().Str("reason", reason).Msg("WhatsApp client disconnected")
	if reason == whatsapp.ManualDisconnect && !m.destroyed {
		m.log.Info().Dur("delay", m.reconnectDelay).Msg("Scheduling automatic reconnect")
		m.scheduleReconnectLocked(m.reconnectDelay)
	}
	return m.eventLocked(EventDisconnected, reason)
}

func (m *Manager) onMessage(gen uint64, msg *whatsapp.Message) {
	if msg == nil || !m.current(gen) {
		return
	}
	m.state.LastSeen = ptr.Ptr(jsontime.UM(time.Now()))
	evt := m.eventLocked(EventMessage, "")
	m.mu.Unlock()
	evt.Message = msg
	m.log.Debug().Str("from", msg.From).Str("message_id", msg.ID).Msg("Received WhatsApp message")
	m.publish(evt)
}
