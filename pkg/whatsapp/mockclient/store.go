// Copyright 2024-2026 Aiku AI

package mockclient

import "sync"

// DeviceStore remembers which sessions have a linked device. It outlives
// individual clients, so a reconnect after pairing authenticates without a
// new QR code.
type DeviceStore struct {
	mu     sync.Mutex
	linked map[string]bool
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{linked: make(map[string]bool)}
}

func (s *DeviceStore) Linked(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linked[session]
}

func (s *DeviceStore) SetLinked(session string, linked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if linked {
		s.linked[session] = true
	} else {
		delete(s.linked, session)
	}
}
