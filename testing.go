package ioa

import (
	"fmt"
	"sync"
)

// MockDevice is the logical device created by MockPresence
type MockDevice struct {
	Config ConfigEntry
}

// Addr implements LogicalDevice
func (d *MockDevice) Addr() ResAddr {
	return d.Config.Addr
}

// MockPresence provides a mock implementation of Presence for testing.
// It keeps the announced devices by address and records every call.
type MockPresence struct {
	mu        sync.RWMutex
	devices   map[ResAddr]*MockDevice
	withdrawn []ResAddr
	busResets []uint8
	failNext  int

	announceCalls int
}

// NewMockPresence creates an empty presence collaborator
func NewMockPresence() *MockPresence {
	return &MockPresence{
		devices: make(map[ResAddr]*MockDevice),
	}
}

// Announce implements the Presence interface
func (m *MockPresence) Announce(cfg ConfigEntry) (LogicalDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.announceCalls++

	if m.failNext > 0 {
		m.failNext--
		return nil, fmt.Errorf("mock presence: announce %s refused", cfg.Addr)
	}

	d := &MockDevice{Config: cfg}
	m.devices[cfg.Addr] = d
	return d, nil
}

// Withdraw implements the Presence interface
func (m *MockPresence) Withdraw(dev LogicalDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.devices, dev.Addr())
	m.withdrawn = append(m.withdrawn, dev.Addr())
}

// BusReset implements the Presence interface
func (m *MockPresence) BusReset(bus uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.busResets = append(m.busResets, bus)
}

// Testing utility methods

// FailAnnounce makes the next n announcements fail
func (m *MockPresence) FailAnnounce(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Device returns the announced device at addr, or nil
func (m *MockPresence) Device(addr ResAddr) LogicalDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devices[addr]; ok {
		return d
	}
	return nil
}

// Count returns the number of currently announced devices
func (m *MockPresence) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Withdrawn returns the addresses withdrawn so far, in order
func (m *MockPresence) Withdrawn() []ResAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ResAddr(nil), m.withdrawn...)
}

// BusResets returns the buses reported reset so far, in order
func (m *MockPresence) BusResets() []uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint8(nil), m.busResets...)
}

// AnnounceCalls returns how many times Announce was called
func (m *MockPresence) AnnounceCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.announceCalls
}

// MockLogSink collects error-log entries
type MockLogSink struct {
	mu      sync.Mutex
	entries []ErrorLogEntry
}

// NewMockLogSink creates an empty sink
func NewMockLogSink() *MockLogSink {
	return &MockLogSink{}
}

// LogError implements the LogSink interface
func (m *MockLogSink) LogError(entry ErrorLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

// Entries returns a copy of the collected entries
func (m *MockLogSink) Entries() []ErrorLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorLogEntry(nil), m.entries...)
}

// Len returns the number of collected entries
func (m *MockLogSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Compile-time interface checks
var (
	_ Presence      = (*MockPresence)(nil)
	_ LogSink       = (*MockLogSink)(nil)
	_ LogicalDevice = (*MockDevice)(nil)
)
