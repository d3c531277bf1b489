// Package discovery owns the current scan session: which device family is
// being searched for, the search criteria, and the match result.
//
// The matching engine is deliberately split in two: OnScanResult answers
// "did this one advertisement match" so the orchestrator can stop scanning
// as soon as the first match arrives, while OnScanDone answers "did the
// session as a whole find anything" once scanning ends.
package discovery

import (
	"sync"

	"github.com/sirupsen/logrus"
	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/internal/bleuuid"
)

// Mode is the active search kind. Exactly one value holds at any time;
// transitions happen only through the Start*/Stop operations.
type Mode int

const (
	ModeNone Mode = iota
	ModeUART
	ModeHub
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeUART:
		return "uart"
	case ModeHub:
		return "hub"
	default:
		return "unknown"
	}
}

// ResultFunc observes every advertisement seen during a session, matching or
// not.
type ResultFunc func(adv btlink.Advertisement)

// DoneFunc is invoked when the session's scan finishes.
type DoneFunc func(found bool)

// Manager is the scan session state machine.
//
// Starting a new session while one is active overwrites the previous
// session's state; single attempt at a time is the supported pattern.
type Manager struct {
	mu sync.Mutex

	mode       Mode
	searchName string

	matched  bool
	addrType btlink.AddrType
	addr     []byte
	advType  int
	name     string
	services []string

	onResult ResultFunc
	onDone   DoneFunc

	// resolved is (re)created per session and closed exactly once when the
	// mode returns to ModeNone, waking any connection manager blocked on it.
	resolved chan struct{}

	logger *logrus.Logger
}

// NewManager creates a Manager with no active session.
func NewManager(logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	closed := make(chan struct{})
	close(closed)
	return &Manager{resolved: closed, logger: logger}
}

// StartUARTDiscovery begins a session searching for a UART peripheral by
// name. Any previously matched address is cleared.
func (m *Manager) StartUARTDiscovery(name string, onResult ResultFunc, onDone DoneFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolveOverwrittenLocked()
	m.mode = ModeUART
	m.searchName = name
	m.clearMatchLocked()
	m.onResult = onResult
	m.onDone = onDone
	m.resolved = make(chan struct{})

	m.logger.WithField("name", name).Debug("UART discovery started")
}

// StartHubDiscovery begins a session searching for any hub advertising the
// hub service. Previous match results and snapshots are cleared.
func (m *Manager) StartHubDiscovery(onResult ResultFunc, onDone DoneFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolveOverwrittenLocked()
	m.mode = ModeHub
	m.searchName = ""
	m.clearMatchLocked()
	m.onResult = onResult
	m.onDone = onDone
	m.resolved = make(chan struct{})

	m.logger.Debug("hub discovery started")
}

// resolveOverwrittenLocked closes the previous session's resolved channel
// when a new session replaces a still-active one. The overwritten session is
// resolved from its waiters' point of view; without the close they would
// block forever on a channel nothing ever closes again.
func (m *Manager) resolveOverwrittenLocked() {
	if m.mode != ModeNone {
		close(m.resolved)
	}
}

// StopDiscovery resolves the session: the mode returns to ModeNone, the
// session callbacks are cleared, and anyone waiting on Resolved is woken.
// Match results are kept; they belong to the session that just ended and may
// still be read by the caller.
func (m *Manager) StopDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeNone {
		return
	}
	m.mode = ModeNone
	m.onResult = nil
	m.onDone = nil
	close(m.resolved)

	m.logger.Debug("discovery stopped")
}

// Resolved returns a channel closed when the current session resolves
// (mode back to ModeNone, success or failure). With no session active the
// returned channel is already closed.
func (m *Manager) Resolved() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved
}

// OnScanResult processes one advertisement observed while a session is
// active and reports whether it matched the search criteria.
//
// UART sessions match on name equality plus the UART service being
// advertised. Hub sessions match on the hub service alone, regardless of
// name; the first hub match wins and later advertisements do not replace it.
// The session's result callback, if any, sees every advertisement either
// way.
func (m *Manager) OnScanResult(adv btlink.Advertisement, uartUUID, hubUUID string) bool {
	m.mu.Lock()

	matched := false
	switch m.mode {
	case ModeUART:
		if adv.Name == m.searchName && bleuuid.Contains(adv.Services, uartUUID) {
			m.addrType = adv.AddrType
			m.addr = append([]byte(nil), adv.Addr...)
			m.matched = true
			matched = true
		}
	case ModeHub:
		if !m.matched && bleuuid.Contains(adv.Services, hubUUID) {
			m.addrType = adv.AddrType
			m.addr = append([]byte(nil), adv.Addr...)
			m.advType = adv.Type
			m.name = adv.Name
			m.services = append([]string(nil), adv.Services...)
			m.matched = true
			matched = true
		}
	}
	onResult := m.onResult
	m.mu.Unlock()

	if matched {
		m.logger.WithFields(logrus.Fields{
			"address": adv.AddrString(),
			"name":    adv.Name,
		}).Debug("advertisement matched search criteria")
	}

	if onResult != nil {
		onResult(adv)
	}

	return matched
}

// OnScanDone processes the end of scanning. found reports whether a match
// address was recorded during the session; info carries the search name
// (UART) or the discovered advertised name (hub) when found. The session's
// done callback, if any, is invoked with found.
func (m *Manager) OnScanDone() (found bool, info string) {
	m.mu.Lock()

	switch m.mode {
	case ModeUART:
		found = m.matched
		if found {
			info = m.searchName
		}
	case ModeHub:
		found = m.matched
		if found {
			info = m.name
		}
	}
	onDone := m.onDone
	m.mu.Unlock()

	if onDone != nil {
		onDone(found)
	}

	return found, info
}

// DiscoveredAddress returns the matched peer address, or ok=false when the
// session has not matched anything.
func (m *Manager) DiscoveredAddress() (btlink.AddrType, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matched {
		return 0, nil, false
	}
	return m.addrType, append([]byte(nil), m.addr...), true
}

// DiscoveredName returns the advertised name stored by a hub match.
func (m *Manager) DiscoveredName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// DiscoveredServices returns the advertised services stored by a hub match.
func (m *Manager) DiscoveredServices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.services...)
}

// DiscoveredAdvType returns the advertisement type stored by a hub match.
func (m *Manager) DiscoveredAdvType() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advType
}

// Mode returns the active search mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// IsDiscovering reports whether a session is active.
func (m *Manager) IsDiscovering() bool {
	return m.Mode() != ModeNone
}

// SearchName returns the name recorded by StartUARTDiscovery.
func (m *Manager) SearchName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchName
}

func (m *Manager) clearMatchLocked() {
	m.matched = false
	m.addrType = 0
	m.addr = nil
	m.advType = 0
	m.name = ""
	m.services = nil
}
