package server

import (
	"sync"
	"time"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// watchdogGrace is the slack added on top of the client's declared ping
// interval before a missed ping is treated as a dead transport.
const watchdogGrace = 3 * time.Second

// defaultPingInterval is assumed for peers that ping without ever declaring
// their heartbeat period.
const defaultPingInterval = 5 * time.Second

type watchdogEntry struct {
	sessionID string
	interval  time.Duration
	lastPing  time.Time
	timer     session.TimerHandle
	disabled  bool
}

// PingWatchdog detects silently dead transports from the client heartbeat.
// Each ping arms a timer slightly past the next expected ping; if the timer
// fires before the next ping arrives, the associated session is reported dead
// through the closer callback.
//
// The watchdog is keyed by transport id. AssociateSessionID registers a
// transport and names the session to dispose; pings on transports never
// registered are ignored.
type PingWatchdog struct {
	scheduler Scheduler
	logger    logging.Logger
	closer    func(sessionID string, reason string)

	mu      sync.Mutex
	enabled bool
	entries map[string]*watchdogEntry
}

// NewPingWatchdog creates a watchdog scheduling its checks through sched and
// reporting dead sessions through closer.
func NewPingWatchdog(sched Scheduler, l logging.Logger, closer func(sessionID, reason string)) *PingWatchdog {
	if l == nil {
		l = logging.NewNop()
	}
	return &PingWatchdog{
		scheduler: sched,
		logger:    l,
		closer:    closer,
		entries:   make(map[string]*watchdogEntry),
	}
}

// SetEnabled flips the global watchdog switch. While disabled, pings are
// still answered but no liveness timers are armed.
func (w *PingWatchdog) SetEnabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = enabled
	if !enabled {
		for _, e := range w.entries {
			if e.timer != nil {
				e.timer.Cancel()
				e.timer = nil
			}
		}
	}
}

// Enabled reports whether the watchdog is armed globally.
func (w *PingWatchdog) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// AssociateSessionID registers the transport with the watchdog and names the
// session a later missed ping disposes. Liveness tracking starts here: the
// entry is created on first association and every ping updates it.
func (w *PingWatchdog) AssociateSessionID(transportID, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[transportID]
	if !ok {
		e = &watchdogEntry{}
		w.entries[transportID] = e
	}
	e.sessionID = sessionID
}

// UpdateTransportID re-keys a watchdog entry after a reconnection, keeping
// the declared interval and disarming any timer tied to the old transport.
func (w *PingWatchdog) UpdateTransportID(newTransportID, oldTransportID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[oldTransportID]
	if !ok {
		return
	}
	delete(w.entries, oldTransportID)
	if e.timer != nil {
		e.timer.Cancel()
		e.timer = nil
	}
	// A live transport resumes liveness tracking even if the entry was
	// parked while the close timer owned disposal.
	e.disabled = false
	w.entries[newTransportID] = e
}

// PingReceived records a heartbeat. intervalHint is the client's declared
// ping period; zero keeps the previously declared interval, or falls back to
// defaultPingInterval when the peer never declared one.
func (w *PingWatchdog) PingReceived(transportID string, intervalHint time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[transportID]
	if !ok {
		// The transport was never registered; a ping alone starts no tracking.
		return
	}
	e.lastPing = time.Now()
	if intervalHint > 0 {
		e.interval = intervalHint
	}
	if e.interval <= 0 {
		e.interval = defaultPingInterval
	}

	if !w.enabled || e.disabled {
		return
	}

	if e.timer != nil {
		e.timer.Cancel()
	}
	deadline := e.lastPing.Add(e.interval + watchdogGrace)
	timer, err := w.scheduler.Schedule(func() { w.expired(transportID) }, deadline)
	if err != nil {
		// Shutdown in progress; the session will be torn down elsewhere.
		w.logger.Debug("watchdog timer rejected",
			logging.TransportID(transportID), logging.ErrorField(err))
		e.timer = nil
		return
	}
	e.timer = timer
}

// DisableForSession stops liveness tracking for one session, leaving the
// global switch untouched. Used when another disposal authority (such as a
// reconnection close timer) takes over.
func (w *PingWatchdog) DisableForSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.sessionID == sessionID {
			e.disabled = true
			if e.timer != nil {
				e.timer.Cancel()
				e.timer = nil
			}
		}
	}
}

// RemoveSession drops all watchdog state for a session. Idempotent.
func (w *PingWatchdog) RemoveSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for tid, e := range w.entries {
		if e.sessionID == sessionID {
			if e.timer != nil {
				e.timer.Cancel()
			}
			delete(w.entries, tid)
		}
	}
}

// RemoveTransport drops the watchdog entry for a transport that closed
// before any session was associated.
func (w *PingWatchdog) RemoveTransport(transportID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[transportID]; ok {
		if e.timer != nil {
			e.timer.Cancel()
		}
		delete(w.entries, transportID)
	}
}

func (w *PingWatchdog) expired(transportID string) {
	w.mu.Lock()
	e, ok := w.entries[transportID]
	if !ok || e.disabled || !w.enabled {
		w.mu.Unlock()
		return
	}
	sessionID := e.sessionID
	interval := e.interval
	delete(w.entries, transportID)
	w.mu.Unlock()

	w.logger.Warn("ping timeout, treating transport as dead",
		logging.TransportID(transportID),
		logging.SessionID(sessionID),
		logging.Duration("interval", interval))

	if sessionID != "" && w.closer != nil {
		w.closer(sessionID, "pingTimeout")
	}
}
