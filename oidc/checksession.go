package oidc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultCheckSessionInterval = 3 * time.Second

// CheckSessionState describes the watcher's view of the server session.
type CheckSessionState int

const (
	CheckSessionUninitialized CheckSessionState = iota
	CheckSessionWatching
	CheckSessionChanged
)

// String implements fmt.Stringer.
func (s CheckSessionState) String() string {
	switch s {
	case CheckSessionUninitialized:
		return "uninitialized"
	case CheckSessionWatching:
		return "watching"
	case CheckSessionChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// CheckSessionMonitor drives the provider's session-management iframe: it
// periodically posts "client_id session_state" into the frame and interprets
// the provider's answers.  Messages from the wrong origin or the wrong frame
// are ignored without logging.
type CheckSessionMonitor struct {
	flow     *Flow
	interval time.Duration

	mu      sync.Mutex
	state   CheckSessionState
	frame   Frame
	polling bool
	stop    func()
}

func newCheckSessionMonitor(f *Flow, interval time.Duration) *CheckSessionMonitor {
	if interval <= 0 {
		interval = defaultCheckSessionInterval
	}
	return &CheckSessionMonitor{
		flow:     f,
		interval: interval,
	}
}

// Init provisions the watcher iframe pointed at the provider's
// check_session_iframe document.  Calling Init again reuses the existing
// frame.
func (m *CheckSessionMonitor) Init() error {
	const op = "CheckSessionMonitor.Init"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame != nil {
		return nil
	}
	if m.flow.bridge == nil {
		return fmt.Errorf("%s: %w", op, ErrBridgeUnavailable)
	}
	frame, err := m.flow.bridge.CheckSessionFrame(m.flow.wellKnown.CheckSessionIframe)
	if err != nil {
		return fmt.Errorf("%s: unable to provision watcher frame: %w", op, err)
	}
	m.frame = frame
	m.state = CheckSessionWatching
	return nil
}

// PollServerSession starts the periodic post of "client_id session_state"
// into the watcher iframe.  A second call while polling is a no-op.
func (m *CheckSessionMonitor) PollServerSession(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.polling || m.frame == nil {
		return
	}
	m.polling = true

	ctx, cancel := context.WithCancel(m.flow.backgroundCtx)
	m.stop = cancel
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sessionState := m.flow.session.SessionState()
			if sessionState == "" {
				m.flow.logger.Debug("check session watcher, session state is empty")
				continue
			}
			m.mu.Lock()
			frame := m.frame
			m.mu.Unlock()
			if frame == nil {
				return
			}
			if err := frame.Post(clientID+" "+sessionState, m.flow.config.STSServer); err != nil {
				m.flow.logger.Warn("check session post failed", "err", err)
			}
		}
	}()
}

// HandleMessage feeds a message received from the watcher iframe into the
// monitor.  Only messages originating from the provider and sourced from the
// watcher frame itself are considered; everything else is dropped silently.
func (m *CheckSessionMonitor) HandleMessage(origin string, source FrameHandle, data string) {
	m.mu.Lock()
	frame := m.frame
	m.mu.Unlock()
	if frame == nil {
		return
	}
	if origin != m.flow.config.STSServer {
		return
	}
	if source != frame.Handle() {
		return
	}
	switch data {
	case "changed":
		m.mu.Lock()
		m.state = CheckSessionChanged
		m.mu.Unlock()
		m.flow.logger.Debug("server session changed")
		m.flow.session.SetCheckSessionChanged(true)
		m.flow.emitCheckSessionChanged()
	case "error":
		m.flow.logger.Warn("check session watcher returned an error")
	default:
		m.flow.logger.Debug("check session watcher", "message", data)
	}
}

// State returns the watcher's current view of the server session.
func (m *CheckSessionMonitor) State() CheckSessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop ends the poll.  The watcher frame stays provisioned so polling can be
// resumed.
func (m *CheckSessionMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.polling {
		return
	}
	m.polling = false
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}
