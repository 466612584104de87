package oidc

import (
	"context"
	"sync"
	"time"

	"github.com/openidconnect/implicitflow/jwt"
)

const (
	defaultRenewInitialDelay = 5 * time.Second
	defaultRenewInterval     = 3 * time.Second
)

// SilentRenewScheduler watches the id_token's lifetime and triggers a silent
// renewal (or a session reset when renewal is disabled) once the token enters
// the renewal window.
type SilentRenewScheduler struct {
	flow         *Flow
	initialDelay time.Duration
	interval     time.Duration

	mu      sync.Mutex
	running bool
	stop    func()
}

func newSilentRenewScheduler(f *Flow, initialDelay, interval time.Duration) *SilentRenewScheduler {
	if initialDelay <= 0 {
		initialDelay = defaultRenewInitialDelay
	}
	if interval <= 0 {
		interval = defaultRenewInterval
	}
	return &SilentRenewScheduler{
		flow:         f,
		initialDelay: initialDelay,
		interval:     interval,
	}
}

// Start begins watching the token lifetime.  Calling Start on a running
// scheduler is a no-op, so repeated successful callbacks never stack
// watchers.
func (s *SilentRenewScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(s.flow.backgroundCtx)
	s.stop = cancel
	go func() {
		timer := time.NewTimer(s.initialDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.tick()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the watcher.  Safe to call on a stopped scheduler.
func (s *SilentRenewScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// Running reports whether the watcher goroutine is active.
func (s *SilentRenewScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick evaluates the renewal condition once.  It fires only for a live
// session: user data present, no renewal already in flight, id_token on
// hand.
func (s *SilentRenewScheduler) tick() {
	f := s.flow
	if f.session.UserData() == "" || f.session.SilentRenewRunning() {
		return
	}
	idToken := f.session.IDToken()
	if idToken == "" {
		return
	}
	offset := time.Duration(f.config.SilentRenewOffsetSeconds) * time.Second
	if !jwt.IsExpired(idToken, jwt.WithNow(f.nowFunc), jwt.WithExpirySkew(offset)) {
		return
	}
	f.logger.Debug("id_token entered renewal window")
	if f.config.SilentRenew {
		if err := f.RefreshSession(f.backgroundCtx); err != nil {
			f.logger.Error("silent renew failed to start", "err", err)
		}
		return
	}
	f.ResetAuthorizationData(false)
}
