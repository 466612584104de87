package oidc

import (
	"encoding/json"
	"fmt"
	"sync"
)

const silentRenewRunningValue = "running"

// Session is the mutable authentication state of the engine.  Every field is
// persisted through the Storage collaborator under the documented storage
// keys, so state survives a page reload.  A Session is safe for concurrent
// use; the silent-renew-running flag doubles as the engine's mutual-exclusion
// marker between the renewal watcher and the callback path.
type Session struct {
	mu      sync.Mutex
	storage Storage

	// checkSessionChanged is never persisted: after a reload the
	// check-session watcher re-detects a changed server session.
	checkSessionChanged bool
}

// NewSession creates a Session backed by storage.
func NewSession(storage Storage) (*Session, error) {
	const op = "oidc.NewSession"
	if storage == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	return &Session{storage: storage}, nil
}

func (s *Session) read(key string) string {
	v, _ := s.storage.Read(key)
	return v
}

// AccessToken returns the stored access token, or "" when none is stored.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageAccessToken)
}

// IDToken returns the stored id_token, or "" when none is stored.
func (s *Session) IDToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageIDToken)
}

// IsAuthorized reports whether the session holds validated tokens.
func (s *Session) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageIsAuthorized) == "true"
}

// SetAuthorizationData commits a validated token pair and marks the session
// authorized.  The id_token must be non-empty; the access token is empty in
// the id_token-only flow.
func (s *Session) SetAuthorizationData(accessToken, idToken string) error {
	const op = "Session.SetAuthorizationData"
	if idToken == "" {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageAccessToken, accessToken)
	s.storage.Write(StorageIDToken, idToken)
	s.storage.Write(StorageIsAuthorized, "true")
	return nil
}

// UserData returns the stored user data JSON, or "" when none is stored.
func (s *Session) UserData() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageUserData)
}

// SetUserData stores the user data JSON.
func (s *Session) SetUserData(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageUserData, data)
}

// AuthNonce returns the nonce minted for the in-flight authorization.
func (s *Session) AuthNonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageAuthNonce)
}

// SetAuthNonce stores the nonce for the in-flight authorization.
func (s *Session) SetAuthNonce(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageAuthNonce, nonce)
}

// AuthStateControl returns the state value minted for the in-flight
// authorization.
func (s *Session) AuthStateControl() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageAuthStateControl)
}

// SetAuthStateControl stores the state value for the in-flight authorization.
func (s *Session) SetAuthStateControl(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageAuthStateControl, state)
}

// SessionState returns the provider's session identifier from the last
// callback.
func (s *Session) SessionState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageSessionState)
}

// SetSessionState stores the provider's session identifier.
func (s *Session) SetSessionState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageSessionState, state)
}

// SilentRenewRunning reports whether a silent renewal is in flight.
func (s *Session) SilentRenewRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageSilentRenewRunning) == silentRenewRunningValue
}

// SetSilentRenewRunning marks or clears the in-flight renewal flag.
func (s *Session) SetSilentRenewRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := ""
	if running {
		v = silentRenewRunningValue
	}
	s.storage.Write(StorageSilentRenewRunning, v)
}

// BeginSilentRenew atomically checks and sets the in-flight renewal flag.
// It reports false when a renewal is already running.
func (s *Session) BeginSilentRenew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.read(StorageSilentRenewRunning) == silentRenewRunningValue {
		return false
	}
	s.storage.Write(StorageSilentRenewRunning, silentRenewRunningValue)
	return true
}

// AuthResult returns the raw fragment of the last authorization response.
func (s *Session) AuthResult() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(StorageAuthResult)
}

// SetAuthResult stores the raw fragment of an authorization response.
func (s *Session) SetAuthResult(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageAuthResult, result)
}

// CustomRequestParams returns the custom authorization request parameters.
func (s *Session) CustomRequestParams() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.read(StorageCustomRequestParams)
	params := map[string]string{}
	if raw != "" {
		// a corrupt entry is treated as no custom params
		_ = json.Unmarshal([]byte(raw), &params)
	}
	return params
}

// SetCustomRequestParams stores custom parameters appended to every
// authorization request.
func (s *Session) SetCustomRequestParams(params map[string]string) error {
	const op = "Session.SetCustomRequestParams"
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal params: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageCustomRequestParams, string(raw))
	return nil
}

// CheckSessionChanged reports whether the check-session watcher has seen a
// server-side session change.
func (s *Session) CheckSessionChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkSessionChanged
}

// SetCheckSessionChanged marks or clears the server-session-changed flag.
func (s *Session) SetCheckSessionChanged(changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSessionChanged = changed
}

// Reset clears the authorization state: tokens, authorized flag, user data,
// session state, the in-flight renewal flag and the server-session-changed
// flag.  The nonce and state values survive so a retried authorize call can
// re-enter with the same correlation state.  When isRenew is true Reset is a
// no-op: a renewal failure must not wipe the session update in flight.
func (s *Session) Reset(isRenew bool) {
	if isRenew {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage.Write(StorageAuthResult, "")
	s.storage.Write(StorageSessionState, "")
	s.storage.Write(StorageSilentRenewRunning, "")
	s.storage.Write(StorageIsAuthorized, "")
	s.storage.Write(StorageAccessToken, "")
	s.storage.Write(StorageIDToken, "")
	s.storage.Write(StorageUserData, "")
	s.checkSessionChanged = false
}
