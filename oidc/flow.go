package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/openidconnect/implicitflow/jwt"
)

// AuthorizationResult is the outcome announced after a callback resolves.
type AuthorizationResult int

const (
	ResultAuthorized AuthorizationResult = iota
	ResultUnauthorized
)

// String implements fmt.Stringer.
func (r AuthorizationResult) String() string {
	switch r {
	case ResultAuthorized:
		return "authorized"
	case ResultUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// checkForPopupClosedInterval is how often the popup watcher looks for the
// login popup landing back on the redirect URL.
const checkForPopupClosedInterval = 2 * time.Second

// flowOptions is the set of available options for NewFlow.
type flowOptions struct {
	withLogger               hclog.Logger
	withNowFunc              func() time.Time
	withHTTPClient           *http.Client
	withProviderCA           string
	withRenewInitialDelay    time.Duration
	withRenewInterval        time.Duration
	withCheckSessionInterval time.Duration
}

func flowDefaults() flowOptions {
	return flowOptions{
		withNowFunc:              time.Now,
		withRenewInitialDelay:    defaultRenewInitialDelay,
		withRenewInterval:        defaultRenewInterval,
		withCheckSessionInterval: defaultCheckSessionInterval,
	}
}

func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// authorizeOptions is the set of available options for Flow.Authorize.
type authorizeOptions struct {
	withScheme     string
	withPopup      bool
	withPopupTitle string
}

func getAuthorizeOpts(opt ...Option) authorizeOptions {
	opts := authorizeOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}

// Flow drives a login round-trip from an authorization request to a
// validated session, and keeps that session fresh afterwards.  It owns the
// Session, runs every callback through the StateValidator, and hosts the
// silent-renew and check-session watchers.
//
// See Flow.Done() which must be called to release flow resources.
type Flow struct {
	config    *Config
	wellKnown *WellKnownEndpoints
	session   *Session
	validator *StateValidator
	bridge    BrowserBridge
	nav       Navigator
	client    *http.Client
	logger    hclog.Logger
	nowFunc   func() time.Time

	renew        *SilentRenewScheduler
	checkSession *CheckSessionMonitor

	// backgroundCtx is the context used for background activities: the
	// silent-renew watcher, the check-session poll and the popup watcher.
	backgroundCtx       context.Context
	backgroundCtxCancel context.CancelFunc

	mu          sync.Mutex
	inCallback  bool
	isLoading   bool
	onResult    func(AuthorizationResult)
	onChanged   func()
	popupCancel context.CancelFunc
}

// NewFlow creates and initializes the implicit-flow engine.  The well-known
// endpoints must already be loaded (see Discover); storage may be nil, in
// which case an in-memory Storage is used.  The bridge and navigator may be
// nil for hosts that only need callback validation; operations that need
// them fail with ErrBridgeUnavailable / ErrNavigatorUnavailable.
//
// If a persisted session is still valid it is picked up again and the
// silent-renew watcher restarted.  When the config enables check-session the
// watcher iframe is provisioned and polling starts.
//
// Supported options: WithLogger, WithNow, WithHTTPClient, WithProviderCA,
// WithRenewInterval, WithCheckSessionInterval.
func NewFlow(c *Config, wk *WellKnownEndpoints, storage Storage, bridge BrowserBridge, nav Navigator, opt ...Option) (*Flow, error) {
	const op = "oidc.NewFlow"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	cfg := *c
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	if wk == nil {
		return nil, fmt.Errorf("%s: well-known endpoints are nil: %w", op, ErrEndpointsNotLoaded)
	}
	if err := wk.validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid well-known endpoints: %w", op, err)
	}
	opts := getFlowOpts(opt...)

	logger := opts.withLogger
	if logger == nil {
		logger = hclog.Default().Named("implicitflow")
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	session, err := NewSession(storage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	validator, err := NewStateValidator(&cfg, wk, session, WithLogger(logger.Named("validator")), WithNow(opts.withNowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client := opts.withHTTPClient
	if client == nil {
		client, err = newHTTPClient(opts.withProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		config:              &cfg,
		wellKnown:           wk,
		session:             session,
		validator:           validator,
		bridge:              bridge,
		nav:                 nav,
		client:              client,
		logger:              logger,
		nowFunc:             opts.withNowFunc,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	f.renew = newSilentRenewScheduler(f, opts.withRenewInitialDelay, opts.withRenewInterval)
	f.checkSession = newCheckSessionMonitor(f, opts.withCheckSessionInterval)

	// cache the metadata so hosts sharing the storage can read it
	if raw, err := json.Marshal(wk); err == nil {
		storage.Write(StorageWellKnownEndpoints, string(raw))
	}

	// pick a persisted session back up if its id_token is still valid
	if session.IsAuthorized() && session.IDToken() != "" {
		offset := time.Duration(cfg.SilentRenewOffsetSeconds) * time.Second
		if jwt.IsExpired(session.IDToken(), jwt.WithNow(f.nowFunc), jwt.WithExpirySkew(offset)) {
			logger.Debug("persisted id_token is expired, clearing session")
			session.Reset(false)
		} else {
			logger.Debug("persisted id_token is valid, resuming session")
			f.renew.Start()
		}
	}

	if cfg.StartCheckSession && bridge != nil && wk.CheckSessionIframe != "" {
		if err := f.checkSession.Init(); err != nil {
			logger.Error("unable to initialize check-session watcher", "err", err)
		} else {
			f.checkSession.PollServerSession(cfg.ClientID)
		}
	}

	return f, nil
}

// Done releases the flow's background resources: both watchers and any popup
// watcher stop.  It must be called for every Flow created.
func (f *Flow) Done() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backgroundCtxCancel != nil {
		f.backgroundCtxCancel()
		f.backgroundCtxCancel = nil
	}
}

// OnAuthorizationResult registers fn to be called with the outcome of every
// resolved callback.
func (f *Flow) OnAuthorizationResult(fn func(AuthorizationResult)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onResult = fn
}

// OnCheckSessionChanged registers fn to be called when the check-session
// watcher detects a server-side session change.
func (f *Flow) OnCheckSessionChanged(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChanged = fn
}

func (f *Flow) emitResult(r AuthorizationResult) {
	f.mu.Lock()
	fn := f.onResult
	f.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (f *Flow) emitCheckSessionChanged() {
	f.mu.Lock()
	fn := f.onChanged
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Authorize starts a login round-trip: it clears the prior session, mints a
// fresh nonce (reusing an existing state value for idempotent re-entry),
// builds the authorization URL and delivers it by top-level redirect or, with
// WithPopup, through a popup window whose result is watched and fed back into
// AuthorizedCallback.
//
// Supported options: WithAuthenticationScheme, WithPopup.
func (f *Flow) Authorize(opt ...Option) error {
	const op = "Flow.Authorize"
	opts := getAuthorizeOpts(opt...)
	if f.wellKnown == nil || f.wellKnown.AuthorizationEndpoint == "" {
		f.logger.Error("well known endpoints must be loaded before user can login")
		return fmt.Errorf("%s: %w", op, ErrEndpointsNotLoaded)
	}
	if f.config.ResponseType != ResponseTypeIDToken && f.config.ResponseType != ResponseTypeIDTokenToken {
		f.logger.Error("module configured incorrectly", "response_type", f.config.ResponseType)
		return fmt.Errorf("%s: %q: %w", op, f.config.ResponseType, ErrUnsupportedResponseType)
	}

	f.ResetAuthorizationData(false)
	f.logger.Debug("begin authorize, no auth data")

	state := f.session.AuthStateControl()
	if state == "" {
		var err error
		state, err = NewState()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		f.session.SetAuthStateControl(state)
	}
	nonce, err := NewNonce()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.session.SetAuthNonce(nonce)
	f.logger.Debug("authorize request created", "state", state)

	custom := f.session.CustomRequestParams()
	if opts.withScheme != "" {
		custom["authenticationScheme"] = opts.withScheme
	}
	authURL, err := AuthorizeURL(f.wellKnown.AuthorizationEndpoint, nonce, state, f.config, custom)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if opts.withPopup {
		if f.bridge == nil {
			return fmt.Errorf("%s: %w", op, ErrBridgeUnavailable)
		}
		popup, err := f.bridge.OpenPopup(authURL, opts.withPopupTitle)
		if err != nil {
			return fmt.Errorf("%s: unable to open popup: %w", op, err)
		}
		f.watchPopup(popup)
		return nil
	}

	if f.nav == nil {
		return fmt.Errorf("%s: %w", op, ErrNavigatorUnavailable)
	}
	return f.nav.Redirect(authURL)
}

// watchPopup polls the popup until it lands back on the redirect URL, then
// force-closes it and feeds the fragment into AuthorizedCallback.  Starting a
// new watcher cancels the previous one so only one popup timer ever runs.
func (f *Flow) watchPopup(popup Popup) {
	f.mu.Lock()
	if f.popupCancel != nil {
		f.popupCancel()
	}
	ctx, cancel := context.WithCancel(f.backgroundCtx)
	f.popupCancel = cancel
	f.mu.Unlock()

	go func() {
		defer cancel()
		ticker := time.NewTicker(checkForPopupClosedInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if popup.Closed() {
				return
			}
			loc, err := popup.Location()
			if err != nil {
				// still on the provider's origin
				continue
			}
			if !strings.HasPrefix(loc, f.config.RedirectURL) {
				continue
			}
			u, err := url.Parse(loc)
			if err != nil {
				f.logger.Debug("popup returned an unparsable location", "err", err)
				return
			}
			popup.Close()
			if u.Fragment != "" {
				if err := f.AuthorizedCallback(f.backgroundCtx, u.Fragment); err != nil {
					f.logger.Warn("popup callback failed", "err", err)
				}
			}
			return
		}
	}()
}

// AuthorizedCallback processes an authorization response fragment: it parses
// the response, fetches the signing keys fresh, runs the validation pipeline
// and either commits the session or resets it.  It is the single re-entry
// point for all three delivery paths (redirect, popup, silent-renew iframe).
// A second call while one is in flight returns ErrCallbackInProgress.
func (f *Flow) AuthorizedCallback(ctx context.Context, fragment string) error {
	const op = "Flow.AuthorizedCallback"
	f.mu.Lock()
	if f.inCallback {
		f.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrCallbackInProgress)
	}
	f.inCallback = true
	f.isLoading = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inCallback = false
		f.isLoading = false
		f.mu.Unlock()
	}()

	isRenew := f.session.SilentRenewRunning()
	f.logger.Debug("begin authorized callback", "renew", isRenew)
	f.ResetAuthorizationData(isRenew)

	result := ParseCallback(fragment)
	f.session.SetAuthResult(fragment)

	keys, err := f.getSigningKeys(ctx)
	if err != nil {
		f.logger.Warn("unable to fetch signing keys", "err", err)
		f.concludeFailure(isRenew)
		return fmt.Errorf("%s: %w", op, err)
	}

	outcome := f.validator.Validate(ctx, result, keys)
	if !outcome.Valid {
		f.logger.Warn("token validation failed, resetting", "reason", outcome.FailureReason)
		f.concludeFailure(isRenew)
		return fmt.Errorf("%s: %s: %w", op, outcome.FailureReason, ErrValidationFailed)
	}

	if err := f.session.SetAuthorizationData(outcome.AccessToken, outcome.IDToken); err != nil {
		f.concludeFailure(isRenew)
		return fmt.Errorf("%s: %w", op, err)
	}
	f.session.SetSilentRenewRunning(false)

	if f.config.AutoUserInfo {
		ok, err := f.completeUserInfo(ctx, isRenew, result, outcome)
		if err != nil || !ok {
			f.emitResult(ResultUnauthorized)
			if !f.config.TriggerAuthorizationResultEvent && !isRenew && f.nav != nil {
				f.nav.NavigateRoute(f.config.UnauthorizedRoute)
			}
			if err == nil {
				err = ErrUserInfoFailed
			}
			return fmt.Errorf("%s: %w", op, err)
		}
	} else {
		if !isRenew {
			raw, _ := json.Marshal(outcome.DecodedIDToken)
			f.session.SetUserData(string(raw))
			f.renew.Start()
		}
		f.session.SetSessionState(result.SessionState())
	}

	f.emitResult(ResultAuthorized)
	if !f.config.TriggerAuthorizationResultEvent && !isRenew && f.nav != nil {
		f.nav.NavigateRoute(f.config.StartupRoute)
	}
	return nil
}

// concludeFailure applies the fail-closed path shared by every callback
// failure: full reset, renewal flag cleared, unauthorized result announced.
func (f *Flow) concludeFailure(isRenew bool) {
	f.ResetAuthorizationData(false)
	f.session.SetSilentRenewRunning(false)
	f.emitResult(ResultUnauthorized)
	if !f.config.TriggerAuthorizationResultEvent && !isRenew && f.nav != nil {
		f.nav.NavigateRoute(f.config.UnauthorizedRoute)
	}
}

// completeUserInfo finishes a successful callback when auto userinfo is
// enabled.  In the token-bearing flow the userinfo document is fetched and
// its sub cross-checked against the id_token; a mismatch resets the session.
// The id_token-only flow uses the decoded claims directly.
func (f *Flow) completeUserInfo(ctx context.Context, isRenew bool, result CallbackResult, outcome ValidationOutcome) (bool, error) {
	if f.config.ResponseType == ResponseTypeIDTokenToken {
		if isRenew {
			f.session.SetSessionState(result.SessionState())
			return true, nil
		}
		data, status, err := f.fetchUserInfo(ctx)
		if err != nil {
			f.HandleError(status)
			return false, err
		}
		idTokenSub, _ := outcome.DecodedIDToken["sub"].(string)
		userDataSub, _ := data["sub"].(string)
		if idTokenSub != userDataSub {
			f.logger.Warn("user data sub does not match sub in id_token")
			f.ResetAuthorizationData(false)
			return false, nil
		}
		raw, _ := json.Marshal(data)
		f.session.SetUserData(string(raw))
		f.session.SetSessionState(result.SessionState())
		f.renew.Start()
		return true, nil
	}

	// id_token flow: no access token, the decoded claims are the user data
	raw, _ := json.Marshal(outcome.DecodedIDToken)
	f.session.SetUserData(string(raw))
	f.session.SetSessionState(result.SessionState())
	if !isRenew {
		f.renew.Start()
	}
	return true, nil
}

// RefreshSession starts a silent renewal: fresh nonce, prompt=none, hidden
// iframe.  It does not wait for the result; completion re-enters through
// AuthorizedCallback.
func (f *Flow) RefreshSession(ctx context.Context) error {
	const op = "Flow.RefreshSession"
	if f.bridge == nil {
		return fmt.Errorf("%s: %w", op, ErrBridgeUnavailable)
	}
	if !f.session.BeginSilentRenew() {
		f.logger.Debug("silent renew already running")
		return nil
	}
	f.logger.Debug("begin refresh session authorize")

	state := f.session.AuthStateControl()
	if state == "" {
		var err error
		state, err = NewState()
		if err != nil {
			f.session.SetSilentRenewRunning(false)
			return fmt.Errorf("%s: %w", op, err)
		}
		f.session.SetAuthStateControl(state)
	}
	nonce, err := NewNonce()
	if err != nil {
		f.session.SetSilentRenewRunning(false)
		return fmt.Errorf("%s: %w", op, err)
	}
	f.session.SetAuthNonce(nonce)

	renewURL, err := AuthorizeURL(f.wellKnown.AuthorizationEndpoint, nonce, state, f.config, f.session.CustomRequestParams(), WithPrompt("none"))
	if err != nil {
		f.session.SetSilentRenewRunning(false)
		return fmt.Errorf("%s: %w", op, err)
	}
	frame, err := f.bridge.RenewFrame()
	if err != nil {
		f.session.SetSilentRenewRunning(false)
		return fmt.Errorf("%s: unable to provision renew frame: %w", op, err)
	}
	go func() {
		if err := frame.Navigate(renewURL); err != nil {
			f.logger.Error("silent renew navigation failed", "err", err)
		}
	}()
	return nil
}

// Logoff ends the session.  With an end_session_endpoint the logoff URL
// (id_token_hint + post_logout_redirect_uri) is driven through the hidden
// iframe in a silent round trip, unless the server session already changed,
// in which case only local cleanup is needed.  Without one, only local state
// is cleared.  The silent-renew watcher stops either way.
func (f *Flow) Logoff(ctx context.Context) error {
	const op = "Flow.Logoff"
	f.logger.Debug("begin logoff")
	f.renew.Stop()

	if f.wellKnown.EndSessionEndpoint == "" {
		f.ResetAuthorizationData(false)
		f.logger.Debug("only local login cleaned up, no end_session_endpoint")
		return nil
	}

	endSessionURL, err := EndSessionURL(f.wellKnown.EndSessionEndpoint, f.session.IDToken(), f.config)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	serverSessionChanged := f.session.CheckSessionChanged()
	f.ResetAuthorizationData(false)

	if f.config.StartCheckSession && serverSessionChanged {
		f.logger.Debug("only local login cleaned up, server session has changed")
		return nil
	}
	if f.bridge == nil {
		return fmt.Errorf("%s: %w", op, ErrBridgeUnavailable)
	}
	frame, err := f.bridge.RenewFrame()
	if err != nil {
		return fmt.Errorf("%s: unable to provision logout frame: %w", op, err)
	}
	if err := frame.Navigate(endSessionURL); err != nil {
		return fmt.Errorf("%s: silent logout navigation failed: %w", op, err)
	}
	return nil
}

// ResetAuthorizationData clears the session.  When isRenew is true it is a
// no-op so a failing renewal cannot wipe a session update in flight.
func (f *Flow) ResetAuthorizationData(isRenew bool) {
	f.session.Reset(isRenew)
}

// HandleError maps a transport status onto the session and navigation: 401
// resets the session (unless a renewal is in flight) and navigates to the
// unauthorized route, 403 navigates to the forbidden route.  In event-only
// mode an unauthorized result is announced instead of navigating.
func (f *Flow) HandleError(status int) {
	switch status {
	case http.StatusForbidden:
		if f.config.TriggerAuthorizationResultEvent {
			f.emitResult(ResultUnauthorized)
		} else if f.nav != nil {
			f.nav.NavigateRoute(f.config.ForbiddenRoute)
		}
	case http.StatusUnauthorized:
		f.ResetAuthorizationData(f.session.SilentRenewRunning())
		if f.config.TriggerAuthorizationResultEvent {
			f.emitResult(ResultUnauthorized)
		} else if f.nav != nil {
			f.nav.NavigateRoute(f.config.UnauthorizedRoute)
		}
	}
}

// getSigningKeys fetches the provider's JWKS document.  Keys are fetched
// fresh for every callback to tolerate key rotation.
func (f *Flow) getSigningKeys(ctx context.Context) (*jwt.StaticKeySet, error) {
	const op = "Flow.getSigningKeys"
	f.logger.Debug("fetching signing keys", "jwks_uri", f.wellKnown.JWKSURI)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.wellKnown.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrKeyFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: jwks_uri returned %d: %w", op, resp.StatusCode, ErrKeyFetchFailed)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read JWKS response: %w", op, err)
	}
	keys, err := jwt.NewStaticKeySet(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return keys, nil
}

// IsAuthorized reports whether the session holds validated tokens.
func (f *Flow) IsAuthorized() bool {
	return f.session.IsAuthorized()
}

// IsLoading reports whether a callback is currently being processed.
func (f *Flow) IsLoading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLoading
}

// Token returns the access token, URL-decoded.  It is empty unless the
// session is authorized.
func (f *Flow) Token() string {
	if !f.session.IsAuthorized() {
		return ""
	}
	return unescape(f.session.AccessToken())
}

// IDToken returns the id_token, URL-decoded.  It is empty unless the session
// is authorized.
func (f *Flow) IDToken() string {
	if !f.session.IsAuthorized() {
		return ""
	}
	return unescape(f.session.IDToken())
}

// UserData returns the user data JSON captured by the last successful
// callback.
func (f *Flow) UserData() string {
	return f.session.UserData()
}

// PayloadFromIDToken returns the decoded claims of the current id_token.
func (f *Flow) PayloadFromIDToken() map[string]interface{} {
	return jwt.ParsePayload(f.IDToken())
}

// State returns the engine's current state correlation value.
func (f *Flow) State() string {
	return f.session.AuthStateControl()
}

// SetState overrides the state correlation value used for the next
// authorization request.
func (f *Flow) SetState(state string) {
	f.session.SetAuthStateControl(state)
}

// SetCustomRequestParameters stores parameters appended verbatim to every
// authorization request.
func (f *Flow) SetCustomRequestParameters(params map[string]string) error {
	return f.session.SetCustomRequestParams(params)
}

// CheckSessionChanged reports whether the check-session watcher has detected
// a server-side session change.
func (f *Flow) CheckSessionChanged() bool {
	return f.session.CheckSessionChanged()
}

// Session exposes the underlying session state.
func (f *Flow) Session() *Session {
	return f.session
}

// CheckSession exposes the check-session watcher so hosts can feed it
// browser messages.
func (f *Flow) CheckSession() *CheckSessionMonitor {
	return f.checkSession
}

func unescape(token string) string {
	unescaped, err := url.QueryUnescape(token)
	if err != nil {
		return token
	}
	return unescaped
}
