package oidc

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local server that supports test provider capabilities
// which make writing tests much easier.  It serves a discovery document, a
// JWKS document, a userinfo endpoint and signs RS256 id_tokens for the
// implicit flow.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	keyID   string
	privKey *rsa.PrivateKey
	jwks    *jose.JSONWebKeySet

	mu                  sync.Mutex
	expectedAccessToken string
	replyUserinfo       map[string]interface{}
	disableUserInfo     bool
	disableEndSession   bool
	disableCheckSession bool

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider.  The server is
// stopped via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)

	p := &TestProvider{
		t:       t,
		keyID:   "test-rsa-1",
		privKey: priv,
		replyUserinfo: map[string]interface{}{
			"sub":         "alice@example.com",
			"color":       "red",
			"temperature": "76",
		},
	}
	p.jwks = &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       priv.Public(),
				KeyID:     p.keyID,
				Use:       "sig",
				Algorithm: string(jose.RS256),
			},
		},
	}

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	var buf bytes.Buffer
	err = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the provider's url, which will be used as the issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// HTTPClient returns a client that trusts the provider's certificate.
func (p *TestProvider) HTTPClient() *http.Client {
	p.t.Helper()
	client, err := newHTTPClient(p.caCert)
	require.NoError(p.t, err)
	return client
}

// KeyID returns the kid the provider signs with.
func (p *TestProvider) KeyID() string { return p.keyID }

// JWKS returns the provider's key set as raw JSON for direct key-set
// construction in tests.
func (p *TestProvider) JWKS() []byte {
	p.t.Helper()
	raw, err := json.Marshal(p.jwks)
	require.NoError(p.t, err)
	return raw
}

// SetExpectedAccessToken configures the bearer token the userinfo endpoint
// requires.
func (p *TestProvider) SetExpectedAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAccessToken = token
}

// SetUserInfoReply configures the claims the userinfo endpoint returns.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// DisableUserInfo removes the userinfo endpoint from the discovery reply.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// DisableEndSession removes the end_session_endpoint from the discovery
// reply.
func (p *TestProvider) DisableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSession = true
}

// DisableCheckSession removes the check_session_iframe from the discovery
// reply.
func (p *TestProvider) DisableCheckSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableCheckSession = true
}

// SignIDToken bundles the provided claims into a signed RS256 id_token
// carrying the provider's kid.  Standard claims (iss, aud, exp, iat, nonce)
// are the caller's responsibility so tests can probe every pipeline rule.
func (p *TestProvider) SignIDToken(claims map[string]interface{}) string {
	p.t.Helper()
	require := require.New(p.t)

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.privKey},
		(&jose.SignerOptions{ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": p.keyID}}).WithType("JWT"),
	)
	require.NoError(err)

	raw, err := josejwt.Signed(sig).Claims(claims).CompactSerialize()
	require.NoError(err)
	return raw
}

// TestStandardClaims returns a claim set that passes the whole validation
// pipeline for the given issuer, client and nonce, expiring in an hour.
func TestStandardClaims(issuer, clientID, nonce string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"iss":   issuer,
		"sub":   "alice@example.com",
		"aud":   clientID,
		"exp":   now.Add(1 * time.Hour).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
	}
}

// TestAtHash computes the at_hash claim for an access token the way the
// provider would.
func TestAtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := WellKnownEndpoints{
			Issuer:                p.Addr(),
			AuthorizationEndpoint: p.Addr() + "/auth",
			TokenEndpoint:         p.Addr() + "/token",
			JWKSURI:               p.Addr() + "/jwks",
			UserInfoEndpoint:      p.Addr() + "/userinfo",
			EndSessionEndpoint:    p.Addr() + "/endsession",
			CheckSessionIframe:    p.Addr() + "/checksession",
		}
		if p.disableUserInfo {
			reply.UserInfoEndpoint = ""
		}
		if p.disableEndSession {
			reply.EndSessionEndpoint = ""
		}
		if p.disableCheckSession {
			reply.CheckSessionIframe = ""
		}
		p.writeJSON(w, &reply)

	case "/jwks":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.writeJSON(w, p.jwks)

	case "/userinfo":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		auth := req.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if p.expectedAccessToken != "" && token != p.expectedAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.writeJSON(w, p.replyUserinfo)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) {
	p.t.Helper()
	enc := json.NewEncoder(w)
	require.NoError(p.t, enc.Encode(out))
}

// FakeFrame is a test double for Frame recording every navigation and post.
type FakeFrame struct {
	mu          sync.Mutex
	name        string
	navigated   []string
	posted      []FramePost
	NavigateErr error
}

// FramePost is one recorded Frame.Post call.
type FramePost struct {
	Message      string
	TargetOrigin string
}

// NewFakeFrame creates a FakeFrame whose Handle is its name.
func NewFakeFrame(name string) *FakeFrame {
	return &FakeFrame{name: name}
}

func (f *FakeFrame) Navigate(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *FakeFrame) Post(message, targetOrigin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, FramePost{Message: message, TargetOrigin: targetOrigin})
	return nil
}

func (f *FakeFrame) Handle() FrameHandle { return f.name }

// Navigations returns a copy of every URL the frame was sent to.
func (f *FakeFrame) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigated...)
}

// Posts returns a copy of every message posted into the frame.
func (f *FakeFrame) Posts() []FramePost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FramePost(nil), f.posted...)
}

// FakePopup is a test double for Popup.  Its location is settable so tests
// can simulate the provider redirecting back.
type FakePopup struct {
	mu       sync.Mutex
	location string
	locErr   error
	closed   bool
}

func (p *FakePopup) Location() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, p.locErr
}

func (p *FakePopup) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePopup) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// SetLocation simulates the popup landing on url.
func (p *FakePopup) SetLocation(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.location = url
	p.locErr = err
}

// FakeBridge is a test double for BrowserBridge handing out FakeFrames and a
// FakePopup.
type FakeBridge struct {
	mu            sync.Mutex
	renewFrame    *FakeFrame
	checkFrame    *FakeFrame
	checkFrameSrc string
	popup         *FakePopup
	popupURL      string
}

func NewFakeBridge() *FakeBridge {
	return &FakeBridge{
		renewFrame: NewFakeFrame("renew"),
		checkFrame: NewFakeFrame("check-session"),
		popup:      &FakePopup{},
	}
}

func (b *FakeBridge) RenewFrame() (Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renewFrame, nil
}

func (b *FakeBridge) CheckSessionFrame(src string) (Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkFrameSrc = src
	return b.checkFrame, nil
}

func (b *FakeBridge) OpenPopup(url, title string) (Popup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.popupURL = url
	return b.popup, nil
}

// Renew returns the bridge's renew frame.
func (b *FakeBridge) Renew() *FakeFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renewFrame
}

// Check returns the bridge's check-session frame.
func (b *FakeBridge) Check() *FakeFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkFrame
}

// CheckFrameSrc returns the src the check-session frame was provisioned
// with.
func (b *FakeBridge) CheckFrameSrc() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkFrameSrc
}

// Popup returns the bridge's popup double.
func (b *FakeBridge) Popup() *FakePopup {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popup
}

// PopupURL returns the URL the last popup was opened with.
func (b *FakeBridge) PopupURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popupURL
}

// FakeNavigator is a test double for Navigator recording redirects and route
// navigations.
type FakeNavigator struct {
	mu        sync.Mutex
	redirects []string
	routes    []string
}

func NewFakeNavigator() *FakeNavigator { return &FakeNavigator{} }

func (n *FakeNavigator) Redirect(url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, url)
	return nil
}

func (n *FakeNavigator) NavigateRoute(route string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
	return nil
}

// Redirects returns a copy of every top-level redirect.
func (n *FakeNavigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

// Routes returns a copy of every route navigation.
func (n *FakeNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}
