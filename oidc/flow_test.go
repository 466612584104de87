package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFlow wires a Flow against a running TestProvider with fake browser
// collaborators.
func testFlow(t *testing.T, modify func(*Config), opt ...Option) (*Flow, *TestProvider, *FakeBridge, *FakeNavigator) {
	t.Helper()
	require := require.New(t)

	p := StartTestProvider(t)
	c := &Config{
		STSServer:    p.Addr(),
		ClientID:     "test-client",
		RedirectURL:  "https://rp.example.com/callback",
		ResponseType: ResponseTypeIDTokenToken,
		Scope:        "openid profile",
	}
	if modify != nil {
		modify(c)
	}

	wk, err := Discover(context.Background(), p.Addr(), WithHTTPClient(p.HTTPClient()))
	require.NoError(err)

	bridge := NewFakeBridge()
	nav := NewFakeNavigator()
	opt = append([]Option{
		WithHTTPClient(p.HTTPClient()),
		WithLogger(hclog.NewNullLogger()),
	}, opt...)
	f, err := NewFlow(c, wk, NewMemoryStorage(), bridge, nav, opt...)
	require.NoError(err)
	t.Cleanup(f.Done)
	return f, p, bridge, nav
}

// authorizeAndCallback drives a full login round trip through the fake
// navigator and returns the tokens that were committed.
func authorizeAndCallback(t *testing.T, f *Flow, p *TestProvider, nav *FakeNavigator) (accessToken, idToken string) {
	t.Helper()
	require := require.New(t)

	require.NoError(f.Authorize())
	redirects := nav.Redirects()
	require.Len(redirects, 1)

	u, err := url.Parse(redirects[0])
	require.NoError(err)
	nonce := u.Query().Get("nonce")
	state := u.Query().Get("state")
	require.NotEmpty(nonce)
	require.NotEmpty(state)

	accessToken = "test-access-token"
	claims := TestStandardClaims(p.Addr(), "test-client", nonce, time.Now())
	claims["at_hash"] = TestAtHash(accessToken)
	idToken = p.SignIDToken(claims)
	p.SetExpectedAccessToken(accessToken)

	fragment := fmt.Sprintf("#id_token=%s&access_token=%s&token_type=Bearer&state=%s&session_state=ss1", idToken, accessToken, state)
	require.NoError(f.AuthorizedCallback(context.Background(), fragment))
	return accessToken, idToken
}

func TestFlow_Authorize(t *testing.T) {
	t.Parallel()
	t.Run("redirect", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, _, nav := testFlow(t, nil)

		require.NoError(f.Authorize())
		redirects := nav.Redirects()
		require.Len(redirects, 1)
		u, err := url.Parse(redirects[0])
		require.NoError(err)
		assert.Equal(p.Addr()+"/auth", u.Scheme+"://"+u.Host+u.Path)
		assert.Equal(ResponseTypeIDTokenToken, u.Query().Get("response_type"))
		assert.Equal("test-client", u.Query().Get("client_id"))
	})
	t.Run("state-reused-across-retries", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, _, _, nav := testFlow(t, nil)

		require.NoError(f.Authorize())
		require.NoError(f.Authorize())
		redirects := nav.Redirects()
		require.Len(redirects, 2)
		u1, _ := url.Parse(redirects[0])
		u2, _ := url.Parse(redirects[1])
		assert.Equal(u1.Query().Get("state"), u2.Query().Get("state"))
		assert.NotEqual(u1.Query().Get("nonce"), u2.Query().Get("nonce"))
	})
	t.Run("authentication-scheme", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, _, _, nav := testFlow(t, nil)

		require.NoError(f.Authorize(WithAuthenticationScheme("corp-idp")))
		u, err := url.Parse(nav.Redirects()[0])
		require.NoError(err)
		assert.Equal("corp-idp", u.Query().Get("authenticationScheme"))
	})
	t.Run("custom-request-parameters", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, _, _, nav := testFlow(t, nil)

		require.NoError(f.SetCustomRequestParameters(map[string]string{"acr_values": "mfa"}))
		require.NoError(f.Authorize())
		u, err := url.Parse(nav.Redirects()[0])
		require.NoError(err)
		assert.Equal("mfa", u.Query().Get("acr_values"))
	})
	t.Run("popup", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, _, bridge, nav := testFlow(t, nil)

		require.NoError(f.Authorize(WithPopup("login")))
		assert.NotEmpty(bridge.PopupURL())
		assert.Empty(nav.Redirects())
	})
}

func TestFlow_AuthorizedCallback(t *testing.T) {
	t.Parallel()
	t.Run("success", func(t *testing.T) {
		assert := assert.New(t)
		f, p, _, nav := testFlow(t, nil)

		var results []AuthorizationResult
		f.OnAuthorizationResult(func(r AuthorizationResult) { results = append(results, r) })

		accessToken, idToken := authorizeAndCallback(t, f, p, nav)

		assert.True(f.IsAuthorized())
		assert.Equal(accessToken, f.Token())
		assert.Equal(idToken, f.IDToken())
		assert.Equal("alice@example.com", f.PayloadFromIDToken()["sub"])
		assert.Equal("ss1", f.Session().SessionState())
		assert.False(f.Session().SilentRenewRunning())
		assert.NotEmpty(f.UserData())
		assert.Equal([]AuthorizationResult{ResultAuthorized}, results)
		assert.Contains(nav.Routes(), "/")
		assert.False(f.IsLoading())
	})
	t.Run("validation-failure-resets", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, _, nav := testFlow(t, nil)

		var results []AuthorizationResult
		f.OnAuthorizationResult(func(r AuthorizationResult) { results = append(results, r) })

		require.NoError(f.Authorize())
		claims := TestStandardClaims(p.Addr(), "test-client", "Nwrong-nonce", time.Now())
		fragment := "#id_token=" + p.SignIDToken(claims) + "&state=" + f.State()

		err := f.AuthorizedCallback(context.Background(), fragment)
		require.ErrorIs(err, ErrValidationFailed)
		assert.False(f.IsAuthorized())
		assert.Empty(f.Token())
		assert.Equal([]AuthorizationResult{ResultUnauthorized}, results)
		assert.Contains(nav.Routes(), "/unauthorized")
	})
	t.Run("error-response", func(t *testing.T) {
		require := require.New(t)
		f, _, _, _ := testFlow(t, nil)
		require.NoError(f.Authorize())
		err := f.AuthorizedCallback(context.Background(), "#error=access_denied&state="+f.State())
		require.ErrorIs(err, ErrValidationFailed)
		require.False(f.IsAuthorized())
	})
	t.Run("event-only-mode-suppresses-navigation", func(t *testing.T) {
		assert := assert.New(t)
		f, p, _, nav := testFlow(t, func(c *Config) { c.TriggerAuthorizationResultEvent = true })
		authorizeAndCallback(t, f, p, nav)
		assert.Empty(nav.Routes())
	})
	t.Run("reentry-rejected", func(t *testing.T) {
		require := require.New(t)
		f, _, _, _ := testFlow(t, nil)
		f.mu.Lock()
		f.inCallback = true
		f.mu.Unlock()
		err := f.AuthorizedCallback(context.Background(), "#state=x")
		require.ErrorIs(err, ErrCallbackInProgress)
	})
}

func TestFlow_AutoUserInfo(t *testing.T) {
	t.Parallel()
	t.Run("fetches-and-commits", func(t *testing.T) {
		assert := assert.New(t)
		f, p, _, nav := testFlow(t, func(c *Config) { c.AutoUserInfo = true })

		authorizeAndCallback(t, f, p, nav)

		assert.True(f.IsAuthorized())
		var data map[string]interface{}
		assert.NoError(json.Unmarshal([]byte(f.UserData()), &data))
		assert.Equal("alice@example.com", data["sub"])
		assert.Equal("red", data["color"])
	})
	t.Run("sub-mismatch-resets", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, _, nav := testFlow(t, func(c *Config) { c.AutoUserInfo = true })
		p.SetUserInfoReply(map[string]interface{}{"sub": "mallory@example.com"})

		require.NoError(f.Authorize())
		u, err := url.Parse(nav.Redirects()[0])
		require.NoError(err)
		accessToken := "test-access-token"
		claims := TestStandardClaims(p.Addr(), "test-client", u.Query().Get("nonce"), time.Now())
		claims["at_hash"] = TestAtHash(accessToken)
		fragment := fmt.Sprintf("#id_token=%s&access_token=%s&state=%s&session_state=ss1",
			p.SignIDToken(claims), accessToken, u.Query().Get("state"))

		err = f.AuthorizedCallback(context.Background(), fragment)
		require.Error(err)
		assert.False(f.IsAuthorized())
		assert.Empty(f.UserData())
	})
	t.Run("id-token-only-uses-claims", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, _, nav := testFlow(t, func(c *Config) {
			c.AutoUserInfo = true
			c.ResponseType = ResponseTypeIDToken
		})

		require.NoError(f.Authorize())
		u, err := url.Parse(nav.Redirects()[0])
		require.NoError(err)
		claims := TestStandardClaims(p.Addr(), "test-client", u.Query().Get("nonce"), time.Now())
		fragment := "#id_token=" + p.SignIDToken(claims) + "&state=" + u.Query().Get("state") + "&session_state=ss1"
		require.NoError(f.AuthorizedCallback(context.Background(), fragment))

		assert.True(f.IsAuthorized())
		var data map[string]interface{}
		require.NoError(json.Unmarshal([]byte(f.UserData()), &data))
		assert.Equal("alice@example.com", data["sub"])
	})
}

func TestFlow_RefreshSession(t *testing.T) {
	t.Parallel()
	t.Run("navigates-renew-frame", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, _, bridge, _ := testFlow(t, nil)

		require.NoError(f.RefreshSession(context.Background()))
		assert.True(f.Session().SilentRenewRunning())

		require.Eventually(func() bool {
			return len(bridge.Renew().Navigations()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		u, err := url.Parse(bridge.Renew().Navigations()[0])
		require.NoError(err)
		assert.Equal("none", u.Query().Get("prompt"))
		assert.NotEmpty(u.Query().Get("nonce"))
	})
	t.Run("second-call-is-noop", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, _, bridge, _ := testFlow(t, nil)

		require.NoError(f.RefreshSession(context.Background()))
		require.NoError(f.RefreshSession(context.Background()))
		require.Eventually(func() bool {
			return len(bridge.Renew().Navigations()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Len(bridge.Renew().Navigations(), 1)
	})
	t.Run("renew-callback-keeps-user-data", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, bridge, nav := testFlow(t, nil)

		authorizeAndCallback(t, f, p, nav)
		userData := f.UserData()
		routesBefore := len(nav.Routes())

		require.NoError(f.RefreshSession(context.Background()))
		require.Eventually(func() bool {
			return len(bridge.Renew().Navigations()) == 1
		}, 2*time.Second, 10*time.Millisecond)

		u, err := url.Parse(bridge.Renew().Navigations()[0])
		require.NoError(err)
		accessToken := "renewed-access-token"
		claims := TestStandardClaims(p.Addr(), "test-client", u.Query().Get("nonce"), time.Now())
		claims["at_hash"] = TestAtHash(accessToken)
		fragment := fmt.Sprintf("#id_token=%s&access_token=%s&state=%s&session_state=ss2",
			p.SignIDToken(claims), accessToken, u.Query().Get("state"))
		require.NoError(f.AuthorizedCallback(context.Background(), fragment))

		assert.True(f.IsAuthorized())
		assert.Equal(accessToken, f.Token())
		assert.Equal(userData, f.UserData())
		assert.False(f.Session().SilentRenewRunning())
		assert.Equal("ss2", f.Session().SessionState())
		// a renewal never navigates the app
		assert.Len(nav.Routes(), routesBefore)
	})
}

func TestFlow_Logoff(t *testing.T) {
	t.Parallel()
	t.Run("silent-logout-round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, bridge, nav := testFlow(t, nil)

		_, idToken := authorizeAndCallback(t, f, p, nav)
		require.NoError(f.Logoff(context.Background()))

		assert.False(f.IsAuthorized())
		navs := bridge.Renew().Navigations()
		require.Len(navs, 1)
		u, err := url.Parse(navs[0])
		require.NoError(err)
		assert.Equal("/endsession", u.Path)
		assert.Equal(idToken, u.Query().Get("id_token_hint"))
	})
	t.Run("server-session-changed-skips-round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, bridge, nav := testFlow(t, func(c *Config) { c.StartCheckSession = true })

		authorizeAndCallback(t, f, p, nav)
		f.Session().SetCheckSessionChanged(true)
		navsBefore := len(bridge.Renew().Navigations())

		require.NoError(f.Logoff(context.Background()))
		assert.False(f.IsAuthorized())
		assert.Len(bridge.Renew().Navigations(), navsBefore)
	})
	t.Run("no-end-session-endpoint", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f, p, bridge, nav := testFlow(t, nil)
		f.wellKnown.EndSessionEndpoint = ""

		authorizeAndCallback(t, f, p, nav)
		require.NoError(f.Logoff(context.Background()))
		assert.False(f.IsAuthorized())
		assert.Empty(bridge.Renew().Navigations())
	})
}

func TestFlow_HandleError(t *testing.T) {
	t.Parallel()
	t.Run("forbidden", func(t *testing.T) {
		assert := assert.New(t)
		f, _, _, nav := testFlow(t, nil)
		f.HandleError(http.StatusForbidden)
		assert.Contains(nav.Routes(), "/forbidden")
	})
	t.Run("unauthorized-resets", func(t *testing.T) {
		assert := assert.New(t)
		f, p, _, nav := testFlow(t, nil)
		authorizeAndCallback(t, f, p, nav)

		f.HandleError(http.StatusUnauthorized)
		assert.False(f.IsAuthorized())
		assert.Contains(nav.Routes(), "/unauthorized")
	})
	t.Run("event-only-mode", func(t *testing.T) {
		assert := assert.New(t)
		f, _, _, nav := testFlow(t, func(c *Config) { c.TriggerAuthorizationResultEvent = true })
		var results []AuthorizationResult
		f.OnAuthorizationResult(func(r AuthorizationResult) { results = append(results, r) })

		f.HandleError(http.StatusForbidden)
		f.HandleError(http.StatusUnauthorized)
		assert.Empty(nav.Routes())
		assert.Len(results, 2)
	})
	t.Run("other-status-ignored", func(t *testing.T) {
		assert := assert.New(t)
		f, _, _, nav := testFlow(t, nil)
		f.HandleError(http.StatusInternalServerError)
		assert.Empty(nav.Routes())
	})
}

func TestFlow_Getters(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, _, _, _ := testFlow(t, nil)

	assert.False(f.IsAuthorized())
	assert.Empty(f.Token())
	assert.Empty(f.IDToken())
	assert.Empty(f.UserData())
	assert.Empty(f.PayloadFromIDToken())
	assert.False(f.IsLoading())
	assert.False(f.CheckSessionChanged())

	f.SetState("pre-set-state")
	assert.Equal("pre-set-state", f.State())
}

func TestNewFlow(t *testing.T) {
	t.Parallel()
	t.Run("nil-config", func(t *testing.T) {
		require := require.New(t)
		_, err := NewFlow(nil, testWellKnown(), nil, nil, nil)
		require.ErrorIs(err, ErrNilParameter)
	})
	t.Run("invalid-config", func(t *testing.T) {
		require := require.New(t)
		c := testConfig(t)
		c.ClientID = ""
		_, err := NewFlow(c, testWellKnown(), nil, nil, nil)
		require.Error(err)
	})
	t.Run("nil-endpoints", func(t *testing.T) {
		require := require.New(t)
		_, err := NewFlow(testConfig(t), nil, nil, nil, nil)
		require.ErrorIs(err, ErrEndpointsNotLoaded)
	})
	t.Run("persists-endpoints", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		storage := NewMemoryStorage()
		f, err := NewFlow(testConfig(t), testWellKnown(), storage, nil, nil, WithLogger(hclog.NewNullLogger()))
		require.NoError(err)
		t.Cleanup(f.Done)

		raw, ok := storage.Read(StorageWellKnownEndpoints)
		require.True(ok)
		var wk WellKnownEndpoints
		require.NoError(json.Unmarshal([]byte(raw), &wk))
		assert.Equal(testIssuer, wk.Issuer)
	})
	t.Run("resumes-valid-persisted-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		storage := NewMemoryStorage()
		session, err := NewSession(storage)
		require.NoError(err)
		live := p.SignIDToken(map[string]interface{}{
			"sub": "alice@example.com",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(session.SetAuthorizationData("access", live))

		f, err := NewFlow(testConfig(t), testWellKnown(), storage, nil, nil, WithLogger(hclog.NewNullLogger()))
		require.NoError(err)
		t.Cleanup(f.Done)
		assert.True(f.IsAuthorized())
		assert.Equal(live, f.IDToken())
	})
	t.Run("clears-expired-persisted-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		storage := NewMemoryStorage()
		session, err := NewSession(storage)
		require.NoError(err)
		dead := p.SignIDToken(map[string]interface{}{
			"sub": "alice@example.com",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		require.NoError(session.SetAuthorizationData("access", dead))

		f, err := NewFlow(testConfig(t), testWellKnown(), storage, nil, nil, WithLogger(hclog.NewNullLogger()))
		require.NoError(err)
		t.Cleanup(f.Done)
		assert.False(f.IsAuthorized())
		assert.Empty(f.IDToken())
	})
	t.Run("bridge-required-for-popup", func(t *testing.T) {
		require := require.New(t)
		f, err := NewFlow(testConfig(t), testWellKnown(), nil, nil, nil, WithLogger(hclog.NewNullLogger()))
		require.NoError(err)
		t.Cleanup(f.Done)
		require.ErrorIs(f.Authorize(WithPopup("login")), ErrBridgeUnavailable)
	})
}
