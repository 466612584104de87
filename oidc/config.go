package oidc

import (
	"fmt"
	"net/url"

	"github.com/hashicorp/go-multierror"
)

// The implicit flow supports exactly two response types.
const (
	ResponseTypeIDToken      = "id_token"
	ResponseTypeIDTokenToken = "id_token token"
)

// Config is the relying party configuration for an implicit flow.  It is
// read-only to the engine once a Flow has been constructed.
type Config struct {
	// STSServer is the origin of the identity provider.  Check-session
	// messages from any other origin are discarded.
	STSServer string

	// ClientID is the relying party id registered at the provider.
	ClientID string

	// RedirectURL is the URL the provider redirects back to with the token
	// fragment.
	RedirectURL string

	// ResponseType must be ResponseTypeIDToken or ResponseTypeIDTokenToken.
	ResponseType string

	// Scope is the space separated scope parameter, e.g. "openid profile".
	Scope string

	// Resource is an optional resource parameter for the authorization
	// request.
	Resource string

	// HDParam is an optional hosted domain hint for the authorization
	// request.
	HDParam string

	// PostLogoutRedirectURI is sent with the end-session request.
	PostLogoutRedirectURI string

	// StartupRoute, ForbiddenRoute and UnauthorizedRoute are application
	// routes handed to the Navigator after a callback or transport failure.
	StartupRoute      string
	ForbiddenRoute    string
	UnauthorizedRoute string

	// AutoUserInfo fetches the userinfo document after a successful callback
	// and cross-checks its sub claim against the id_token.
	AutoUserInfo bool

	// SilentRenew enables the silent renewal watcher.
	SilentRenew bool

	// SilentRenewOffsetSeconds treats the id_token as expired this many
	// seconds before its exp claim, so renewal starts while the session is
	// still valid.
	SilentRenewOffsetSeconds int

	// StartCheckSession enables the check-session watcher.
	StartCheckSession bool

	// MaxIDTokenIATOffsetSeconds is the maximum accepted age of an
	// id_token's iat claim.
	MaxIDTokenIATOffsetSeconds int

	// TriggerAuthorizationResultEvent suppresses post-callback navigation;
	// the host reacts to the authorization result event instead.
	TriggerAuthorizationResultEvent bool
}

// Validate the relying party configuration.  All field problems are reported
// together.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	if c.RedirectURL == "" {
		result = multierror.Append(result, fmt.Errorf("redirect URL is empty: %w", ErrInvalidParameter))
	} else if _, err := url.Parse(c.RedirectURL); err != nil {
		result = multierror.Append(result, fmt.Errorf("redirect URL %s is invalid: %w", c.RedirectURL, err))
	}
	if c.ResponseType != ResponseTypeIDToken && c.ResponseType != ResponseTypeIDTokenToken {
		result = multierror.Append(result, fmt.Errorf("response_type %q: %w", c.ResponseType, ErrUnsupportedResponseType))
	}
	if c.Scope == "" {
		result = multierror.Append(result, fmt.Errorf("scope is empty: %w", ErrInvalidParameter))
	}
	if c.MaxIDTokenIATOffsetSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("max id_token iat offset is negative: %w", ErrInvalidParameter))
	}
	if c.SilentRenewOffsetSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("silent renew offset is negative: %w", ErrInvalidParameter))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// withDefaults fills the route and iat-offset fields a host usually leaves
// zero.
func (c *Config) withDefaults() {
	if c.StartupRoute == "" {
		c.StartupRoute = "/"
	}
	if c.ForbiddenRoute == "" {
		c.ForbiddenRoute = "/forbidden"
	}
	if c.UnauthorizedRoute == "" {
		c.UnauthorizedRoute = "/unauthorized"
	}
	if c.MaxIDTokenIATOffsetSeconds == 0 {
		c.MaxIDTokenIATOffsetSeconds = 3
	}
}
