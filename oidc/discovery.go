package oidc

import (
	"context"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
)

// WellKnownEndpoints is the provider metadata from the OIDC discovery
// document.  It is immutable once loaded and shared by every component of
// the engine.
type WellKnownEndpoints struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	CheckSessionIframe    string `json:"check_session_iframe,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`
}

// discoveryOptions is the set of available options for Discover.
type discoveryOptions struct {
	withLogger     hclog.Logger
	withHTTPClient *http.Client
	withProviderCA string
}

func discoveryDefaults() discoveryOptions {
	return discoveryOptions{}
}

func getDiscoveryOpts(opt ...Option) discoveryOptions {
	opts := discoveryDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// Discover fetches the provider's discovery document from
// issuer/.well-known/openid-configuration, verifying that the document's
// issuer matches.  The full document is captured, including the
// session-management endpoints the implicit flow needs
// (check_session_iframe, end_session_endpoint).
//
// Supported options: WithHTTPClient, WithProviderCA, WithLogger.
func Discover(ctx context.Context, issuer string, opt ...Option) (*WellKnownEndpoints, error) {
	const op = "oidc.Discover"
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	opts := getDiscoveryOpts(opt...)

	client := opts.withHTTPClient
	if client == nil {
		var err error
		client, err = newHTTPClient(opts.withProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}

	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to load discovery document: %w", op, err)
	}

	var wk WellKnownEndpoints
	if err := provider.Claims(&wk); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document: %w", op, err)
	}
	if err := wk.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &wk, nil
}

func (wk *WellKnownEndpoints) validate() error {
	if wk == nil {
		return fmt.Errorf("endpoints are nil: %w", ErrNilParameter)
	}
	switch {
	case wk.Issuer == "":
		return fmt.Errorf("issuer is empty: %w", ErrInvalidParameter)
	case wk.JWKSURI == "":
		return fmt.Errorf("jwks_uri is empty: %w", ErrInvalidParameter)
	case wk.AuthorizationEndpoint == "":
		return fmt.Errorf("authorization_endpoint is empty: %w", ErrInvalidParameter)
	}
	return nil
}
