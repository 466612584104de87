package oidc

import (
	"fmt"
	"net/url"
	"sort"

	"golang.org/x/oauth2"
)

// requestOptions is the set of available options for AuthorizeURL.
type requestOptions struct {
	withPrompt string
}

func requestDefaults() requestOptions {
	return requestOptions{}
}

func getRequestOpts(opt ...Option) requestOptions {
	opts := requestDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// AuthorizeURL builds the authorization-endpoint URL for an implicit flow
// request.  Any query string already on the endpoint is preserved.  The
// request carries client_id, redirect_uri, response_type, scope, nonce and
// state, the optional prompt/hd/resource parameters, and finally every custom
// parameter verbatim.
//
// Supported options: WithPrompt.
func AuthorizeURL(endpoint, nonce, state string, c *Config, custom map[string]string, opt ...Option) (string, error) {
	const op = "oidc.AuthorizeURL"
	if c == nil {
		return "", fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if endpoint == "" {
		return "", fmt.Errorf("%s: authorization endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if nonce == "" || state == "" {
		return "", fmt.Errorf("%s: nonce or state is empty: %w", op, ErrInvalidParameter)
	}
	opts := getRequestOpts(opt...)

	oauth2Config := oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURL,
		Scopes:      []string{c.Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL: endpoint,
		},
	}

	// AuthCodeURL defaults response_type to "code"; the implicit flow
	// overrides it.
	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", c.ResponseType),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if opts.withPrompt != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", opts.withPrompt))
	}
	if c.HDParam != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("hd", c.HDParam))
	}
	if c.Resource != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("resource", c.Resource))
	}
	for _, k := range sortedKeys(custom) {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, custom[k]))
	}

	return oauth2Config.AuthCodeURL(state, authOpts...), nil
}

// EndSessionURL builds the end-session URL for a logoff round trip, carrying
// id_token_hint and the configured post_logout_redirect_uri.  Any query
// string already on the endpoint is preserved.
func EndSessionURL(endpoint, idTokenHint string, c *Config) (string, error) {
	const op = "oidc.EndSessionURL"
	if c == nil {
		return "", fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if endpoint == "" {
		return "", fmt.Errorf("%s: end session endpoint is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%s: end session endpoint %s is invalid: %w", op, endpoint, err)
	}
	q := u.Query()
	q.Set("id_token_hint", idTokenHint)
	if c.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", c.PostLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
