package oidc

import "strings"

// CallbackResult is the parsed fragment (or query) of an authorization
// response.  Values are kept exactly as they appeared on the wire; tokens
// stay percent-encoded until a caller asks for them decoded.
type CallbackResult map[string]string

// ParseCallback splits an authorization response fragment into a
// CallbackResult.  A leading "#" or "?" is stripped.
func ParseCallback(fragment string) CallbackResult {
	fragment = strings.TrimPrefix(fragment, "#")
	fragment = strings.TrimPrefix(fragment, "?")
	result := CallbackResult{}
	for _, item := range strings.Split(fragment, "&") {
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		} else {
			result[parts[0]] = ""
		}
	}
	return result
}

// State returns the state parameter of the response.
func (r CallbackResult) State() string { return r["state"] }

// Error returns the error parameter of the response, "" when the response is
// not an error response.
func (r CallbackResult) Error() string { return r["error"] }

// IDToken returns the id_token parameter of the response.
func (r CallbackResult) IDToken() string { return r["id_token"] }

// AccessToken returns the access_token parameter of the response.
func (r CallbackResult) AccessToken() string { return r["access_token"] }

// SessionState returns the session_state parameter of the response.
func (r CallbackResult) SessionState() string { return r["session_state"] }
