// Package oidc implements the client side of the OpenID Connect Implicit
// Flow: building authorization requests, validating the tokens delivered on
// the redirect fragment, keeping the resulting session fresh through silent
// renewal and watching the provider's session state.
package oidc
