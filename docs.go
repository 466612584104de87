// implicitflow provides a client-side engine for the OpenID Connect Implicit
// Flow: building authorization requests, validating id_tokens and access
// tokens, tracking authenticated session state, and keeping that session
// fresh via silent renewal and check-session monitoring.
//
// See README.md
package implicitflow
