// Package jwt provides decoding and signature verification for the JWTs
// received in an OIDC implicit flow response.  Decoding and verification are
// deliberately separate operations: the claim checks a relying party runs
// need the payload before the signature has been verified, and the signature
// check itself must be driven by the JOSE header.
package jwt

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// ParsePayload returns the claims from the token's payload segment without
// verifying the signature.  A malformed segment yields an empty claim set,
// never an error.
func ParsePayload(token string) map[string]interface{} {
	return decodeSegment(token, 1)
}

// ParseHeader returns the token's JOSE header without verifying the
// signature.  A malformed segment yields an empty header, never an error.
func ParseHeader(token string) map[string]interface{} {
	return decodeSegment(token, 0)
}

// decodeSegment base64url-decodes segment idx of a compact-serialized JWT and
// unmarshals it as JSON.  Any failure returns an empty map.
func decodeSegment(token string, idx int) map[string]interface{} {
	data := map[string]interface{}{}
	segments := strings.Split(token, ".")
	if idx >= len(segments) {
		return data
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segments[idx], "="))
	if err != nil {
		return data
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]interface{}{}
	}
	return data
}

// ExpirationTime returns the token's exp claim as a UTC time.  The second
// return value reports whether the claim was present and numeric.
func ExpirationTime(claims map[string]interface{}) (time.Time, bool) {
	return numericDate(claims, "exp")
}

// IssuedAt returns the token's iat claim as a UTC time.  The second return
// value reports whether the claim was present and numeric.
func IssuedAt(claims map[string]interface{}) (time.Time, bool) {
	return numericDate(claims, "iat")
}

func numericDate(claims map[string]interface{}, name string) (time.Time, bool) {
	v, ok := claims[name]
	if !ok {
		return time.Time{}, false
	}
	secs, ok := v.(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0).UTC(), true
}

// NotExpired reports whether the exp claim is strictly after now plus any
// WithExpirySkew offset.  A missing exp claim reports false.  Supported
// options: WithNow, WithExpirySkew.
func NotExpired(claims map[string]interface{}, opt ...Option) bool {
	exp, ok := ExpirationTime(claims)
	if !ok {
		return false
	}
	opts := getOpts(opt...)
	return exp.After(opts.withNowFunc().Add(opts.withExpirySkew))
}

// IsExpired decodes the token's payload and reports whether it has expired.
// It is the logical negation of NotExpired over the decoded claims.
// Supported options: WithNow, WithExpirySkew.
func IsExpired(token string, opt ...Option) bool {
	return !NotExpired(ParsePayload(token), opt...)
}

// AtHash computes the at_hash value for an access token: the base64url
// encoding of the left half of the SHA-256 hash of the token's ASCII octets.
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// ValidAtHash reports whether atHash matches the hash of accessToken.  The
// access token arrives percent-encoded in a fragment, so a failed match is
// retried against the unescaped token.
func ValidAtHash(accessToken, atHash string) bool {
	if AtHash(accessToken) == atHash {
		return true
	}
	unescaped, err := url.QueryUnescape(accessToken)
	if err != nil || unescaped == accessToken {
		return false
	}
	return AtHash(unescaped) == atHash
}
