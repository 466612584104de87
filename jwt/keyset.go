package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	jose "gopkg.in/square/go-jose.v2"
)

var (
	ErrUnsupportedAlg   = errors.New("unsupported signing algorithm")
	ErrNoMatchingKey    = errors.New("no matching signing key")
	ErrAmbiguousKeys    = errors.New("multiple candidate signing keys")
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeySet represents a set of keys that can be used to verify the signatures
// of JWTs.
type KeySet interface {

	// VerifySignature parses the given JWT, verifies its signature, and
	// returns the claims in its payload.
	VerifySignature(ctx context.Context, token string) (claims map[string]interface{}, err error)
}

// StaticKeySet verifies JWT signatures against a JSON Web Key Set supplied at
// construction.  The implicit flow fetches the set fresh from the provider's
// jwks_uri for every callback, so the set is never refreshed in place.
type StaticKeySet struct {
	keys jose.JSONWebKeySet
}

// ensure that StaticKeySet implements the KeySet interface
var _ KeySet = (*StaticKeySet)(nil)

// NewStaticKeySet returns a KeySet backed by the JWKS document in raw.
func NewStaticKeySet(raw []byte) (*StaticKeySet, error) {
	const op = "jwt.NewStaticKeySet"
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%s: unable to parse JWKS document: %w", op, err)
	}
	return &StaticKeySet{keys: keys}, nil
}

// VerifySignature verifies the token's RS256 signature and returns the claims
// in its payload.  The signing key is selected by the token's kid header; a
// token without a kid requires the set to contain exactly one RSA signing
// key.  Any algorithm other than RS256 is rejected.
func (ks *StaticKeySet) VerifySignature(_ context.Context, token string) (map[string]interface{}, error) {
	const op = "StaticKeySet.VerifySignature"
	header := ParseHeader(token)
	if alg, _ := header["alg"].(string); alg != string(jose.RS256) {
		return nil, fmt.Errorf("%s: %q: %w", op, header["alg"], ErrUnsupportedAlg)
	}

	kid, hasKid := header["kid"].(string)
	key, err := ks.selectKey(kid, hasKid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	parsed, err := jose.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token: %w", op, err)
	}
	payload, err := parsed.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSignature)
	}

	claims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal claims: %w", op, err)
	}
	return claims, nil
}

// selectKey applies the implicit-flow key selection rule: a kid selects by
// equality; without a kid the set must hold exactly one key with kty RSA and
// use sig.
func (ks *StaticKeySet) selectKey(kid string, hasKid bool) (jose.JSONWebKey, error) {
	if hasKid {
		for _, k := range ks.keys.Keys {
			if k.KeyID == kid {
				return k, nil
			}
		}
		return jose.JSONWebKey{}, fmt.Errorf("no key with kid %q: %w", kid, ErrNoMatchingKey)
	}

	var candidates []jose.JSONWebKey
	for _, k := range ks.keys.Keys {
		if _, ok := k.Key.(*rsa.PublicKey); ok && k.Use == "sig" {
			candidates = append(candidates, k)
		}
	}
	switch len(candidates) {
	case 0:
		return jose.JSONWebKey{}, fmt.Errorf("no RSA signing keys in set: %w", ErrNoMatchingKey)
	case 1:
		return candidates[0], nil
	default:
		return jose.JSONWebKey{}, fmt.Errorf("no kid in JOSE header and %d RSA signing keys in set: %w", len(candidates), ErrAmbiguousKeys)
	}
}
