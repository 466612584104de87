package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/openidconnect/implicitflow/jwt"
)

// Failure reasons reported by a ValidationOutcome.  Each names the first
// rule the response violated.
const (
	FailureErrorResponse    = "error response"
	FailureStateMismatch    = "state mismatch"
	FailureSignature        = "signature"
	FailureNonceMismatch    = "nonce mismatch"
	FailureMissingClaims    = "missing required claims"
	FailureIATTooOld        = "iat too old"
	FailureIssuerMismatch   = "issuer mismatch"
	FailureAudienceMismatch = "audience mismatch"
	FailureExpired          = "token expired"
	FailureAtHashMismatch   = "at_hash mismatch"
)

// ValidationOutcome is the result of running the validation pipeline over a
// callback response.  It is produced once per callback and consumed exactly
// once: a valid outcome commits the session, an invalid one resets it.
type ValidationOutcome struct {
	Valid          bool
	AccessToken    string
	IDToken        string
	DecodedIDToken map[string]interface{}

	// FailureReason names the first violated rule when Valid is false.
	FailureReason string
}

// StateValidator runs the ordered OIDC security check chain over a parsed
// callback response.  The order is a design contract: a response violating
// several rules is always attributed to the earliest one, and no later check
// runs once an earlier one has failed.
type StateValidator struct {
	config    *Config
	wellKnown *WellKnownEndpoints
	session   *Session
	logger    hclog.Logger
	nowFunc   func() time.Time
}

// validatorOptions is the set of available options for NewStateValidator.
type validatorOptions struct {
	withLogger  hclog.Logger
	withNowFunc func() time.Time
}

func validatorDefaults() validatorOptions {
	return validatorOptions{
		withNowFunc: time.Now,
	}
}

func getValidatorOpts(opt ...Option) validatorOptions {
	opts := validatorDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewStateValidator creates a validator bound to the relying party config,
// the provider metadata and the session whose nonce/state the responses must
// match.
//
// Supported options: WithLogger, WithNow.
func NewStateValidator(c *Config, wk *WellKnownEndpoints, session *Session, opt ...Option) (*StateValidator, error) {
	const op = "oidc.NewStateValidator"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if wk == nil {
		return nil, fmt.Errorf("%s: well-known endpoints are nil: %w", op, ErrNilParameter)
	}
	if session == nil {
		return nil, fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	opts := getValidatorOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.Default().Named("validator")
	}
	return &StateValidator{
		config:    c,
		wellKnown: wk,
		session:   session,
		logger:    logger,
		nowFunc:   opts.withNowFunc,
	}, nil
}

// Validate runs the full check chain over result using the signing keys in
// keys.  It never returns an error: every failure is fail-closed into an
// outcome with Valid set false and logged at its own diagnostic level.
func (v *StateValidator) Validate(ctx context.Context, result CallbackResult, keys *jwt.StaticKeySet) ValidationOutcome {
	fail := func(reason string) ValidationOutcome {
		return ValidationOutcome{FailureReason: reason}
	}

	// 1. an error response never reaches token validation
	if result.Error() != "" {
		v.logger.Debug("callback carries an error response", "error", result.Error())
		return fail(FailureErrorResponse)
	}

	// 2. state must match the value minted for this authorization
	if result.State() != v.session.AuthStateControl() {
		v.logger.Warn("incorrect state in callback", "state", result.State())
		return fail(FailureStateMismatch)
	}

	// 3. the access token only participates in the token-bearing flow
	var accessToken string
	if v.config.ResponseType == ResponseTypeIDTokenToken {
		accessToken = result.AccessToken()
	}
	idToken := result.IDToken()

	// 4. decode without verification; malformed segments become empty maps
	decoded := jwt.ParsePayload(idToken)

	// 5. RS256 signature against the freshly fetched key set
	if _, err := keys.VerifySignature(ctx, idToken); err != nil {
		if errors.Is(err, jwt.ErrUnsupportedAlg) {
			v.logger.Warn("only RS256 signatures are supported", "err", err)
		} else {
			v.logger.Debug("signature validation failed for id_token", "err", err)
		}
		return fail(FailureSignature)
	}

	// 6. nonce must match the value minted for this authorization
	if nonce, _ := decoded["nonce"].(string); nonce != v.session.AuthNonce() {
		v.logger.Warn("incorrect nonce in id_token")
		return fail(FailureNonceMismatch)
	}

	// 7. required claims
	if err := requiredClaims(decoded); err != nil {
		v.logger.Debug("required claims missing from id_token", "err", err)
		return fail(FailureMissingClaims)
	}

	// 8. iat freshness
	if !v.validIATOffset(decoded) {
		v.logger.Warn("iat rejected, id_token was issued too far away from the current time")
		return fail(FailureIATTooOld)
	}

	// 9. issuer must exactly match the discovery document
	if iss, _ := decoded["iss"].(string); iss != v.wellKnown.Issuer {
		v.logger.Warn("incorrect iss, does not match well-known issuer", "iss", decoded["iss"])
		return fail(FailureIssuerMismatch)
	}

	// 10. audience must exactly equal the client id; array audiences are
	// not supported
	if aud, ok := decoded["aud"].(string); !ok || aud != v.config.ClientID {
		v.logger.Warn("incorrect aud", "aud", decoded["aud"])
		return fail(FailureAudienceMismatch)
	}

	// 11. exp must be in the future
	if !jwt.NotExpired(decoded, jwt.WithNow(v.nowFunc)) {
		v.logger.Warn("id_token expired")
		return fail(FailureExpired)
	}

	// 12. at_hash binds the access token to the id_token; skipped when no
	// access token was delivered
	if v.config.ResponseType == ResponseTypeIDTokenToken && accessToken != "" {
		atHash, _ := decoded["at_hash"].(string)
		if !jwt.ValidAtHash(accessToken, atHash) {
			v.logger.Warn("incorrect at_hash")
			return fail(FailureAtHashMismatch)
		}
	}

	return ValidationOutcome{
		Valid:          true,
		AccessToken:    accessToken,
		IDToken:        idToken,
		DecodedIDToken: decoded,
	}
}

// requiredClaims reports every missing REQUIRED id_token claim at once.
func requiredClaims(decoded map[string]interface{}) error {
	var result *multierror.Error
	for _, name := range []string{"iss", "sub", "aud", "exp", "iat"} {
		if _, ok := decoded[name]; !ok {
			result = multierror.Append(result, fmt.Errorf("%s is missing, this is required in the id_token", name))
		}
	}
	return result.ErrorOrNil()
}

func (v *StateValidator) validIATOffset(decoded map[string]interface{}) bool {
	iat, ok := jwt.IssuedAt(decoded)
	if !ok {
		return false
	}
	maxOffset := time.Duration(v.config.MaxIDTokenIATOffsetSeconds) * time.Second
	return v.nowFunc().Sub(iat) < maxOffset
}
