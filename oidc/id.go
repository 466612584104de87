package oidc

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-uuid"
)

// randomFraction returns a short hex string used to make nonce and state
// values unique.  The values are compared for equality, never parsed, so
// uniqueness is the goal here, not unpredictability.
func randomFraction() (string, error) {
	b, err := uuid.GenerateRandomBytes(10)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewNonce mints a nonce for an authorization request:
// "N" + random + epoch millis.
func NewNonce() (string, error) {
	const op = "oidc.NewNonce"
	r, err := randomFraction()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate a nonce: %w", op, ErrIdGeneratorFailed)
	}
	return "N" + r + strconv.FormatInt(time.Now().UnixMilli(), 10), nil
}

// NewState mints a state value for an authorization request:
// epoch millis + random.
func NewState() (string, error) {
	const op = "oidc.NewState"
	r, err := randomFraction()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate a state: %w", op, ErrIdGeneratorFailed)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + r, nil
}
