package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter        = errors.New("invalid parameter")
	ErrNilParameter            = errors.New("nil parameter")
	ErrInvalidCACert           = errors.New("invalid CA certificate")
	ErrEndpointsNotLoaded      = errors.New("well-known endpoints not loaded")
	ErrUnsupportedResponseType = errors.New("unsupported response_type")
	ErrIdGeneratorFailed       = errors.New("id generation failed")
	ErrCallbackInProgress      = errors.New("authorization callback already in progress")
	ErrValidationFailed        = errors.New("token validation failed")
	ErrKeyFetchFailed          = errors.New("signing key fetch failed")
	ErrUserInfoFailed          = errors.New("user info failed")
	ErrBridgeUnavailable       = errors.New("browser bridge unavailable")
	ErrNavigatorUnavailable    = errors.New("navigator unavailable")
	ErrNotFound                = errors.New("not found")
)
