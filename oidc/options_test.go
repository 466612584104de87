package oidc

import (
	"net/http"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func Test_getFlowOpts(t *testing.T) {
	t.Parallel()
	t.Run("defaults", func(t *testing.T) {
		assert := assert.New(t)
		opts := getFlowOpts()
		assert.Nil(opts.withLogger)
		assert.NotNil(opts.withNowFunc)
		assert.Equal(defaultRenewInitialDelay, opts.withRenewInitialDelay)
		assert.Equal(defaultRenewInterval, opts.withRenewInterval)
		assert.Equal(defaultCheckSessionInterval, opts.withCheckSessionInterval)
	})
	t.Run("overrides", func(t *testing.T) {
		assert := assert.New(t)
		l := hclog.NewNullLogger()
		c := &http.Client{}
		opts := getFlowOpts(
			WithLogger(l),
			WithHTTPClient(c),
			WithProviderCA("pem"),
			WithRenewInterval(time.Second, 2*time.Second),
			WithCheckSessionInterval(4*time.Second),
		)
		assert.Equal(l, opts.withLogger)
		assert.Equal(c, opts.withHTTPClient)
		assert.Equal("pem", opts.withProviderCA)
		assert.Equal(time.Second, opts.withRenewInitialDelay)
		assert.Equal(2*time.Second, opts.withRenewInterval)
		assert.Equal(4*time.Second, opts.withCheckSessionInterval)
	})
}

func Test_getAuthorizeOpts(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	opts := getAuthorizeOpts()
	assert.False(opts.withPopup)
	assert.Empty(opts.withScheme)

	opts = getAuthorizeOpts(WithPopup("login"), WithAuthenticationScheme("corp"))
	assert.True(opts.withPopup)
	assert.Equal("login", opts.withPopupTitle)
	assert.Equal("corp", opts.withScheme)
}

func Test_getRequestOpts(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	opts := getRequestOpts()
	assert.Empty(opts.withPrompt)

	opts = getRequestOpts(WithPrompt("none"))
	assert.Equal("none", opts.withPrompt)

	// request options ignore flow-level options
	opts = getRequestOpts(WithCheckSessionInterval(time.Second))
	assert.Empty(opts.withPrompt)
}
