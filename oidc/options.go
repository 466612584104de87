package oidc

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional hclog.Logger.  Accepted by: NewFlow,
// Discover, NewStateValidator.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *flowOptions:
			v.withLogger = l
		case *discoveryOptions:
			v.withLogger = l
		case *validatorOptions:
			v.withLogger = l
		}
	}
}

// WithNow provides an optional replacement for time.Now.  Accepted by:
// NewFlow, NewStateValidator.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *flowOptions:
			v.withNowFunc = now
		case *validatorOptions:
			v.withNowFunc = now
		}
	}
}

// WithHTTPClient provides an optional http client, replacing the default
// cleanhttp client.  Accepted by: NewFlow, Discover.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *flowOptions:
			v.withHTTPClient = c
		case *discoveryOptions:
			v.withHTTPClient = c
		}
	}
}

// WithProviderCA provides an optional CA certificate PEM for requests to the
// provider.  Accepted by: NewFlow, Discover.
func WithProviderCA(pem string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *flowOptions:
			v.withProviderCA = pem
		case *discoveryOptions:
			v.withProviderCA = pem
		}
	}
}

// WithPrompt provides an optional prompt parameter for an authorization
// request.  Silent renewal uses WithPrompt("none").  Accepted by:
// AuthorizeURL.
func WithPrompt(prompt string) Option {
	return func(o interface{}) {
		if o, ok := o.(*requestOptions); ok {
			o.withPrompt = prompt
		}
	}
}

// WithAuthenticationScheme provides an optional authenticationScheme
// parameter appended to an authorization request, used by hosts that front
// several login schemes behind one provider.  Accepted by: Flow.Authorize.
func WithAuthenticationScheme(scheme string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authorizeOptions); ok {
			o.withScheme = scheme
		}
	}
}

// WithPopup requests that the authorization URL be opened in a popup window
// instead of redirecting the top-level document.  Accepted by:
// Flow.Authorize.
func WithPopup(title string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authorizeOptions); ok {
			o.withPopup = true
			o.withPopupTitle = title
		}
	}
}

// WithRenewInterval overrides the silent-renew watcher's poll interval and
// initial delay.  Accepted by: NewFlow.
func WithRenewInterval(initialDelay, interval time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withRenewInitialDelay = initialDelay
			o.withRenewInterval = interval
		}
	}
}

// WithCheckSessionInterval overrides the check-session watcher's poll
// interval.  Accepted by: NewFlow.
func WithCheckSessionInterval(interval time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withCheckSessionInterval = interval
		}
	}
}
