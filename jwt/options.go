package jwt

import "time"

// Option defines a common functional options type
type Option func(interface{})

// options is the set of available options for this package's functions.
type options struct {
	withNowFunc    func() time.Time
	withExpirySkew time.Duration
}

func defaults() options {
	return options{
		withNowFunc: time.Now,
	}
}

func getOpts(opt ...Option) options {
	opts := defaults()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithNow provides an optional replacement for time.Now, typically used to
// test expiry checks against a fixed clock.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && now != nil {
			o.withNowFunc = now
		}
	}
}

// WithExpirySkew provides an optional offset added to the current time when
// checking expiry, so a token can be treated as expired shortly before its
// exp claim is reached.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withExpirySkew = d
		}
	}
}
