package oidc

// FrameHandle is an opaque identity for a frame's window, compared against
// the source of incoming cross-window messages.
type FrameHandle interface{}

// Frame is a hidden iframe provisioned by the BrowserBridge.  Navigate
// returns once the frame has loaded the URL.
type Frame interface {

	// Navigate points the frame at url and returns when the load completes.
	Navigate(url string) error

	// Post sends a message to the frame's window, restricted to
	// targetOrigin.
	Post(message, targetOrigin string) error

	// Handle returns the frame's window identity.
	Handle() FrameHandle
}

// Popup is a popup window opened by the BrowserBridge.
type Popup interface {

	// Location returns the popup's current URL.  It returns an error while
	// the popup is on a different origin.
	Location() (string, error)

	// Closed reports whether the popup has been closed.
	Closed() bool

	// Close force-closes the popup.
	Close()
}

// BrowserBridge provisions the hidden iframes and popup windows the engine
// drives.  Only the protocol lives in the engine; window mechanics belong to
// the host.
type BrowserBridge interface {

	// RenewFrame returns the hidden iframe used for silent renewal and
	// silent logout, creating it on first use.
	RenewFrame() (Frame, error)

	// CheckSessionFrame returns the hidden iframe pointed at the provider's
	// check_session_iframe, creating it on first use.  Repeated calls
	// return the same frame.
	CheckSessionFrame(src string) (Frame, error)

	// OpenPopup opens a named popup window at url.
	OpenPopup(url, title string) (Popup, error)
}

// Navigator moves the top-level document: a full redirect to the provider,
// or an application route after a callback resolves.
type Navigator interface {

	// Redirect navigates the top-level document to url.
	Redirect(url string) error

	// NavigateRoute navigates to a named application route.
	NavigateRoute(route string) error
}
