package common

import (
	"net/http"
	"time"
)

// Version is the release version reported in the User-Agent of every
// outbound request.
const Version = "1.0.0"

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "RedSync/" + Version,
		},
		Timeout: timeout,
	}
}

// NoRedirectHTTPClient returns a client that never follows redirects. The
// authorize endpoint answers with a 302 whose Location carries the
// authorization code and we need to read it rather than chase it.
func NoRedirectHTTPClient(timeout time.Duration) *http.Client {
	c := HTTPClient(timeout)
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}
