// Package model defines the per-request values threaded through the proxy
// pipeline.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents an inbound request addressed to the proxy prefix.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // path after the proxy prefix, e.g. "_aHR0cHM6Ly9hLmNvbS8=_/"
	RawQuery string
	Header   http.Header
	Body     io.Reader

	// ContentLength is the inbound body length, -1 when unknown.
	ContentLength int64

	// ProxyScheme and ProxyHost describe the externally visible proxy
	// origin, used for cookie domains and the CSP patch.
	ProxyScheme string
	ProxyHost   string
}

// ProxyOrigin returns the externally visible origin of the proxy.
func (r *ProxyRequest) ProxyOrigin() string {
	return r.ProxyScheme + "://" + r.ProxyHost
}

// Target is the decoded upstream URL of a request.
type Target struct {
	URL *url.URL
}

// Href returns the full target URL.
func (t *Target) Href() string {
	return t.URL.String()
}

// Origin returns scheme://host of the target.
func (t *Target) Origin() string {
	return t.URL.Scheme + "://" + t.URL.Host
}

// Hostname returns the target host without port.
func (t *Target) Hostname() string {
	return t.URL.Hostname()
}

// Resolution is the outcome of decoding a request path. When Redirect is
// non-empty the request is not canonical and the client must be sent there.
type Resolution struct {
	Target   *Target
	Redirect string
}

// UpstreamResponse is an upstream response whose body has not been read.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResponse is a fully buffered, transformed response ready to be written
// to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
