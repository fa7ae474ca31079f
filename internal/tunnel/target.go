package tunnel

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"alloy-proxy-go/internal/codec"
)

// ErrMissingTarget is returned when an upgrade request carries no ws parameter.
var ErrMissingTarget = errors.New("missing ws parameter")

// Target is the upstream endpoint of a tunnel.
type Target struct {
	URL    *url.URL
	Origin string // Origin presented to the upstream
}

// ParseTarget reads the base64 "ws" and optional "origin" query parameters.
// http and https targets are mapped to ws and wss.
func ParseTarget(query url.Values) (*Target, error) {
	raw := query.Get("ws")
	if raw == "" {
		return nil, ErrMissingTarget
	}
	decoded, err := codec.DecodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("decode ws parameter: %w", err)
	}
	u, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("parse ws target: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("ws target %q: unsupported scheme %q", decoded, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ws target %q has no host", decoded)
	}

	t := &Target{URL: u}
	if rawOrigin := query.Get("origin"); rawOrigin != "" {
		origin, err := codec.DecodeBase64(rawOrigin)
		if err != nil {
			return nil, fmt.Errorf("decode origin parameter: %w", err)
		}
		t.Origin = origin
	} else {
		scheme := "http"
		if u.Scheme == "wss" {
			scheme = "https"
		}
		t.Origin = scheme + "://" + u.Host
	}
	return t, nil
}

// excludedHeaders never reach the upstream handshake. The Upgrade and
// Sec-WebSocket-* fields are regenerated by the dialer.
var excludedHeaders = map[string]bool{
	"Host":              true,
	"Cookie":            true,
	"Origin":            true,
	"Upgrade":           true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Proxy-Connection":  true,
}

// excludedPrefixes are lower-case header name prefixes added by CDNs or owned
// by the WebSocket handshake.
var excludedPrefixes = []string{"cf-", "cdn-loop", "sec-websocket-"}

// upstreamHeader copies the client's handshake headers for the upstream dial.
func upstreamHeader(src http.Header, origin string) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if excludedHeaders[key] {
			continue
		}
		lower := strings.ToLower(key)
		skip := false
		for _, p := range excludedPrefixes {
			if strings.HasPrefix(lower, p) {
				skip = true
				break
			}
		}
		if !skip {
			dst[key] = append([]string(nil), vals...)
		}
	}
	if origin != "" {
		dst.Set("Origin", origin)
	}
	return dst
}
