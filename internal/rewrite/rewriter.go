// Package rewrite rewrites references embedded in HTML, CSS and JavaScript so
// the browser keeps talking to the proxy instead of the target site.
package rewrite

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"alloy-proxy-go/internal/codec"
)

// untouched matches references that must never be proxied: fragments,
// non-network schemes and template placeholders.
var untouched = regexp.MustCompile(`(?i)^(#|about:|data:|blob:|mailto:|javascript:|\{|\*)`)

var absoluteHTTP = regexp.MustCompile(`(?i)^https?://`)

// ErrUnsupportedScheme is returned by Resolve for references that resolve to
// a scheme the proxy cannot fetch.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Rewriter holds the state of one response transform: where the document came
// from and, for HTML, the effective <base>. A Rewriter is not safe for
// concurrent use; create one per response.
type Rewriter struct {
	prefix string
	codec  *codec.Codec
	target *url.URL
	base   *url.URL
	logger *slog.Logger
}

// New returns a Rewriter for a document fetched from target.
func New(prefix string, c *codec.Codec, target *url.URL, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		prefix: prefix,
		codec:  c,
		target: target,
		logger: logger,
	}
}

// URL returns raw rewritten to a proxied path. Failures are logged and raw is
// returned as is.
func (r *Rewriter) URL(raw string) string {
	out, err := r.Resolve(raw)
	if err != nil {
		r.logger.Debug("leaving url unrewritten", "url", raw, "err", err)
		return raw
	}
	return out
}

// Resolve classifies raw and, when it is proxyable, returns the absolute URL
// it refers to encoded behind the proxy prefix.
func (r *Rewriter) Resolve(raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" || untouched.MatchString(ref) {
		return raw, nil
	}
	if r.isProxied(ref) {
		return ref, nil
	}

	var (
		abs *url.URL
		err error
	)
	switch {
	case strings.HasPrefix(ref, "//"):
		abs, err = url.Parse(r.target.Scheme + ":" + ref)
	case strings.HasPrefix(ref, "/"):
		abs, err = url.Parse(origin(r.target) + ref)
	case absoluteHTTP.MatchString(ref):
		abs, err = url.Parse(ref)
	default:
		var rel *url.URL
		rel, err = url.Parse(ref)
		if err == nil {
			abs = r.effectiveBase().ResolveReference(rel)
		}
	}
	if err != nil {
		return raw, fmt.Errorf("resolve %q: %w", ref, err)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw, fmt.Errorf("resolve %q: %w %q", ref, ErrUnsupportedScheme, abs.Scheme)
	}

	return r.prefix + r.codec.Encode(abs.String()), nil
}

// isProxied reports whether ref already points at a proxied URL, so that
// double processing leaves it alone.
func (r *Rewriter) isProxied(ref string) bool {
	rest, ok := strings.CutPrefix(ref, r.prefix)
	return ok && r.codec.IsToken(rest)
}

func (r *Rewriter) effectiveBase() *url.URL {
	if r.base != nil {
		return r.base
	}
	return r.target
}

// setBase resolves a <base href> value against the target and records it.
func (r *Rewriter) setBase(href string) {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "#?"); i != -1 {
		href = href[:i]
	}
	if href == "" {
		return
	}
	if strings.HasPrefix(href, "//") {
		href = r.target.Scheme + ":" + href
	}

	ref, err := url.Parse(href)
	if err != nil {
		r.logger.Debug("ignoring unparsable base href", "href", href, "err", err)
		return
	}
	base := r.target.ResolveReference(ref)
	if base.Scheme != "http" && base.Scheme != "https" {
		return
	}
	r.base = base
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
