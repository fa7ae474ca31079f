// Package service implements the proxy pipeline: resolving a proxied path to
// its target, forwarding the request and transforming the response.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"alloy-proxy-go/internal/client"
	"alloy-proxy-go/internal/codec"
	"alloy-proxy-go/internal/config"
	"alloy-proxy-go/internal/metrics"
	"alloy-proxy-go/internal/model"
	"alloy-proxy-go/internal/rewrite"
)

var (
	// ErrInvalidURL is returned when a path does not decode to an absolute URL.
	ErrInvalidURL = errors.New("invalid proxied url")
	// ErrUnsupportedScheme is returned for targets that are not http or https.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrBlocked is returned for targets matched by the blacklist.
	ErrBlocked = errors.New("target is blacklisted")
	// ErrResponseTooLarge is returned when the upstream body exceeds proxy.max_response_bytes.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// ProxyService handles resolution and forwarding of proxied requests.
type ProxyService struct {
	client     *client.UpstreamClient
	codec      *codec.Codec
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	localAddrs []net.IP
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cd *codec.Codec, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	addrs := make([]net.IP, 0, len(cfg.Proxy.LocalAddresses))
	for _, a := range cfg.Proxy.LocalAddresses {
		ip := net.ParseIP(a)
		if ip == nil {
			return nil, fmt.Errorf("parse local address %q: not an IP", a)
		}
		addrs = append(addrs, ip)
	}

	return &ProxyService{
		client:     c,
		codec:      cd,
		cfg:        cfg,
		logger:     logger.With("component", "proxy_service"),
		metrics:    m,
		localAddrs: addrs,
	}, nil
}

// Resolve decodes the request path into its target URL, applies the scheme
// and blacklist policy, and reports a redirect when the path is not the
// canonical encoding of the target.
//
// Anything the browser appended to a token is folded into the target: a
// trailing relative path is resolved against the decoded URL and an inbound
// query string replaces the target's query, the same way a relative
// reference or a GET form submission would. Both make the path non-canonical.
func (s *ProxyService) Resolve(pr *model.ProxyRequest) (*model.Resolution, error) {
	received := strings.TrimPrefix(pr.Path, "/")

	raw, rest, err := s.decodePath(received)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}

	if rest != "" {
		ref, err := url.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
		}
		u = u.ResolveReference(ref)
	}
	if pr.RawQuery != "" {
		u.RawQuery = pr.RawQuery
	}

	target := &model.Target{URL: u}
	if s.blocked(target) {
		if s.metrics != nil {
			s.metrics.BlockedRequests.Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrBlocked, target.Href())
	}

	res := &model.Resolution{Target: target}
	if canonical := s.codec.Encode(target.Href()); canonical != received || pr.RawQuery != "" {
		res.Redirect = s.cfg.Proxy.Prefix + canonical
		if s.metrics != nil {
			s.metrics.CanonicalRedirects.Inc()
		}
	}
	return res, nil
}

// decodePath returns the URL encoded in path and, for v2 tokens, whatever
// relative path follows the token.
func (s *ProxyService) decodePath(path string) (target, rest string, err error) {
	if token, rest, ok := s.codec.Split(path); ok {
		if target, err := s.codec.Decode(token); err == nil {
			return target, rest, nil
		}
	}
	target, err = s.codec.Decode(path)
	if err != nil {
		return "", "", err
	}
	return target, "", nil
}

// blocked matches the target against the blacklist. Substring containment
// over-blocks by design: "evil" blocks https://notevil.example/.
func (s *ProxyService) blocked(t *model.Target) bool {
	href := t.Href()
	hostname := t.Hostname()
	for _, entry := range s.cfg.Proxy.Blacklist {
		if hostname == entry || href == entry || strings.Contains(href, entry) {
			return true
		}
	}
	return false
}

// Forward sends the request to target and returns the buffered, sanitized and
// rewritten response.
func (s *ProxyService) Forward(pr *model.ProxyRequest, target *model.Target) (*model.ProxyResponse, error) {
	header := s.requestHeaders(pr, target)

	ctx := pr.Ctx
	if ip := s.pickLocalAddr(); ip != nil {
		ctx = client.WithLocalAddr(ctx, ip)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target.URL.Redacted(),
	)

	resp, err := s.client.DoStream(ctx, pr.Method, target.Href(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := client.ReadBody(resp.Body, resp.Header.Get("Content-Encoding"), s.cfg.Proxy.MaxResponseBytes)
	if err != nil {
		if errors.Is(err, client.ErrBodyTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrResponseTooLarge, err)
		}
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	rw := rewrite.New(s.cfg.Proxy.Prefix, s.codec, target.URL, s.logger)
	outHeader := s.responseHeaders(resp.Header, pr, target, rw)
	body = s.transform(rw, outHeader, body)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     outHeader,
		Body:       body,
	}, nil
}

// transform dispatches the body to a rewriter by media type. A response
// without Content-Type is sniffed and labeled. Rewriting failures leave the
// body as received.
func (s *ProxyService) transform(rw *rewrite.Rewriter, header http.Header, body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
		header.Set("Content-Type", contentType)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}

	var kind string
	switch mediaType {
	case "text/html":
		utf8Body, converted, err := rewrite.ToUTF8(body, contentType)
		if err != nil {
			s.logger.Warn("charset conversion failed", "err", err)
		}
		out, err := rw.HTML(utf8Body)
		if err != nil {
			s.logger.Warn("html rewrite failed; passing body through", "err", err)
			return body
		}
		if converted {
			header.Set("Content-Type", rewrite.UTF8ContentType(contentType))
		}
		body, kind = out, metrics.KindHTML
	case "application/javascript", "text/javascript":
		body, kind = []byte(rw.JS(string(body))), metrics.KindJS
	case "text/css":
		body, kind = []byte(rw.CSS(string(body))), metrics.KindCSS
	default:
		return body
	}

	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(kind).Inc()
	}
	return body
}

// pickLocalAddr selects an outbound source address uniformly at random, or
// nil when no pool is configured.
func (s *ProxyService) pickLocalAddr() net.IP {
	if len(s.localAddrs) == 0 {
		return nil
	}
	return s.localAddrs[rand.IntN(len(s.localAddrs))] //nolint:gosec // load spreading, not security
}

// PickLocalAddr exposes the source address selection to the WebSocket tunnel.
func (s *ProxyService) PickLocalAddr() net.IP {
	return s.pickLocalAddr()
}
