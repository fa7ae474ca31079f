package service

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"alloy-proxy-go/internal/client"
	"alloy-proxy-go/internal/cookie"
	"alloy-proxy-go/internal/model"
	"alloy-proxy-go/internal/rewrite"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// droppedResponseHeaders no longer describe the response after it has been
// decoded and rewritten, or would pin the browser to the target's policies.
var droppedResponseHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Strict-Transport-Security",
	"Content-Security-Policy-Report-Only",
}

// requestHeaders builds the header set sent upstream: the client's headers
// minus Host and hop-by-hop fields, with Origin and Referer translated back to
// the site they point at, cookies narrowed to the target's scope and
// Accept-Encoding limited to codings the proxy can decode.
func (s *ProxyService) requestHeaders(pr *model.ProxyRequest, target *model.Target) http.Header {
	dst := pr.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	stripHopByHop(dst)

	if v := dst.Get("Origin"); v != "" {
		if u, ok := s.decodeProxied(v); ok {
			dst.Set("Origin", u.Scheme+"://"+u.Host)
		} else {
			dst.Set("Origin", target.Origin())
		}
	}
	if v := dst.Get("Referer"); v != "" {
		if u, ok := s.decodeProxied(v); ok {
			dst.Set("Referer", u.String())
		} else {
			dst.Set("Referer", target.Href())
		}
	}

	if v := strings.Join(dst.Values("Cookie"), "; "); v != "" {
		if scoped := cookie.FilterRequest(v, target.Hostname()); scoped != "" {
			dst.Set("Cookie", scoped)
		} else {
			dst.Del("Cookie")
		}
	}

	dst.Set("Accept-Encoding", client.AcceptEncoding)
	return dst
}

// decodeProxied recovers the target URL from a proxy-shaped URL such as the
// browser's Origin or Referer.
func (s *ProxyService) decodeProxied(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	path, ok := strings.CutPrefix(u.Path, s.cfg.Proxy.Prefix)
	if !ok {
		return nil, false
	}
	decoded, err := s.codec.Decode(path)
	if err != nil {
		return nil, false
	}
	t, err := url.Parse(decoded)
	if err != nil || (t.Scheme != "http" && t.Scheme != "https") || t.Host == "" {
		return nil, false
	}
	return t, true
}

// responseHeaders sanitizes upstream response headers for the browser.
func (s *ProxyService) responseHeaders(src http.Header, pr *model.ProxyRequest, target *model.Target, rw *rewrite.Rewriter) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopByHop(dst)
	for _, h := range droppedResponseHeaders {
		dst.Del(h)
	}
	for key := range dst {
		if s.vendorHeader(key) {
			delete(dst, key)
		}
	}

	if cookies := dst.Values("Set-Cookie"); len(cookies) > 0 {
		proxyHost := hostOnly(pr.ProxyHost)
		scoped := make([]string, 0, len(cookies))
		for _, line := range cookies {
			scoped = append(scoped, cookie.ScopeSetCookie(line, target.Hostname(), proxyHost))
		}
		dst["Set-Cookie"] = scoped
	}

	if loc := dst.Get("Location"); loc != "" {
		dst.Set("Location", rw.URL(loc))
	}

	if policies := dst.Values("Content-Security-Policy"); len(policies) > 0 {
		patched := make([]string, 0, len(policies))
		for _, p := range policies {
			patched = append(patched, patchCSP(p, pr.ProxyOrigin()))
		}
		dst["Content-Security-Policy"] = patched
	}

	return dst
}

func (s *ProxyService) vendorHeader(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range s.cfg.Proxy.StripHeaderPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// stripHopByHop removes hop-by-hop headers, including any named in Connection.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
