package service

import (
	"net/http"
	"testing"

	"alloy-proxy-go/internal/client"
	"alloy-proxy-go/internal/model"
	"alloy-proxy-go/internal/rewrite"
)

func TestRequestHeaders(t *testing.T) {
	svc := newTestService(t, testConfig())
	target := &model.Target{URL: mustParse(t, "https://example.com/page?x=1")}
	other := "https://api.example.net/v1/data"

	tests := []struct {
		name   string
		header http.Header
		key    string
		want   string
	}{
		{"host dropped", http.Header{"Host": {"proxy.local"}}, "Host", ""},
		{"hop-by-hop dropped", http.Header{"Keep-Alive": {"timeout=5"}}, "Keep-Alive", ""},
		{"connection-named header dropped", http.Header{"Connection": {"X-Hop"}, "X-Hop": {"1"}}, "X-Hop", ""},
		{"proxied origin decoded", http.Header{"Origin": {"http://proxy.local" + testPrefix + token(other)}}, "Origin", "https://api.example.net"},
		{"bare proxy origin falls back", http.Header{"Origin": {"http://proxy.local"}}, "Origin", "https://example.com"},
		{"null origin falls back", http.Header{"Origin": {"null"}}, "Origin", "https://example.com"},
		{"proxied referer decoded", http.Header{"Referer": {"http://proxy.local" + testPrefix + token(other)}}, "Referer", other},
		{"foreign referer falls back", http.Header{"Referer": {"http://elsewhere.example/"}}, "Referer", "https://example.com/page?x=1"},
		{"scoped cookie kept", http.Header{"Cookie": {"a@example@com=1; b@other@com=2"}}, "Cookie", "a=1"},
		{"no matching cookie removes header", http.Header{"Cookie": {"plain=1"}}, "Cookie", ""},
		{"accept-encoding replaced", http.Header{"Accept-Encoding": {"gzip, sdch"}}, "Accept-Encoding", client.AcceptEncoding},
		{"other headers kept", http.Header{"Accept-Language": {"en"}}, "Accept-Language", "en"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := proxyRequest(token(target.Href()), "")
			pr.Header = tt.header
			got := svc.requestHeaders(pr, target)
			if v := got.Get(tt.key); v != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, v, tt.want)
			}
		})
	}
}

func TestRequestHeaders_DoesNotMutateInbound(t *testing.T) {
	svc := newTestService(t, testConfig())
	target := &model.Target{URL: mustParse(t, "https://example.com/")}

	pr := proxyRequest(token(target.Href()), "")
	pr.Header.Set("Cookie", "a@example@com=1")
	_ = svc.requestHeaders(pr, target)

	if got := pr.Header.Get("Cookie"); got != "a@example@com=1" {
		t.Errorf("inbound Cookie = %q, want it untouched", got)
	}
}

func TestResponseHeaders(t *testing.T) {
	svc := newTestService(t, testConfig())
	target := &model.Target{URL: mustParse(t, "https://example.com/dir/page")}
	pr := proxyRequest(token(target.Href()), "")
	rw := rewrite.New(testPrefix, svc.codec, target.URL, svc.logger)

	src := http.Header{
		"Content-Type":      {"text/html"},
		"Content-Encoding":  {"br"},
		"Content-Length":    {"123"},
		"Transfer-Encoding": {"chunked"},
		"Cf-Cache-Status":   {"HIT"},
		"X-Powered-By":      {"php"},
		"Cache-Control":     {"no-cache"},
		"Location":          {"next"},
		"Set-Cookie":        {"a=1; Path=/", "b=2; domain=.example.com; Secure"},
	}

	got := svc.responseHeaders(src, pr, target, rw)

	for _, h := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Cf-Cache-Status", "X-Powered-By"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s = %q, want removed", h, v)
		}
	}
	if v := got.Get("Cache-Control"); v != "no-cache" {
		t.Errorf("Cache-Control = %q, want kept", v)
	}
	if v, want := got.Get("Location"), testPrefix+token("https://example.com/dir/next"); v != want {
		t.Errorf("Location = %q, want %q", v, want)
	}

	cookies := got.Values("Set-Cookie")
	wantCookies := []string{"a@example@com=1; Path=/", "b@example@com=2; domain=proxy.local; Secure"}
	if len(cookies) != len(wantCookies) {
		t.Fatalf("Set-Cookie = %q, want %q", cookies, wantCookies)
	}
	for i := range wantCookies {
		if cookies[i] != wantCookies[i] {
			t.Errorf("Set-Cookie[%d] = %q, want %q", i, cookies[i], wantCookies[i])
		}
	}

	if v := src.Get("Content-Encoding"); v != "br" {
		t.Error("responseHeaders mutated the upstream header map")
	}
}

func TestVendorHeader_Configurable(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.StripHeaderPrefixes = []string{"CF-"}
	svc := newTestService(t, cfg)

	if !svc.vendorHeader("Cf-Ray") {
		t.Error("vendorHeader(Cf-Ray) = false, want true")
	}
	if svc.vendorHeader("X-Frame-Options") {
		t.Error("vendorHeader(X-Frame-Options) = true, want false when only cf- is configured")
	}
}

func TestHostOnly(t *testing.T) {
	tests := []struct{ in, want string }{
		{"proxy.local:8080", "proxy.local"},
		{"proxy.local", "proxy.local"},
		{"[::1]:8080", "::1"},
	}
	for _, tt := range tests {
		if got := hostOnly(tt.in); got != tt.want {
			t.Errorf("hostOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
