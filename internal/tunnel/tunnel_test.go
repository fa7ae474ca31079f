package tunnel

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"alloy-proxy-go/internal/config"
	"alloy-proxy-go/internal/metrics"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name       string
		query      url.Values
		wantURL    string
		wantOrigin string
		wantErr    bool
	}{
		{
			name:       "wss with origin",
			query:      url.Values{"ws": {b64("wss://chat.example/socket?x=1")}, "origin": {b64("https://chat.example")}},
			wantURL:    "wss://chat.example/socket?x=1",
			wantOrigin: "https://chat.example",
		},
		{
			name:       "http maps to ws and derives origin",
			query:      url.Values{"ws": {b64("http://example.com:8080/live")}},
			wantURL:    "ws://example.com:8080/live",
			wantOrigin: "http://example.com:8080",
		},
		{
			name:       "https maps to wss",
			query:      url.Values{"ws": {b64("https://example.com/live")}},
			wantURL:    "wss://example.com/live",
			wantOrigin: "https://example.com",
		},
		{name: "missing", query: url.Values{}, wantErr: true},
		{name: "not base64", query: url.Values{"ws": {"%%%"}}, wantErr: true},
		{name: "ftp scheme", query: url.Values{"ws": {b64("ftp://example.com/")}}, wantErr: true},
		{name: "no host", query: url.Values{"ws": {b64("wss:///path")}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.query)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTarget() = %v, want error", got.URL)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget() error = %v", err)
			}
			if got.URL.String() != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL.String(), tt.wantURL)
			}
			if got.Origin != tt.wantOrigin {
				t.Errorf("Origin = %q, want %q", got.Origin, tt.wantOrigin)
			}
		})
	}
}

func TestParseTarget_MissingIsSentinel(t *testing.T) {
	if _, err := ParseTarget(url.Values{}); err != ErrMissingTarget {
		t.Errorf("error = %v, want ErrMissingTarget", err)
	}
}

func TestUpstreamHeader(t *testing.T) {
	src := http.Header{
		"Host":                     {"proxy.local"},
		"Cookie":                   {"a=1"},
		"Origin":                   {"http://proxy.local"},
		"Upgrade":                  {"websocket"},
		"Connection":               {"Upgrade"},
		"Sec-Websocket-Key":        {"abc"},
		"Sec-Websocket-Version":    {"13"},
		"Sec-Websocket-Extensions": {"permessage-deflate"},
		"Sec-Websocket-Protocol":   {"chat"},
		"Cf-Ray":                   {"123"},
		"Cdn-Loop":                 {"cloudflare"},
		"User-Agent":               {"test-agent"},
		"Accept-Language":          {"en"},
	}

	got := upstreamHeader(src, "https://chat.example")

	for _, h := range []string{"Host", "Cookie", "Upgrade", "Connection", "Sec-Websocket-Key",
		"Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol", "Cf-Ray", "Cdn-Loop"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s = %q, want removed", h, v)
		}
	}
	if v := got.Get("Origin"); v != "https://chat.example" {
		t.Errorf("Origin = %q, want %q", v, "https://chat.example")
	}
	if v := got.Get("User-Agent"); v != "test-agent" {
		t.Errorf("User-Agent = %q, want %q", v, "test-agent")
	}
	if v := got.Get("Accept-Language"); v != "en" {
		t.Errorf("Accept-Language = %q, want %q", v, "en")
	}
}

// --- relay tests ---

type upstreamOpts struct {
	delay   time.Duration
	onOpen  func(*websocket.Conn)
	headers chan http.Header
}

// newUpstream starts a WebSocket server that echoes every message unless
// onOpen takes over the connection.
func newUpstream(t *testing.T, opts upstreamOpts) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"chat"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.headers != nil {
			opts.headers <- r.Header.Clone()
		}
		if opts.delay > 0 {
			time.Sleep(opts.delay)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if opts.onOpen != nil {
			opts.onOpen(conn)
			return
		}
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTunnelServer(t *testing.T, maxPending int) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	cfg := &config.Config{
		WebSocket: config.WebSocketConfig{HandshakeTimeoutSeconds: 5, MaxPendingMessages: maxPending},
	}
	m := metrics.New("/web/")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(cfg, nil, logger, m))
	t.Cleanup(srv.Close)
	return srv, m
}

func dialTunnel(t *testing.T, tunnelSrv, upstreamSrv *httptest.Server, protocols ...string) (*websocket.Conn, *http.Response) {
	t.Helper()
	target := strings.Replace(upstreamSrv.URL, "http://", "ws://", 1) + "/socket"
	u := strings.Replace(tunnelSrv.URL, "http://", "ws://", 1) + "/?ws=" + url.QueryEscape(b64(target))
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, resp
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", typ)
	}
	return string(data)
}

func TestServer_RelaysBothDirections(t *testing.T) {
	headers := make(chan http.Header, 1)
	upstream := newUpstream(t, upstreamOpts{headers: headers})
	tunnelSrv, m := newTunnelServer(t, 16)

	conn, resp := dialTunnel(t, tunnelSrv, upstream, "chat", "v2")
	if got := resp.Header.Get("Sec-Websocket-Protocol"); got != "chat" {
		t.Errorf("selected protocol = %q, want %q", got, "chat")
	}

	for _, msg := range []string{"hello", "world"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		if got := readText(t, conn); got != msg {
			t.Errorf("echo = %q, want %q", got, msg)
		}
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if typ != websocket.BinaryMessage || string(data) != "\x00\x01\x02" {
		t.Errorf("binary echo = (%d, %v), want binary [0 1 2]", typ, data)
	}

	h := <-headers
	wantOrigin := upstream.URL
	if got := h.Get("Origin"); got != wantOrigin {
		t.Errorf("upstream Origin = %q, want %q", got, wantOrigin)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "alloy_proxy_websocket_messages_total" {
			found = true
		}
	}
	if !found {
		t.Error("alloy_proxy_websocket_messages_total not gathered")
	}
}

func TestServer_QueuesUntilUpstreamOpens(t *testing.T) {
	upstream := newUpstream(t, upstreamOpts{delay: 300 * time.Millisecond})
	tunnelSrv, _ := newTunnelServer(t, 16)

	conn, _ := dialTunnel(t, tunnelSrv, upstream)
	want := []string{"one", "two", "three"}
	for _, msg := range want {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
	for _, msg := range want {
		if got := readText(t, conn); got != msg {
			t.Errorf("echo = %q, want %q", got, msg)
		}
	}
}

func TestServer_QueueOverflowTerminates(t *testing.T) {
	upstream := newUpstream(t, upstreamOpts{delay: 500 * time.Millisecond})
	tunnelSrv, _ := newTunnelServer(t, 2)

	conn, _ := dialTunnel(t, tunnelSrv, upstream)
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("ReadMessage() succeeded, want connection terminated")
	}
}

func TestServer_ClientReaderNotBlockedByStalledFlush(t *testing.T) {
	release := make(chan struct{})
	// The upstream never reads, so flushing large queued messages stalls
	// once the socket buffers are full.
	upstream := newUpstream(t, upstreamOpts{
		delay:  200 * time.Millisecond,
		onOpen: func(*websocket.Conn) { <-release },
	})
	t.Cleanup(func() { close(release) })
	tunnelSrv, _ := newTunnelServer(t, 4)

	conn, _ := dialTunnel(t, tunnelSrv, upstream)
	big := make([]byte, 8<<20)
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, big); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
	time.Sleep(time.Second)

	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("ReadMessage() succeeded, want connection terminated")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("ReadMessage() timed out, want the overflow to terminate the client: %v", err)
	}
}

func TestServer_ForwardsUpstreamClose(t *testing.T) {
	upstream := newUpstream(t, upstreamOpts{onOpen: func(c *websocket.Conn) {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "bye"), time.Now().Add(time.Second))
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = c.ReadMessage()
	}})
	tunnelSrv, _ := newTunnelServer(t, 16)

	conn, _ := dialTunnel(t, tunnelSrv, upstream)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, 4001) {
		t.Fatalf("ReadMessage() error = %v, want close 4001", err)
	}
	var ce *websocket.CloseError
	if ce, _ = err.(*websocket.CloseError); ce != nil && ce.Text != "bye" {
		t.Errorf("close text = %q, want %q", ce.Text, "bye")
	}
}

func TestServer_ForwardsClientClose(t *testing.T) {
	closed := make(chan error, 1)
	upstream := newUpstream(t, upstreamOpts{onOpen: func(c *websocket.Conn) {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := c.ReadMessage()
		closed <- err
	}})
	tunnelSrv, _ := newTunnelServer(t, 16)

	conn, _ := dialTunnel(t, tunnelSrv, upstream)
	// Give the upstream side time to open so the close is relayed rather than dropped.
	time.Sleep(200 * time.Millisecond)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}

	select {
	case err := <-closed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("upstream read error = %v, want normal closure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never observed the close")
	}
}

func TestServer_InvalidTargetClosesWithPolicyViolation(t *testing.T) {
	tunnelSrv, _ := newTunnelServer(t, 16)

	u := strings.Replace(tunnelSrv.URL, "http://", "ws://", 1) + "/?ws=" + url.QueryEscape(b64("ftp://example.com/"))
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("ReadMessage() error = %v, want policy violation close", err)
	}
}

func TestServer_UnreachableUpstreamTerminatesClient(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	tunnelSrv, _ := newTunnelServer(t, 16)

	conn, _ := dialTunnel(t, tunnelSrv, dead)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("ReadMessage() succeeded, want connection terminated")
	}
}
