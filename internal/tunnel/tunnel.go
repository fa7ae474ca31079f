// Package tunnel relays WebSocket connections between the browser and the
// sites it reaches through the proxy.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"alloy-proxy-go/internal/client"
	"alloy-proxy-go/internal/config"
	"alloy-proxy-go/internal/metrics"
)

// closeGrace bounds how long a side may take to answer a forwarded close frame.
const closeGrace = 5 * time.Second

// flushTimeout bounds writing the pre-open queue to a freshly dialed upstream.
const flushTimeout = 10 * time.Second

// Server accepts client WebSocket upgrades and bridges each one to its
// upstream target.
type Server struct {
	upgrader   websocket.Upgrader
	dialer     websocket.Dialer
	maxPending int
	localAddr  func() net.IP
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewServer creates a Server. localAddr, when non-nil, picks the source
// address of each upstream connection. The metrics parameter is optional.
func NewServer(cfg *config.Config, localAddr func() net.IP, logger *slog.Logger, m *metrics.Metrics) *Server {
	netDialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	dialer := websocket.Dialer{
		NetDialContext:   client.LocalAddrDialer(netDialer),
		HandshakeTimeout: time.Duration(cfg.WebSocket.HandshakeTimeoutSeconds) * time.Second,
	}
	if cfg.Upstream.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via upstream.insecure_skip_verify
	}

	return &Server{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(cfg.WebSocket.HandshakeTimeoutSeconds) * time.Second,
			// Pages are served from the proxy origin but keep whatever
			// origin the target site expects, so the check cannot be strict.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer:     dialer,
		maxPending: cfg.WebSocket.MaxPendingMessages,
		localAddr:  localAddr,
		logger:     logger.With("component", "tunnel"),
		metrics:    m,
	}
}

type message struct {
	typ  int
	data []byte
}

// tunnel is the state shared by the two halves of one relay.
type tunnel struct {
	client *websocket.Conn

	mu       sync.Mutex
	upstream *websocket.Conn // nil until the upstream handshake completes
	pending  []message
	done     bool // client side finished; a late upstream must be discarded
}

// ServeHTTP upgrades the client connection, dials the target named in the
// query string and relays messages until either side goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, targetErr := ParseTarget(r.URL.Query())
	protocols := websocket.Subprotocols(r)

	var respHeader http.Header
	if targetErr == nil && len(protocols) > 0 {
		respHeader = http.Header{"Sec-Websocket-Protocol": {protocols[0]}}
	}

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if targetErr != nil {
		s.logger.Debug("rejecting websocket tunnel", "err", targetErr)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid target"),
			time.Now().Add(closeGrace))
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveTunnels.Inc()
		defer s.metrics.ActiveTunnels.Dec()
	}

	logger := s.logger.With("target", target.URL.Redacted())
	logger.Debug("websocket tunnel opened")

	// The dial is abandoned as soon as the client leaves.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if s.localAddr != nil {
		ctx = client.WithLocalAddr(ctx, s.localAddr())
	}

	t := &tunnel{client: conn}
	header := upstreamHeader(r.Header, target.Origin)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runUpstream(ctx, t, target, protocols, header, logger)
	}()

	s.readClient(t, cancel, logger)
	wg.Wait()
	logger.Debug("websocket tunnel closed")
}

// readClient relays client messages upstream, queueing them until the
// upstream connection is open. It returns when the client side ends.
func (s *Server) readClient(t *tunnel, cancel context.CancelFunc, logger *slog.Logger) {
	for {
		typ, data, err := t.client.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.done = true
			up := t.upstream
			t.mu.Unlock()

			cancel()
			if up != nil {
				forwardClose(up, err)
			}
			logClose(logger, "client", err)
			return
		}

		t.mu.Lock()
		up := t.upstream
		if up == nil {
			if s.maxPending > 0 && len(t.pending) >= s.maxPending {
				t.done = true
				t.mu.Unlock()
				logger.Warn("websocket pre-open queue overflow; terminating", "limit", s.maxPending)
				cancel()
				_ = t.client.Close()
				return
			}
			t.pending = append(t.pending, message{typ: typ, data: data})
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()

		// After the flush only this goroutine writes data frames upstream.
		if err := up.WriteMessage(typ, data); err != nil {
			logger.Debug("write to upstream failed", "err", err)
			_ = up.Close()
			return
		}
		s.count(metrics.DirectionUpstream)
	}
}

// runUpstream dials the target, flushes queued client messages in order and
// relays upstream messages to the client.
func (s *Server) runUpstream(ctx context.Context, t *tunnel, target *Target, protocols []string, header http.Header, logger *slog.Logger) {
	dialer := s.dialer
	dialer.Subprotocols = protocols

	up, resp, err := dialer.DialContext(ctx, target.URL.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("websocket upstream dial failed", "err", err)
		}
		// Terminate rather than close: the client never had a peer.
		_ = t.client.Close()
		return
	}
	defer func() { _ = up.Close() }()

	if !s.flush(t, up, logger) {
		return
	}

	for {
		typ, data, err := up.ReadMessage()
		if err != nil {
			forwardClose(t.client, err)
			logClose(logger, "upstream", err)
			return
		}
		if err := t.client.WriteMessage(typ, data); err != nil {
			logger.Debug("write to client failed", "err", err)
			_ = t.client.Close()
			return
		}
		s.count(metrics.DirectionDownstream)
	}
}

// flush drains the pre-open queue into up and publishes up once the queue is
// empty. Writes happen outside the lock so a slow upstream never blocks the
// client reader; messages queued meanwhile go out in a later batch. It
// reports false when the tunnel is finished.
func (s *Server) flush(t *tunnel, up *websocket.Conn, logger *slog.Logger) bool {
	_ = up.SetWriteDeadline(time.Now().Add(flushTimeout))
	defer func() { _ = up.SetWriteDeadline(time.Time{}) }()

	for {
		t.mu.Lock()
		if t.done {
			t.mu.Unlock()
			return false
		}
		batch := t.pending
		t.pending = nil
		if len(batch) == 0 {
			t.upstream = up
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()

		for _, m := range batch {
			if err := up.WriteMessage(m.typ, m.data); err != nil {
				logger.Debug("flushing queued messages failed", "err", err)
				_ = t.client.Close()
				return false
			}
			s.count(metrics.DirectionUpstream)
		}
	}
}

func (s *Server) count(direction string) {
	if s.metrics != nil {
		s.metrics.TunnelMessages.WithLabelValues(direction).Inc()
	}
}

// forwardClose propagates the way one side ended to the other: a close
// frame is passed on, anything else terminates the peer.
func forwardClose(peer *websocket.Conn, err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code == websocket.CloseAbnormalClosure || ce.Code == websocket.CloseTLSHandshake {
		_ = peer.Close()
		return
	}
	deadline := time.Now().Add(closeGrace)
	if werr := peer.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text), deadline); werr != nil {
		_ = peer.Close()
		return
	}
	// Wait for the peer's answering close frame, but not forever.
	_ = peer.SetReadDeadline(deadline)
}

func logClose(logger *slog.Logger, side string, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		logger.Debug("websocket side ended unexpectedly", "side", side, "err", err)
	}
}
