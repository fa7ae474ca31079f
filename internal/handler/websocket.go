package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// TunnelHandler hands WebSocket upgrades to the tunnel server.
type TunnelHandler struct {
	tunnel http.Handler
}

// NewTunnelHandler creates a TunnelHandler backed by tunnel.
func NewTunnelHandler(tunnel http.Handler) *TunnelHandler {
	return &TunnelHandler{tunnel: tunnel}
}

// Intercept is an Echo middleware that takes over any WebSocket upgrade
// carrying a ws query parameter, whatever its path. Other requests pass on.
func (h *TunnelHandler) Intercept() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !websocket.IsWebSocketUpgrade(req) || req.URL.Query().Get("ws") == "" {
				return next(c)
			}
			h.tunnel.ServeHTTP(c.Response(), req)
			return nil
		}
	}
}
