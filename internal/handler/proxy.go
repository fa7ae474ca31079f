package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"alloy-proxy-go/internal/middleware"
	"alloy-proxy-go/internal/model"
	"alloy-proxy-go/internal/rewrite"
	"alloy-proxy-go/internal/service"
	"alloy-proxy-go/internal/shim"
)

// Inline error bodies. They are sent with status 200 so the browser renders
// them in place of the page.
const (
	msgBlocked     = "The URL you are trying to access is not permitted for use."
	msgTooLarge    = "The response from the target site is too large to be proxied."
	msgBadScheme   = "Only http and https URLs can be proxied."
	msgParsePrefix = "URL Parse Error: Invalid URL format. Path: "
)

// ProxyHandler serves everything under the proxy prefix.
type ProxyHandler struct {
	service *service.ProxyService
	prefix  string
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler for paths under prefix.
func NewProxyHandler(svc *service.ProxyService, prefix string, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		prefix:  prefix,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the proxied path, redirects non-canonical paths and
// otherwise returns the rewritten upstream response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	path, ok := strings.CutPrefix(req.URL.EscapedPath(), h.prefix)
	if !ok {
		return echo.ErrNotFound
	}
	if path == rewrite.HookRoute || path == rewrite.HookRoute+"/" {
		shim.ServeHTTP(c.Response(), req)
		return nil
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ProxyScheme:   c.Scheme(),
		ProxyHost:     req.Host,
	}

	res, err := h.service.Resolve(pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}
	c.Set(middleware.TargetKey, res.Target.URL.Redacted())

	if res.Redirect != "" {
		return c.Redirect(http.StatusPermanentRedirect, res.Redirect)
	}

	resp, err := h.service.Forward(pr, res.Target)
	if err != nil {
		return h.mapError(c, pr, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Debug("writing response body", "err", err, "path", req.URL.Path)
	}
	return nil
}

// mapError renders pipeline failures as inline text so the browser always
// has something to show. A client that went away gets nothing.
func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	if errors.Is(err, context.Canceled) && pr.Ctx.Err() != nil {
		h.logger.Debug("client disconnected", "path", c.Request().URL.Path)
		return nil
	}

	var msg string
	switch {
	case errors.Is(err, service.ErrBlocked):
		h.logger.Info("blocked request", "err", err)
		msg = msgBlocked
	case errors.Is(err, service.ErrUnsupportedScheme):
		h.logger.Debug("unsupported scheme", "err", err)
		msg = msgBadScheme
	case errors.Is(err, service.ErrInvalidURL):
		h.logger.Debug("invalid proxied path", "err", err, "path", pr.Path)
		msg = msgParsePrefix + "/" + pr.Path
	case errors.Is(err, service.ErrResponseTooLarge):
		h.logger.Warn("upstream response too large", "err", err)
		msg = msgTooLarge
	default:
		h.logger.Error("proxy error", "err", err, "path", c.Request().URL.Path)
		msg = err.Error()
	}

	return c.String(http.StatusOK, msg)
}
