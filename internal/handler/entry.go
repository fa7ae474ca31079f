package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"alloy-proxy-go/internal/codec"
)

// EntryRoutes are the paths that accept a base64 url parameter and start a
// proxied session.
var EntryRoutes = []string{"/prox", "/prox/", "/session", "/session/"}

// EntryHandler turns a base64 url parameter into a proxied path.
type EntryHandler struct {
	codec  *codec.Codec
	prefix string
}

// NewEntryHandler creates an EntryHandler.
func NewEntryHandler(cd *codec.Codec, prefix string) *EntryHandler {
	return &EntryHandler{codec: cd, prefix: prefix}
}

// Redirect answers with a permanent redirect to the proxied form of the url
// parameter. Input without a scheme is taken as http.
func (h *EntryHandler) Redirect(c echo.Context) error {
	raw := c.QueryParam("url")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing url parameter")
	}
	target, err := codec.DecodeBase64(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "url parameter is not base64")
	}
	target = strings.TrimSpace(target)

	switch {
	case strings.HasPrefix(target, "//"):
		target = "http:" + target
	case !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://"):
		target = "http://" + target
	}

	return c.Redirect(http.StatusMovedPermanently, h.prefix+h.codec.Encode(target))
}
