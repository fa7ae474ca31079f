package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"alloy-proxy-go/internal/config"
	"alloy-proxy-go/internal/metrics"
	"alloy-proxy-go/internal/middleware"
)

// Routes groups the handlers RegisterRoutes wires onto Echo.
type Routes struct {
	fx.In

	Config  *config.Config
	Proxy   *ProxyHandler
	Entry   *EntryHandler
	Health  *HealthHandler
	Metrics *metrics.Metrics `optional:"true"`
}

// RegisterRoutes wires all route handlers onto the Echo instance. Proxied
// pages are framed and scripted by the sites they come from, so the security
// headers only apply to the proxy's own endpoints.
func RegisterRoutes(e *echo.Echo, r Routes) {
	secure := middleware.SecurityHeaders()
	e.GET("/healthz", r.Health.Healthz, secure)
	e.GET("/proxy/status", r.Health.Status, secure)
	if r.Metrics != nil && r.Config.Metrics.Enabled {
		e.GET(r.Config.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(r.Metrics.Registry, promhttp.HandlerOpts{})), secure)
	}

	for _, path := range EntryRoutes {
		e.GET(path, r.Entry.Redirect)
	}

	e.Any(r.Config.Proxy.Prefix+"*", r.Proxy.Handle)

	if dir := r.Config.Server.StaticDir; dir != "" {
		e.Static("/", dir)
	}
}
