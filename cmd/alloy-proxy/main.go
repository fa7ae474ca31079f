package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"alloy-proxy-go/internal/client"
	"alloy-proxy-go/internal/codec"
	"alloy-proxy-go/internal/config"
	"alloy-proxy-go/internal/handler"
	"alloy-proxy-go/internal/metrics"
	"alloy-proxy-go/internal/middleware"
	"alloy-proxy-go/internal/service"
	"alloy-proxy-go/internal/tunnel"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("alloy-proxy"),
		kong.Description("Content-rewriting web proxy with WebSocket tunneling."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newCodec,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			newTunnelServer,
			newProxyHandler,
			newEntryHandler,
			newTunnelHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Proxy.Prefix)
}

func newCodec(cfg *config.Config) *codec.Codec {
	return codec.New(cfg.Proxy.LegacyTokensEnabled())
}

func newTunnelServer(cfg *config.Config, svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *tunnel.Server {
	return tunnel.NewServer(cfg, svc.PickLocalAddr, logger, m)
}

func newProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *handler.ProxyHandler {
	return handler.NewProxyHandler(svc, cfg.Proxy.Prefix, logger)
}

func newEntryHandler(cd *codec.Codec, cfg *config.Config) *handler.EntryHandler {
	return handler.NewEntryHandler(cd, cfg.Proxy.Prefix)
}

func newTunnelHandler(ts *tunnel.Server) *handler.TunnelHandler {
	return handler.NewTunnelHandler(ts)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, th *handler.TunnelHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// No WriteTimeout: tunnels and slow upstreams legitimately hold a
	// response open. The upstream client timeout bounds proxied requests.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
		)
	}
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	// Upgrades are taken over before the body limit and routing, whatever
	// path the page's script chose.
	e.Use(th.Intercept())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"prefix", cfg.Proxy.Prefix,
				"config", cfg.FilePath(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
