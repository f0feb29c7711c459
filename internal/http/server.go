// Package http exposes the review queue over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/slidereviewd/internal/config"
	"github.com/fyrsmithlabs/slidereviewd/internal/queue"
	"github.com/fyrsmithlabs/slidereviewd/internal/records"
	"github.com/fyrsmithlabs/slidereviewd/internal/review"
)

// reviewerHeader identifies the reviewer on every API request.
const reviewerHeader = "X-Reviewer"

// Server is the HTTP front end over the record store, the lease queue and
// the reconciler.
type Server struct {
	echo     *echo.Echo
	cfg      *config.ServerConfig
	logger   *zap.Logger
	store    *records.Store
	queue    queue.Service
	rec      *review.Reconciler
	imageDir string
}

// NewServer wires routes and middleware. All dependencies are required
// except the meter provider, which may be nil to disable HTTP metrics.
func NewServer(cfg *config.ServerConfig, store *records.Store, q queue.Service, rec *review.Reconciler, imageDir string, logger *zap.Logger, mp metric.MeterProvider) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if q == nil {
		return nil, errors.New("queue service is required")
	}
	if rec == nil {
		return nil, errors.New("reconciler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		cfg:      cfg,
		logger:   logger,
		store:    store,
		queue:    q,
		rec:      rec,
		imageDir: imageDir,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}
	if mp != nil {
		mw, err := requestMetrics(mp)
		if err != nil {
			return nil, err
		}
		e.Use(mw)
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.echo.GET("/health", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api/v1")
	api.GET("/queue/next", s.assignNext)
	api.GET("/queue/stats", s.stats)
	api.POST("/queue/jump", s.jump)
	api.GET("/items/:index", s.getItem)
	api.POST("/items/:index", s.submitItem)
	api.POST("/lease/release", s.releaseLease)
	api.POST("/search", s.search)
	api.GET("/history", s.history)

	s.echo.GET("/images/:kind/:filename", s.serveImage)
}

// requestLogger logs one line per request through zap.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				s.logger.Warn("request failed", fields...)
				return nil
			}
			s.logger.Info("request", fields...)
			return nil
		},
	})
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }
