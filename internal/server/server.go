// Package server exposes the pricing service over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/contactkeval/pryce/internal/calibration"
	"github.com/contactkeval/pryce/internal/data"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/montecarlo"
	"github.com/contactkeval/pryce/internal/pricing"
	"github.com/contactkeval/pryce/internal/service"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type Server struct {
	svc     *service.Service
	timeout time.Duration
	engine  *gin.Engine
}

func New(svc *service.Service) *Server {
	cfg := svc.Config().Server
	s := &Server{svc: svc, timeout: cfg.RequestTimeout}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	corsCfg := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 {
		corsCfg.AllowOrigins = nil
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/calibrate", s.calibrate)
	api.DELETE("/calibrate", s.invalidate)
	api.GET("/price", s.price)
	api.GET("/payoff", s.payoff)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then drains in-flight
// requests for up to 30 seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type calibrateQuery struct {
	Ticker string   `form:"ticker"`
	Expiry string   `form:"expiry"`
	Window *float64 `form:"window"`
}

func (s *Server) calibrate(c *gin.Context) {
	var q calibrateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	view, err := s.svc.Calibrate(ctx, q.Ticker, q.Expiry, q.Window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) invalidate(c *gin.Context) {
	var q calibrateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}
	if err := s.svc.Invalidate(c.Request.Context(), q.Ticker, q.Expiry, q.Window); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) price(c *gin.Context) {
	var req service.PriceRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	resp, err := s.svc.Price(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) payoff(c *gin.Context) {
	var req service.PayoffRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, errors.Wrap(service.ErrInvalidRequest, err.Error()))
		return
	}
	resp, err := s.svc.Payoff(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.timeout)
}

// StatusFor maps an error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, data.ErrDataUnavailable):
		return http.StatusNotFound, "data_unavailable"
	case errors.Is(err, calibration.ErrCalibrationFailed):
		return http.StatusUnprocessableEntity, "calibration_failed"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, pricing.ErrNumericalDomain), errors.Is(err, montecarlo.ErrNonFinite):
		return http.StatusInternalServerError, "numerical_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	entry := logger.WithFields(logrus.Fields{"path": c.Request.URL.Path, "status": status, "code": code})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.Debugf("request rejected: %v", err)
	}
	c.AbortWithStatusJSON(status, ErrorBody{Code: code, Detail: err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"query":   c.Request.URL.RawQuery,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Microsecond),
		}).Debug("request")
	}
}
