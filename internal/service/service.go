// Package service wires market data, calibration, caching and the pricers
// into the operations exposed over HTTP and the CLI.
package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/contactkeval/pryce/internal/cache"
	"github.com/contactkeval/pryce/internal/calibration"
	"github.com/contactkeval/pryce/internal/config"
	"github.com/contactkeval/pryce/internal/data"
	"github.com/contactkeval/pryce/internal/exotics"
	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/market"
	"github.com/contactkeval/pryce/internal/metrics"
)

// ErrInvalidRequest is the invalid-request kind shared with the pricers.
var ErrInvalidRequest = exotics.ErrInvalidRequest

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}

// CalibrationView is the cached outcome of one calibration, shaped for
// presentation.
type CalibrationView struct {
	Ticker      string                  `json:"ticker"`
	Expiry      string                  `json:"expiry"`
	S0          float64                 `json:"S0"`
	T           float64                 `json:"T"`
	Window      float64                 `json:"window"`
	Params      heston.Params           `json:"params"`
	Diagnostics calibration.Diagnostics `json:"diagnostics"`
	Curve       calibration.Curve       `json:"curve"`
	Source      string                  `json:"source"`
}

type Service struct {
	cfg        *config.Config
	provider   data.Provider
	calibrator *calibration.Calibrator
	cache      *cache.Cache[*CalibrationView]
}

// New builds a service. store may be nil for a process-local cache.
func New(cfg *config.Config, provider data.Provider, store cache.Store[*CalibrationView]) *Service {
	opts := calibration.DefaultOptions()
	opts.MaxIterations = cfg.Calibration.MaxIterations
	opts.MaxEvaluations = cfg.Calibration.MaxEvaluations
	opts.MaxRMSE = cfg.Calibration.MaxRMSE
	opts.Restarts = cfg.Calibration.Restarts

	return &Service{
		cfg:        cfg,
		provider:   provider,
		calibrator: calibration.NewCalibrator(opts),
		cache: cache.New[*CalibrationView](cache.Options{
			Name:     "calibration",
			TTL:      cfg.Cache.TTL,
			Capacity: cfg.Cache.Capacity,
		}, store),
	}
}

func (s *Service) Config() *config.Config { return s.cfg }

// CalibrationKey identifies one cached calibration.
func CalibrationKey(ticker, expiry string, window float64) string {
	return fmt.Sprintf("%s|%s|%.4f", ticker, expiry, window)
}

type calibrationArgs struct {
	ticker string
	expiry time.Time
	window float64
}

func (s *Service) parseCalibration(ticker, expiry string, window *float64) (calibrationArgs, error) {
	var a calibrationArgs
	a.ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if a.ticker == "" {
		return a, invalid("ticker is required")
	}
	exp, err := market.ParseExpiry(strings.TrimSpace(expiry))
	if err != nil {
		return a, invalid("%v", err)
	}
	a.expiry = exp

	a.window = s.cfg.Calibration.DefaultWindow
	if window != nil {
		a.window = *window
	}
	lo, hi := s.cfg.Calibration.MinWindow, s.cfg.Calibration.MaxWindow
	if !(a.window >= lo && a.window <= hi) {
		return a, invalid("window must be in [%g, %g], got %v", lo, hi, a.window)
	}
	return a, nil
}

// Calibrate returns the calibration for (ticker, expiry, window), running
// it at most once per key while cached. window nil selects the default.
func (s *Service) Calibrate(ctx context.Context, ticker, expiry string, window *float64) (*CalibrationView, error) {
	a, err := s.parseCalibration(ticker, expiry, window)
	if err != nil {
		return nil, err
	}
	key := CalibrationKey(a.ticker, a.expiry.Format(market.DateLayout), a.window)
	return s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*CalibrationView, error) {
		return s.calibrate(ctx, a)
	})
}

// Invalidate drops a cached calibration so the next request refits.
func (s *Service) Invalidate(ctx context.Context, ticker, expiry string, window *float64) error {
	a, err := s.parseCalibration(ticker, expiry, window)
	if err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, CalibrationKey(a.ticker, a.expiry.Format(market.DateLayout), a.window))
}

// PurgeCache empties the local calibration cache.
func (s *Service) PurgeCache() {
	s.cache.Purge()
}

// calibrate fits on the quotes inside the configured fit window; the
// requested window only selects which quotes the diagnostic curve shows.
func (s *Service) calibrate(ctx context.Context, a calibrationArgs) (*CalibrationView, error) {
	chain, err := s.provider.GetChain(ctx, a.ticker, a.expiry)
	if err != nil {
		return nil, err
	}
	full := chain.Slice(s.cfg.Market.Rate, s.cfg.Market.Yield)
	fit := full.Window(s.cfg.Calibration.FitWindow)
	logger.Debugf("calibrating %s %s: %d of %d quotes in fit window, source=%s",
		a.ticker, a.expiry.Format(market.DateLayout), len(fit.Quotes), len(full.Quotes), chain.Source)

	started := time.Now()
	res, err := s.calibrator.Calibrate(ctx, fit)
	rmse := math.NaN()
	if res != nil {
		rmse = res.Diagnostics.RMSE
	}
	metrics.ObserveCalibration(a.ticker, started, rmse, err)
	if err != nil {
		return nil, err
	}

	return &CalibrationView{
		Ticker:      a.ticker,
		Expiry:      a.expiry.Format(market.DateLayout),
		S0:          full.Spot,
		T:           full.T,
		Window:      a.window,
		Params:      res.Params,
		Diagnostics: res.Diagnostics,
		Curve:       calibration.BuildCurve(res.Params, full, a.window),
		Source:      chain.Source,
	}, nil
}
