// Package calibration fits Heston parameters to an observed implied
// volatility slice.
package calibration

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/optimize"

	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/market"
	"github.com/contactkeval/pryce/internal/pricing"
)

// ErrCalibrationFailed marks every failure to produce a feasible, well
// fitting parameter set. Callers match it with errors.Is.
var ErrCalibrationFailed = errors.New("calibration failed")

// MinQuotes is the smallest slice the five free parameters are fit to.
const MinQuotes = 5

// infeasible is the objective value for parameter sets the pricer cannot
// evaluate.
const infeasible = 1e6

// Bounds is the box, in parameter order kappa, theta, sigma, rho, v0, the
// optimizer searches.
type Bounds struct {
	Lo [5]float64
	Hi [5]float64
}

// DefaultBounds keeps every parameter strictly inside its valid domain.
var DefaultBounds = Bounds{
	Lo: [5]float64{1e-3, 1e-4, 1e-3, -0.999, 1e-4},
	Hi: [5]float64{20, 4, 5, 0.999, 4},
}

// Options controls the optimizer budget and the acceptance threshold.
type Options struct {
	MaxIterations  int     // Nelder-Mead major iterations per start
	MaxEvaluations int     // objective evaluations per start
	MaxRMSE        float64 // implied-vol RMSE above which the fit is rejected
	Restarts       int     // simplex restarts from the incumbent
	Workers        int     // parallel strike pricing, <= 0 means GOMAXPROCS
	Bounds         Bounds
}

// DefaultOptions returns the production optimizer budget.
func DefaultOptions() Options {
	return Options{
		MaxIterations:  2000,
		MaxEvaluations: 4000,
		MaxRMSE:        0.05,
		Restarts:       1,
		Workers:        runtime.GOMAXPROCS(0),
		Bounds:         DefaultBounds,
	}
}

// Diagnostics describes the quality of a converged fit.
type Diagnostics struct {
	RMSE        float64 `json:"rmse_iv"`
	Feller      float64 `json:"feller"`
	Iterations  int     `json:"iterations"`
	Evaluations int     `json:"evaluations"`
	Status      string  `json:"status"`
}

// Result is a calibrated parameter set together with the slice it was fit
// to. It is immutable once returned.
type Result struct {
	Params      heston.Params `json:"params"`
	Slice       market.Slice  `json:"slice"`
	Diagnostics Diagnostics   `json:"diagnostics"`
}

// Calibrator fits heston.Params to market slices. It holds no per-call state
// and is safe for concurrent use.
type Calibrator struct {
	opts Options
}

// NewCalibrator returns a calibrator, filling unset options with defaults.
func NewCalibrator(opts Options) *Calibrator {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = def.MaxEvaluations
	}
	if opts.MaxRMSE <= 0 {
		opts.MaxRMSE = def.MaxRMSE
	}
	if opts.Restarts < 0 {
		opts.Restarts = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Bounds == (Bounds{}) {
		opts.Bounds = def.Bounds
	}
	return &Calibrator{opts: opts}
}

// Options returns the effective options.
func (c *Calibrator) Options() Options {
	return c.opts
}

// InitialGuess seeds the optimizer: v0 and theta at the at-the-money
// variance, moderate mean reversion and vol-of-vol, negative correlation.
func InitialGuess(slice market.Slice) heston.Params {
	atm := slice.ATMVol()
	if !(atm > 0) {
		atm = 0.2
	}
	v := atm * atm
	return heston.Params{
		Kappa: 2.0,
		Theta: v,
		Sigma: 0.5,
		Rho:   -0.5,
		V0:    v,
		R:     slice.Rate,
		Q:     slice.Yield,
	}
}

// Calibrate minimizes the sum of squared implied-vol errors over the slice.
//
// It fails with ErrCalibrationFailed when the slice is unusable, when the
// optimizer cannot produce a finite parameter set inside the bounds, or when
// the resulting RMSE exceeds Options.MaxRMSE.
func (c *Calibrator) Calibrate(ctx context.Context, slice market.Slice) (*Result, error) {
	if err := slice.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCalibrationFailed, "invalid slice: %v", err)
	}
	if len(slice.Quotes) < MinQuotes {
		return nil, errors.Wrapf(ErrCalibrationFailed, "need at least %d quotes, got %d", MinQuotes, len(slice.Quotes))
	}

	log := logger.WithFields(logrus.Fields{
		"ticker": slice.Ticker,
		"quotes": len(slice.Quotes),
		"T":      slice.T,
	})
	log.Info("calibration started")
	started := time.Now()

	b := c.opts.Bounds
	evals := 0
	objective := func(y []float64) float64 {
		evals++
		p := fromUnbounded(y, b, slice.Rate, slice.Yield)
		ivs, err := c.modelIVs(ctx, p, slice)
		if err != nil {
			return infeasible
		}
		sse := 0.0
		for i, q := range slice.Quotes {
			d := ivs[i] - q.IV
			sse += d * d
		}
		if math.IsNaN(sse) || math.IsInf(sse, 0) {
			return infeasible
		}
		logger.Tracef("calibration eval=%d sse=%.6e %s", evals, sse, p)
		return sse
	}

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		MajorIterations: c.opts.MaxIterations,
		FuncEvaluations: c.opts.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 200,
		},
	}

	x := toUnbounded(InitialGuess(slice), b)
	var (
		best       *optimize.Result
		iterations int
	)
	for start := 0; start <= c.opts.Restarts; start++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "calibration cancelled")
		}
		res, err := optimize.Minimize(problem, x, settings, &optimize.NelderMead{})
		if res == nil {
			return nil, errors.Wrapf(ErrCalibrationFailed, "optimizer: %v", err)
		}
		if err != nil {
			log.WithError(err).Debugf("optimizer stopped with status %v", res.Status)
		}
		iterations += res.Stats.MajorIterations
		if best == nil || res.F < best.F {
			best = res
		}
		x = best.X
	}

	p := fromUnbounded(best.X, b, slice.Rate, slice.Yield)
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCalibrationFailed, "infeasible parameters: %v", err)
	}
	if !b.contains(p) {
		return nil, errors.Wrapf(ErrCalibrationFailed, "parameters outside bounds: %s", p)
	}

	ivs, err := c.modelIVs(ctx, p, slice)
	if err != nil {
		return nil, errors.Wrapf(ErrCalibrationFailed, "pricing fitted parameters: %v", err)
	}
	rmse := RMSE(ivs, marketIVs(slice))
	if math.IsNaN(rmse) || rmse > c.opts.MaxRMSE {
		return nil, errors.Wrapf(ErrCalibrationFailed, "residual too large: rmse=%.4f threshold=%.4f", rmse, c.opts.MaxRMSE)
	}

	diag := Diagnostics{
		RMSE:        rmse,
		Feller:      p.FellerRatio(),
		Iterations:  iterations,
		Evaluations: evals,
		Status:      best.Status.String(),
	}
	log.WithFields(logrus.Fields{
		"rmse":    diag.RMSE,
		"feller":  diag.Feller,
		"evals":   diag.Evaluations,
		"elapsed": time.Since(started).Round(time.Millisecond),
	}).Infof("calibration converged: %s", p)

	return &Result{Params: p, Slice: slice, Diagnostics: diag}, nil
}

// modelIVs prices every quote under p and translates the prices into
// implied volatilities. Strikes are priced in parallel.
func (c *Calibrator) modelIVs(ctx context.Context, p heston.Params, slice market.Slice) ([]float64, error) {
	ivs := make([]float64, len(slice.Quotes))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, q := range slice.Quotes {
		g.Go(func() error {
			iv, err := ModelIV(p, slice.Spot, q.Strike, slice.T)
			if err != nil {
				return err
			}
			ivs[i] = iv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ivs, nil
}

// ModelIV returns the Black-Scholes implied volatility of the Heston price at
// strike K. The out-of-the-money side is inverted, and the price is clamped
// into the invertible range first, so a finite price never fails.
func ModelIV(p heston.Params, S, K, T float64) (float64, error) {
	fwd := S * math.Exp((p.R-p.Q)*T)
	isCall := K >= fwd
	price := heston.OptionPrice(p, isCall, S, K, T)
	return pricing.ImpliedVolClamped(isCall, price, S, K, T, p.R, p.Q)
}

func marketIVs(slice market.Slice) []float64 {
	out := make([]float64, len(slice.Quotes))
	for i, q := range slice.Quotes {
		out[i] = q.IV
	}
	return out
}

// fromUnbounded maps an unconstrained optimizer point into the box with a
// logistic transform, so every evaluated point is feasible.
func fromUnbounded(y []float64, b Bounds, r, q float64) heston.Params {
	var x [5]float64
	for i := range x {
		x[i] = b.Lo[i] + (b.Hi[i]-b.Lo[i])/(1+math.Exp(-y[i]))
	}
	return heston.Params{Kappa: x[0], Theta: x[1], Sigma: x[2], Rho: x[3], V0: x[4], R: r, Q: q}
}

// toUnbounded is the inverse of fromUnbounded. Values on or outside the box
// are pulled just inside it.
func toUnbounded(p heston.Params, b Bounds) []float64 {
	x := [5]float64{p.Kappa, p.Theta, p.Sigma, p.Rho, p.V0}
	y := make([]float64, 5)
	for i := range x {
		span := b.Hi[i] - b.Lo[i]
		f := (x[i] - b.Lo[i]) / span
		f = math.Min(math.Max(f, 1e-6), 1-1e-6)
		y[i] = math.Log(f / (1 - f))
	}
	return y
}

func (b Bounds) contains(p heston.Params) bool {
	x := [5]float64{p.Kappa, p.Theta, p.Sigma, p.Rho, p.V0}
	for i := range x {
		if x[i] < b.Lo[i] || x[i] > b.Hi[i] {
			return false
		}
	}
	return true
}
