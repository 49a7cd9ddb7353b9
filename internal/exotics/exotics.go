// Package exotics prices path-dependent contracts by simulating Heston
// paths. Every pricer is a pure function of its inputs and seed and returns
// a discounted estimate with its standard error.
package exotics

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/montecarlo"
)

// ErrInvalidRequest is returned, before any simulation work, for
// out-of-range contract or simulation inputs.
var ErrInvalidRequest = errors.New("invalid payoff request")

// Controls are the single-level simulation settings.
type Controls struct {
	Paths int
	Steps int
	Seed  uint64
	Run   montecarlo.RunOptions
}

// NestedControls are the settings of a two-level simulation. Steps is the
// budget over the full horizon; it is split between the outer and inner
// legs in proportion to their length.
type NestedControls struct {
	Outer int
	Inner int
	Steps int
	Seed  uint64
	Run   montecarlo.RunOptions
}

// Trials is the total number of simulated paths.
func (c NestedControls) Trials() int {
	return c.Outer * c.Inner
}

// Asian prices an arithmetic-average call: max(mean(S_t) - K, 0), where the
// average runs over all Steps+1 sampled prices including S0.
func Asian(ctx context.Context, p heston.Params, S0, K, T float64, ctl Controls) (montecarlo.Estimate, error) {
	if err := validate(p, S0, T, ctl.Paths, ctl.Steps, strikeCheck("K", K)); err != nil {
		return montecarlo.Estimate{}, err
	}
	logger.Debugf("asian: S0=%.4f K=%.4f T=%.4f paths=%d steps=%d", S0, K, T, ctl.Paths, ctl.Steps)

	sim := montecarlo.NewSimulator(p, S0, T, ctl.Steps)
	vals, err := montecarlo.Run(ctx, sim, ctl.Paths, ctl.Seed, ctl.Run, func(_ int, path *montecarlo.Path) (float64, error) {
		return math.Max(path.Average()-K, 0), nil
	})
	if err != nil {
		return montecarlo.Estimate{}, err
	}
	return montecarlo.Summarize(vals, math.Exp(-p.R*T)), nil
}

// BarrierUpIn prices an up-and-in call: 1{max S_t >= B} * max(S_T - K, 0).
//
// The running maximum is taken over the same sampled prices as the terminal
// payoff, S0 included, so B <= S0 knocks in at time zero. Crossings between
// sample times are not detected, which biases the knock-in probability down
// relative to continuous monitoring; finer Steps shrink the bias.
func BarrierUpIn(ctx context.Context, p heston.Params, S0, K, B, T float64, ctl Controls) (montecarlo.Estimate, error) {
	if err := validate(p, S0, T, ctl.Paths, ctl.Steps, strikeCheck("K", K), strikeCheck("B", B)); err != nil {
		return montecarlo.Estimate{}, err
	}
	logger.Debugf("barrier: S0=%.4f K=%.4f B=%.4f T=%.4f paths=%d steps=%d", S0, K, B, T, ctl.Paths, ctl.Steps)

	sim := montecarlo.NewSimulator(p, S0, T, ctl.Steps)
	vals, err := montecarlo.Run(ctx, sim, ctl.Paths, ctl.Seed, ctl.Run, func(_ int, path *montecarlo.Path) (float64, error) {
		if path.Max() < B {
			return 0, nil
		}
		return math.Max(path.Terminal().S-K, 0), nil
	})
	if err != nil {
		return montecarlo.Estimate{}, err
	}
	return montecarlo.Summarize(vals, math.Exp(-p.R*T)), nil
}

// European prices a vanilla call or put by simulation.
func European(ctx context.Context, p heston.Params, isCall bool, S0, K, T float64, ctl Controls) (montecarlo.Estimate, error) {
	if err := validate(p, S0, T, ctl.Paths, ctl.Steps, strikeCheck("K", K)); err != nil {
		return montecarlo.Estimate{}, err
	}

	sim := montecarlo.NewSimulator(p, S0, T, ctl.Steps)
	vals, err := montecarlo.Run(ctx, sim, ctl.Paths, ctl.Seed, ctl.Run, func(_ int, path *montecarlo.Path) (float64, error) {
		return vanilla(isCall, path.Terminal().S, K), nil
	})
	if err != nil {
		return montecarlo.Estimate{}, err
	}
	return montecarlo.Summarize(vals, math.Exp(-p.R*T)), nil
}

func vanilla(isCall bool, S, K float64) float64 {
	if isCall {
		return math.Max(S-K, 0)
	}
	return math.Max(K-S, 0)
}

// check is a deferred validation rule.
type check func() error

func strikeCheck(name string, v float64) check {
	return func() error {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be positive and finite, got %v", name, v)
		}
		return nil
	}
}

// premiumCheck admits zero, which turns a compound into its underlying.
func premiumCheck(name string, v float64) check {
	return func() error {
		if !(v >= 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be non-negative and finite, got %v", name, v)
		}
		return nil
	}
}

func validate(p heston.Params, S0, T float64, paths, steps int, extra ...check) error {
	err := p.Validate()
	if !(S0 > 0) || math.IsInf(S0, 0) {
		err = multierr.Append(err, fmt.Errorf("spot must be positive and finite, got %v", S0))
	}
	if !(T > 0) || math.IsInf(T, 0) {
		err = multierr.Append(err, fmt.Errorf("maturity must be positive, got %v", T))
	}
	if paths <= 0 {
		err = multierr.Append(err, fmt.Errorf("paths must be positive, got %d", paths))
	}
	if steps <= 0 {
		err = multierr.Append(err, fmt.Errorf("steps must be positive, got %d", steps))
	}
	for _, c := range extra {
		err = multierr.Append(err, c())
	}
	if err != nil {
		return errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return nil
}
