package exotics

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/montecarlo"
)

// InnerMethod selects how the compound option values the underlying call
// at the first expiry.
type InnerMethod string

const (
	InnerMonteCarlo InnerMethod = "montecarlo"
	InnerAnalytic   InnerMethod = "analytic"
)

// ParseInnerMethod maps an empty string to InnerMonteCarlo.
func ParseInnerMethod(s string) (InnerMethod, error) {
	switch InnerMethod(s) {
	case "", InnerMonteCarlo:
		return InnerMonteCarlo, nil
	case InnerAnalytic:
		return InnerAnalytic, nil
	}
	return "", errors.Wrapf(ErrInvalidRequest, "unknown inner method %q", s)
}

// innerSalt separates the inner stream family from the outer one.
const innerSalt = 0xD1B54A32D192ED03

// innerSeed is the base seed for the inner simulations started from outer
// path i.
func innerSeed(seed uint64, outer int) uint64 {
	return montecarlo.DeriveSeed(seed^innerSalt, outer)
}

// innerTerminals simulates ctl.Inner paths from state over horizon and
// returns their terminal prices. Inner runs stay on the calling goroutine;
// parallelism lives at the outer level.
func innerTerminals(ctx context.Context, outer montecarlo.Simulator, state montecarlo.State,
	horizon float64, steps int, ctl NestedControls, i int) ([]float64, error) {
	sim := outer.From(state, horizon, steps)
	return montecarlo.Run(ctx, sim, ctl.Inner, innerSeed(ctl.Seed, i),
		montecarlo.RunOptions{Workers: 1, Chunk: ctl.Inner},
		func(_ int, path *montecarlo.Path) (float64, error) {
			return path.S[len(path.S)-1], nil
		})
}

func meanPayoff(terminals []float64, isCall bool, K float64) float64 {
	sum := 0.0
	for _, s := range terminals {
		sum += vanilla(isCall, s, K)
	}
	return sum / float64(len(terminals))
}

// Chooser prices a simple chooser: at tau the holder picks the more
// valuable of a call and a put struck at K expiring at T.
//
// Each outer path is simulated to tau; from its state, Inner paths are run
// to T and both legs are valued on the same inner sample, discounted back to
// tau. The outer payoff max(call, put) is then discounted to zero.
func Chooser(ctx context.Context, p heston.Params, S0, K, T, tau float64, ctl NestedControls) (montecarlo.Estimate, error) {
	err := validate(p, S0, T, ctl.Outer, ctl.Steps,
		strikeCheck("K", K),
		positive("inner paths", ctl.Inner),
		func() error {
			if !(tau > 0 && tau < T) {
				return fmt.Errorf("choice time must satisfy 0 < tau < T, got tau=%v T=%v", tau, T)
			}
			return nil
		})
	if err != nil {
		return montecarlo.Estimate{}, err
	}

	outerSteps := montecarlo.StepsFor(ctl.Steps, tau, T)
	innerSteps := montecarlo.StepsFor(ctl.Steps, T-tau, T)
	logger.Debugf("chooser: K=%.4f T=%.4f tau=%.4f outer=%d inner=%d steps=%d/%d",
		K, T, tau, ctl.Outer, ctl.Inner, outerSteps, innerSteps)

	dfInner := math.Exp(-p.R * (T - tau))
	outer := montecarlo.NewSimulator(p, S0, tau, outerSteps)
	vals, err := montecarlo.Run(ctx, outer, ctl.Outer, ctl.Seed, ctl.Run, func(i int, path *montecarlo.Path) (float64, error) {
		terms, err := innerTerminals(ctx, outer, path.Terminal(), T-tau, innerSteps, ctl, i)
		if err != nil {
			return 0, err
		}
		call := dfInner * meanPayoff(terms, true, K)
		put := dfInner * meanPayoff(terms, false, K)
		return math.Max(call, put), nil
	})
	if err != nil {
		return montecarlo.Estimate{}, err
	}
	est := montecarlo.Summarize(vals, math.Exp(-p.R*tau))
	est.Trials = ctl.Trials()
	return est, nil
}

// CompoundCallOnCall prices a call struck at K1 expiring at T1 on a call
// struck at K2 expiring at T2.
//
// Outer paths run to T1. The underlying call is then valued from each
// terminal state either by an inner simulation to T2 or, with
// InnerAnalytic, by the semi-closed-form Heston price using the simulated
// variance as the starting variance.
func CompoundCallOnCall(ctx context.Context, p heston.Params, S0, K1, K2, T1, T2 float64,
	method InnerMethod, ctl NestedControls) (montecarlo.Estimate, error) {
	checks := []check{
		premiumCheck("K1", K1),
		strikeCheck("K2", K2),
		func() error {
			if !(T2 > T1) {
				return fmt.Errorf("second expiry must follow the first, got T1=%v T2=%v", T1, T2)
			}
			return nil
		},
	}
	if method != InnerAnalytic {
		checks = append(checks, positive("inner paths", ctl.Inner))
	}
	if err := validate(p, S0, T1, ctl.Outer, ctl.Steps, checks...); err != nil {
		return montecarlo.Estimate{}, err
	}

	outerSteps := montecarlo.StepsFor(ctl.Steps, T1, T2)
	innerSteps := montecarlo.StepsFor(ctl.Steps, T2-T1, T2)
	logger.Debugf("compound: K1=%.4f K2=%.4f T1=%.4f T2=%.4f method=%s outer=%d inner=%d",
		K1, K2, T1, T2, method, ctl.Outer, ctl.Inner)

	dfInner := math.Exp(-p.R * (T2 - T1))
	outer := montecarlo.NewSimulator(p, S0, T1, outerSteps)
	vals, err := montecarlo.Run(ctx, outer, ctl.Outer, ctl.Seed, ctl.Run, func(i int, path *montecarlo.Path) (float64, error) {
		st := path.Terminal()
		var underlying float64
		if method == InnerAnalytic {
			underlying = heston.CallPrice(p.WithV0(st.V), st.S, K2, T2-T1)
		} else {
			terms, err := innerTerminals(ctx, outer, st, T2-T1, innerSteps, ctl, i)
			if err != nil {
				return 0, err
			}
			underlying = dfInner * meanPayoff(terms, true, K2)
		}
		return math.Max(underlying-K1, 0), nil
	})
	if err != nil {
		return montecarlo.Estimate{}, err
	}
	est := montecarlo.Summarize(vals, math.Exp(-p.R*T1))
	if method != InnerAnalytic {
		est.Trials = ctl.Trials()
	}
	return est, nil
}

func positive(name string, n int) check {
	return func() error {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
		return nil
	}
}
