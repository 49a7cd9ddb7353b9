// Package heston implements the Heston stochastic volatility model: the
// parameter set, its characteristic function and semi-analytic European
// option prices.
package heston

import (
	"fmt"
	"math"

	"go.uber.org/multierr"
)

// Params is a full Heston parameterization. It is a plain value: copy it,
// never mutate a shared instance.
type Params struct {
	Kappa float64 `json:"kappa"` // mean-reversion speed, > 0
	Theta float64 `json:"theta"` // long-run variance, > 0
	Sigma float64 `json:"sigma"` // volatility of variance, > 0
	Rho   float64 `json:"rho"`   // price-variance correlation, in [-1, 1]
	V0    float64 `json:"v0"`    // initial variance, > 0
	R     float64 `json:"r"`     // risk-free rate
	Q     float64 `json:"q"`     // dividend or convenience yield
}

// Validate checks finiteness and the strict bounds of every field. All
// violations are reported together.
func (p Params) Validate() error {
	var err error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"kappa", p.Kappa}, {"theta", p.Theta}, {"sigma", p.Sigma},
		{"rho", p.Rho}, {"v0", p.V0}, {"r", p.R}, {"q", p.Q},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			err = multierr.Append(err, fmt.Errorf("%s is not finite: %v", f.name, f.v))
		}
	}
	if !(p.Kappa > 0) {
		err = multierr.Append(err, fmt.Errorf("kappa must be > 0, got %v", p.Kappa))
	}
	if !(p.Theta > 0) {
		err = multierr.Append(err, fmt.Errorf("theta must be > 0, got %v", p.Theta))
	}
	if !(p.Sigma > 0) {
		err = multierr.Append(err, fmt.Errorf("sigma must be > 0, got %v", p.Sigma))
	}
	if !(p.Rho >= -1 && p.Rho <= 1) {
		err = multierr.Append(err, fmt.Errorf("rho must be in [-1, 1], got %v", p.Rho))
	}
	if !(p.V0 > 0) {
		err = multierr.Append(err, fmt.Errorf("v0 must be > 0, got %v", p.V0))
	}
	return err
}

// FellerRatio returns 2κθ/σ². A ratio >= 1 is the classical sufficient
// condition for the variance to stay strictly positive in continuous time.
// It is a diagnostic only.
func (p Params) FellerRatio() float64 {
	return 2 * p.Kappa * p.Theta / (p.Sigma*p.Sigma + 1e-16)
}

// WithV0 returns a copy of p restarted from variance v.
func (p Params) WithV0(v float64) Params {
	p.V0 = v
	return p
}

func (p Params) String() string {
	return fmt.Sprintf("kappa=%.4f theta=%.4f sigma=%.4f rho=%.4f v0=%.4f r=%.4f q=%.4f",
		p.Kappa, p.Theta, p.Sigma, p.Rho, p.V0, p.R, p.Q)
}
