package pricing

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Volatility domain searched by the implied-volatility inverter. Prices
// outside [price(MinVol), price(MaxVol)] have no finite implied volatility.
const (
	MinVol = 1e-4
	MaxVol = 5.0
)

// clampEps keeps a clamped price strictly inside the bound interval so the
// root finder always sees a sign change.
const clampEps = 1e-8

// ErrNumericalDomain is returned when an input lies outside the domain a
// numerical routine can handle, such as a price with no implied volatility.
var ErrNumericalDomain = errors.New("numerical domain failure")

// BlackScholesPrice calculates the price of a European option using the
// Black-Scholes model with a continuous dividend yield.
//
// Parameters:
//   - isCall: true for call option, false for put option
//   - S: spot price of the underlying asset
//   - K: strike price of the option
//   - T: time to expiry in years
//   - r: risk-free interest rate (annual, continuous)
//   - q: dividend or convenience yield (annual, continuous)
//   - sigma: volatility of the underlying asset (annual, as a decimal)
//
// With T <= 0 the intrinsic value is returned. With sigma <= 0 the zero
// volatility limit, the discounted forward intrinsic value, is returned.
func BlackScholesPrice(
	isCall bool,
	S float64, // spot
	K float64, // strike
	T float64, // time to expiry in years
	r float64, // risk-free rate
	q float64, // dividend yield
	sigma float64, // volatility
) float64 {

	if T <= 0 {
		if isCall {
			return math.Max(0, S-K)
		}
		return math.Max(0, K-S)
	}

	df := math.Exp(-r * T)
	fwd := S * math.Exp((r-q)*T)

	if sigma <= 0 {
		if isCall {
			return df * math.Max(0, fwd-K)
		}
		return df * math.Max(0, K-fwd)
	}

	sqrtT := math.Sqrt(T)
	d1 := (math.Log(fwd/K) + 0.5*sigma*sigma*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	if isCall {
		return df * (fwd*normCDF(d1) - K*normCDF(d2))
	}
	return df * (K*normCDF(-d2) - fwd*normCDF(-d1))
}

// BlackScholesVega calculates the sensitivity of the option price to a unit
// change in volatility. It is identical for calls and puts and returns 0 if
// T or sigma is non-positive.
func BlackScholesVega(
	S float64,
	K float64,
	T float64,
	r float64,
	q float64,
	sigma float64,
) float64 {

	if T <= 0 || sigma <= 0 {
		return 0
	}

	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r-q+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	return S * math.Exp(-q*T) * normPDF(d1) * sqrtT
}

// PriceBounds returns the Black-Scholes prices at MinVol and MaxVol. Any
// price with a finite implied volatility on the searched domain lies in
// [lo, hi].
func PriceBounds(isCall bool, S, K, T, r, q float64) (lo, hi float64) {
	lo = BlackScholesPrice(isCall, S, K, T, r, q, MinVol)
	hi = BlackScholesPrice(isCall, S, K, T, r, q, MaxVol)
	return lo, hi
}

// ClampPrice pulls price into the open interval (lo, hi) so that it can be
// inverted. It is the boundary-safety step applied to model prices before
// translating them into implied volatilities.
func ClampPrice(price, lo, hi float64) float64 {
	if hi-lo <= 2*clampEps {
		return 0.5 * (lo + hi)
	}
	if math.IsNaN(price) {
		return 0.5 * (lo + hi)
	}
	return math.Min(math.Max(price, lo+clampEps), hi-clampEps)
}

// ImpliedVol inverts BlackScholesPrice for sigma on [MinVol, MaxVol].
//
// It runs Newton-Raphson inside a shrinking bracket and falls back to a
// bisection step whenever the Newton update leaves the bracket or vega is too
// small to trust. A price outside PriceBounds returns ErrNumericalDomain.
func ImpliedVol(isCall bool, price, S, K, T, r, q float64) (float64, error) {
	if T <= 0 || S <= 0 || K <= 0 {
		return 0, errors.Wrapf(ErrNumericalDomain, "implied vol: invalid inputs S=%g K=%g T=%g", S, K, T)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, errors.Wrapf(ErrNumericalDomain, "implied vol: non-finite price %g", price)
	}

	lo, hi := PriceBounds(isCall, S, K, T, r, q)
	if price < lo || price > hi {
		return 0, errors.Wrapf(ErrNumericalDomain, "implied vol: price %g outside [%g, %g]", price, lo, hi)
	}

	const (
		maxIter = 200
		tolVol  = 1e-10
		tolPx   = 1e-12
	)

	a, b := MinVol, MaxVol
	// Initial guess: Brenner-Subrahmanyam, kept inside the bracket.
	sigma := math.Sqrt(2*math.Pi/T) * price / S
	if !(sigma > a && sigma < b) {
		sigma = 0.2
	}

	for i := 0; i < maxIter; i++ {
		diff := BlackScholesPrice(isCall, S, K, T, r, q, sigma) - price
		if math.Abs(diff) < tolPx {
			return sigma, nil
		}

		// price is increasing in sigma, so the sign of diff tells which side
		// of the root we are on.
		if diff > 0 {
			b = sigma
		} else {
			a = sigma
		}
		if b-a < tolVol {
			return 0.5 * (a + b), nil
		}

		next := 0.5 * (a + b)
		if vega := BlackScholesVega(S, K, T, r, q, sigma); vega > 1e-12 {
			if cand := sigma - diff/vega; cand > a && cand < b {
				next = cand
			}
		}
		sigma = next
	}

	return sigma, nil
}

// ImpliedVolClamped clamps price into the invertible range before inverting,
// so it never fails on a finite price. Invalid contract inputs still yield
// ErrNumericalDomain.
func ImpliedVolClamped(isCall bool, price, S, K, T, r, q float64) (float64, error) {
	if T <= 0 || S <= 0 || K <= 0 {
		return 0, errors.Wrapf(ErrNumericalDomain, "implied vol: invalid inputs S=%g K=%g T=%g", S, K, T)
	}
	lo, hi := PriceBounds(isCall, S, K, T, r, q)
	return ImpliedVol(isCall, ClampPrice(price, lo, hi), S, K, T, r, q)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return distuv.UnitNormal.Prob(x)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}
