package heston

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/pryce/internal/pricing"
)

var reference = Params{Kappa: 1.5, Theta: 0.04, Sigma: 0.5, Rho: -0.7, V0: 0.05, R: 0.03, Q: 0.01}

func TestValidate(t *testing.T) {
	require.NoError(t, reference.Validate())

	bad := reference
	bad.Kappa = 0
	bad.Rho = -1.2
	bad.V0 = math.NaN()
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kappa")
	assert.Contains(t, err.Error(), "rho")
	assert.Contains(t, err.Error(), "v0")
}

func TestFellerRatio(t *testing.T) {
	p := Params{Kappa: 2, Theta: 0.04, Sigma: 0.4}
	assert.InDelta(t, 1.0, p.FellerRatio(), 1e-9)
}

func TestCharacteristicFunctionMartingale(t *testing.T) {
	for _, T := range []float64{0.01, 0.5, 2, 10} {
		at0 := CharacteristicFunction(reference, 0, T)
		atMinusI := CharacteristicFunction(reference, complex(0, -1), T)
		assert.InDelta(t, 1.0, real(at0), 1e-12)
		assert.InDelta(t, 1.0, real(atMinusI), 1e-10)
		assert.InDelta(t, 0.0, imag(atMinusI), 1e-10)
		assert.LessOrEqual(t, cmplx.Abs(CharacteristicFunction(reference, 3, T)), 1.0+1e-12)
	}
}

func TestCallPriceWithinArbitrageBounds(t *testing.T) {
	params := []Params{
		reference,
		{Kappa: 0.3, Theta: 0.09, Sigma: 1.2, Rho: -0.9, V0: 0.02, R: 0.05},
		{Kappa: 6, Theta: 0.02, Sigma: 0.2, Rho: 0.3, V0: 0.2, R: 0.0, Q: 0.02},
	}
	S := 100.0
	for _, p := range params {
		for _, T := range []float64{7.0 / 365, 0.25, 1, 3} {
			for _, K := range []float64{60, 80, 95, 100, 105, 120, 150} {
				price := CallPrice(p, S, K, T)
				lo, hi := pricing.PriceBounds(true, S, K, T, p.R, p.Q)
				assert.GreaterOrEqual(t, price, lo-1e-8, "p=%v T=%v K=%v", p, T, K)
				assert.LessOrEqual(t, price, hi+1e-8, "p=%v T=%v K=%v", p, T, K)
			}
		}
	}
}

func TestCallPriceReducesToBlackScholes(t *testing.T) {
	// Nearly deterministic variance pinned at theta behaves like constant vol.
	p := Params{Kappa: 2, Theta: 0.04, Sigma: 1e-3, Rho: 0, V0: 0.04, R: 0.02, Q: 0.01}
	S, T := 100.0, 0.5
	for _, K := range []float64{80, 90, 100, 110, 125} {
		want := pricing.BlackScholesPrice(true, S, K, T, p.R, p.Q, 0.2)
		assert.InDelta(t, want, CallPrice(p, S, K, T), 1e-4, "K=%v", K)
	}
}

func TestPutCallParity(t *testing.T) {
	S, K, T := 100.0, 110.0, 0.8
	call := CallPrice(reference, S, K, T)
	put := PutPrice(reference, S, K, T)
	assert.InDelta(t, S*math.Exp(-reference.Q*T)-K*math.Exp(-reference.R*T), call-put, 1e-10)
	assert.Equal(t, put, OptionPrice(reference, false, S, K, T))
}

func TestCallPriceNearBlackScholesAtLowVolOfVol(t *testing.T) {
	// Mild vol-of-vol around a 10% vol level: S=K=100, T=1, r=q=0,
	// kappa=2, theta=0.01, sigma=0.1, rho=0, v0=0.01 stays near BS at 10% vol.
	p := Params{Kappa: 2, Theta: 0.01, Sigma: 0.1, Rho: 0, V0: 0.01}
	bs := pricing.BlackScholesPrice(true, 100, 100, 1, 0, 0, 0.1)
	assert.InDelta(t, bs, CallPrice(p, 100, 100, 1), 0.1)
}

func TestCallPriceMonotoneInStrike(t *testing.T) {
	prev := math.Inf(1)
	for K := 50.0; K <= 200; K += 5 {
		c := CallPrice(reference, 100, K, 1)
		assert.LessOrEqual(t, c, prev+1e-10)
		prev = c
	}
}

func TestCallPriceMatchesPublishedReference(t *testing.T) {
	// Fang and Oosterlee (2008), Heston test case: S=K=100, T=1, r=q=0.
	p := Params{Kappa: 1.5768, Theta: 0.0398, Sigma: 0.5751, Rho: -0.5711, V0: 0.0175}
	assert.InDelta(t, 5.785155450, CallPrice(p, 100, 100, 1), 1e-6)
}

func TestCallPriceShortDatedWings(t *testing.T) {
	// Reference values from a fine composite Simpson rule on [0, 800].
	p := Params{Kappa: 2, Theta: 0.04, Sigma: 0.5, Rho: -0.7, V0: 0.04, R: 0.04}
	tests := []struct {
		T, K, want float64
	}{
		{0.05, 110, 0.0056797447},
		{0.05, 90, 10.2221073052},
		{0.25, 120, 0.0262633968},
		{7.0 / 365, 105, 0.0245614206},
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.want, CallPrice(p, 100, tc.K, tc.T), 1e-8, "T=%v K=%v", tc.T, tc.K)
	}

	iv, err := pricing.ImpliedVol(true, CallPrice(p, 100, 110, 0.05), 100, 110, 0.05, p.R, p.Q)
	require.NoError(t, err)
	assert.InDelta(t, 0.161, iv, 1e-3)
}
