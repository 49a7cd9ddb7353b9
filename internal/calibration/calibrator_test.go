package calibration

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/market"
	"github.com/contactkeval/pryce/internal/pricing"
)

func syntheticSlice(t *testing.T, p heston.Params, spot, T float64, strikes []float64) market.Slice {
	t.Helper()
	quotes := make([]market.Quote, 0, len(strikes))
	for _, K := range strikes {
		iv, err := ModelIV(p, spot, K, T)
		require.NoError(t, err)
		quotes = append(quotes, market.Quote{Strike: K, IV: iv})
	}
	return market.Slice{Ticker: "TEST", Spot: spot, T: T, Rate: p.R, Yield: p.Q, Quotes: quotes}
}

func flatSlice(spot, T, vol, r float64, strikes []float64) market.Slice {
	quotes := make([]market.Quote, 0, len(strikes))
	for _, K := range strikes {
		quotes = append(quotes, market.Quote{Strike: K, IV: vol})
	}
	return market.Slice{Ticker: "FLAT", Spot: spot, T: T, Rate: r, Quotes: quotes}
}

var strikes = []float64{80, 85, 90, 95, 100, 105, 110, 115, 120}

func TestBoundsTransformRoundTrip(t *testing.T) {
	p := heston.Params{Kappa: 1.7, Theta: 0.05, Sigma: 0.6, Rho: -0.65, V0: 0.03, R: 0.02, Q: 0.01}
	got := fromUnbounded(toUnbounded(p, DefaultBounds), DefaultBounds, p.R, p.Q)
	assert.InDelta(t, p.Kappa, got.Kappa, 1e-9)
	assert.InDelta(t, p.Theta, got.Theta, 1e-9)
	assert.InDelta(t, p.Sigma, got.Sigma, 1e-9)
	assert.InDelta(t, p.Rho, got.Rho, 1e-9)
	assert.InDelta(t, p.V0, got.V0, 1e-9)

	// extreme unconstrained points still land inside the box
	wild := fromUnbounded([]float64{-800, 800, 0, 50, -50}, DefaultBounds, 0, 0)
	assert.True(t, DefaultBounds.contains(wild))
	assert.NoError(t, wild.Validate())
}

func TestCalibrateFlatSurfaceMatchesBlackScholes(t *testing.T) {
	slice := flatSlice(100, 0.5, 0.20, 0.03, strikes)

	res, err := NewCalibrator(DefaultOptions()).Calibrate(context.Background(), slice)
	require.NoError(t, err)
	assert.Less(t, res.Diagnostics.RMSE, 2e-3)

	for _, K := range strikes {
		bs := pricing.BlackScholesPrice(true, 100, K, 0.5, 0.03, 0, 0.20)
		model := heston.CallPrice(res.Params, 100, K, 0.5)
		assert.InDelta(t, bs, model, 0.1, "K=%v", K)
	}
}

func TestCalibrateRoundTrip(t *testing.T) {
	truth := heston.Params{Kappa: 1.5, Theta: 0.04, Sigma: 0.5, Rho: -0.7, V0: 0.05, R: 0.03, Q: 0.01}
	slice := syntheticSlice(t, truth, 100, 0.75, strikes)

	res, err := NewCalibrator(DefaultOptions()).Calibrate(context.Background(), slice)
	require.NoError(t, err)
	assert.Less(t, res.Diagnostics.RMSE, 5e-3)
	assert.Equal(t, truth.R, res.Params.R)
	assert.Equal(t, truth.Q, res.Params.Q)
	assert.InDelta(t, res.Params.FellerRatio(), res.Diagnostics.Feller, 1e-12)
	assert.Greater(t, res.Diagnostics.Evaluations, 0)

	curve := BuildCurve(res.Params, slice, 0.3)
	require.Len(t, curve.IVModel, len(strikes))
	for i := range curve.IVModel {
		assert.InDelta(t, curve.IVMarket[i], curve.IVModel[i], 0.01)
	}
}

func TestCalibrateRejectsUnfittableSlice(t *testing.T) {
	slice := flatSlice(100, 0.5, 0.2, 0.03, strikes)
	for i := range slice.Quotes {
		if i%2 == 0 {
			slice.Quotes[i].IV = 0.05
		} else {
			slice.Quotes[i].IV = 2.5
		}
	}

	opts := DefaultOptions()
	opts.MaxEvaluations = 400
	_, err := NewCalibrator(opts).Calibrate(context.Background(), slice)
	assert.ErrorIs(t, err, ErrCalibrationFailed)
}

func TestCalibrateRejectsThinOrInvalidSlice(t *testing.T) {
	c := NewCalibrator(DefaultOptions())

	_, err := c.Calibrate(context.Background(), flatSlice(100, 0.5, 0.2, 0, []float64{95, 100, 105}))
	assert.ErrorIs(t, err, ErrCalibrationFailed)

	_, err = c.Calibrate(context.Background(), flatSlice(0, 0.5, 0.2, 0, strikes))
	assert.ErrorIs(t, err, ErrCalibrationFailed)
}

func TestCalibrateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCalibrator(DefaultOptions()).Calibrate(ctx, flatSlice(100, 0.5, 0.2, 0, strikes))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitialGuessUsesATMVariance(t *testing.T) {
	slice := market.Slice{Spot: 100, Quotes: []market.Quote{{Strike: 90, IV: 0.3}, {Strike: 100, IV: 0.25}}}
	p := InitialGuess(slice)
	assert.InDelta(t, 0.0625, p.V0, 1e-12)
	assert.Equal(t, p.V0, p.Theta)
	assert.Less(t, p.Rho, 0.0)
}

func TestRMSE(t *testing.T) {
	assert.InDelta(t, math.Sqrt(2.5), RMSE([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.True(t, math.IsNaN(RMSE(nil, nil)))
	assert.True(t, math.IsNaN(RMSE([]float64{1}, []float64{1, 2})))
}
