package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/pryce/internal/calibration"
	"github.com/contactkeval/pryce/internal/config"
	"github.com/contactkeval/pryce/internal/data"
)

var asOf = time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)

const expiry = "2025-03-21"

type countingProvider struct {
	data.Provider
	calls atomic.Int32
	fail  bool
}

func (c *countingProvider) GetChain(ctx context.Context, ticker string, exp time.Time) (*data.Chain, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.Wrap(data.ErrDataUnavailable, "offline")
	}
	return c.Provider.GetChain(ctx, ticker, exp)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Calibration.MaxEvaluations = 800
	cfg.Calibration.Restarts = 0
	cfg.Simulation.Paths = 2000
	cfg.Simulation.Steps = 50
	cfg.Simulation.Outer = 100
	cfg.Simulation.Inner = 50
	return cfg
}

func newTestService(t *testing.T) (*Service, *countingProvider) {
	t.Helper()
	prov := &countingProvider{Provider: data.NewSyntheticProviderAt(asOf, data.SyntheticModel)}
	return New(testConfig(), prov, nil), prov
}

func TestCalibrateBuildsViewAndCaches(t *testing.T) {
	svc, prov := newTestService(t)
	ctx := context.Background()

	view, err := svc.Calibrate(ctx, " spy ", expiry, nil)
	require.NoError(t, err)
	assert.Equal(t, "SPY", view.Ticker)
	assert.Equal(t, expiry, view.Expiry)
	assert.Equal(t, 0.30, view.Window)
	assert.Equal(t, data.SyntheticSpot("SPY"), view.S0)
	assert.Less(t, view.Diagnostics.RMSE, 0.05)
	assert.InDelta(t, view.Params.FellerRatio(), view.Diagnostics.Feller, 1e-12)
	assert.NoError(t, view.Params.Validate())

	require.NotEmpty(t, view.Curve.Moneyness)
	assert.Len(t, view.Curve.IVMarket, len(view.Curve.Moneyness))
	assert.Len(t, view.Curve.IVModel, len(view.Curve.Moneyness))
	for _, m := range view.Curve.Moneyness {
		assert.InDelta(t, 1, m, 0.30+1e-9)
	}

	again, err := svc.Calibrate(ctx, "SPY", expiry, nil)
	require.NoError(t, err)
	assert.Same(t, view, again)
	assert.Equal(t, int32(1), prov.calls.Load())

	narrow := 0.1
	other, err := svc.Calibrate(ctx, "SPY", expiry, &narrow)
	require.NoError(t, err)
	assert.Less(t, len(other.Curve.Moneyness), len(view.Curve.Moneyness))
	assert.Equal(t, int32(2), prov.calls.Load())

	require.NoError(t, svc.Invalidate(ctx, "spy", expiry, nil))
	_, err = svc.Calibrate(ctx, "SPY", expiry, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), prov.calls.Load())
}

func TestConcurrentCalibrationsRunOnce(t *testing.T) {
	svc, prov := newTestService(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Calibrate(context.Background(), "QQQ", expiry, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), prov.calls.Load())
}

func TestCalibrateRejectsBadInputs(t *testing.T) {
	svc, prov := newTestService(t)
	ctx := context.Background()
	wide := 0.9

	for _, tc := range []struct {
		ticker, expiry string
		window         *float64
	}{
		{"", expiry, nil},
		{"SPY", "21/03/2025", nil},
		{"SPY", expiry, &wide},
	} {
		_, err := svc.Calibrate(ctx, tc.ticker, tc.expiry, tc.window)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Zero(t, prov.calls.Load())
}

func TestDataFailuresPropagateAndAreNotCached(t *testing.T) {
	svc, prov := newTestService(t)
	prov.fail = true

	_, err := svc.Calibrate(context.Background(), "SPY", expiry, nil)
	assert.ErrorIs(t, err, data.ErrDataUnavailable)

	prov.fail = false
	_, err = svc.Calibrate(context.Background(), "SPY", expiry, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), prov.calls.Load())
}

func TestCalibrationFailureIsDistinguishable(t *testing.T) {
	cfg := testConfig()
	cfg.Calibration.FitWindow = 0.01
	svc := New(cfg, data.NewSyntheticProviderAt(asOf, data.SyntheticModel), nil)

	_, err := svc.Calibrate(context.Background(), "SPY", expiry, nil)
	assert.ErrorIs(t, err, calibration.ErrCalibrationFailed)
}

func TestPriceEveryPayoff(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	K := data.SyntheticSpot("SPY")
	k1 := 0.005 * K

	for _, tc := range []struct {
		typ  string
		kind string
	}{
		{PayoffAsian, "hist_avg"},
		{PayoffBarrier, "paths_with_barrier"},
		{PayoffChooser, "chooser_split"},
		{PayoffCompound, "compound_distribution"},
	} {
		t.Run(tc.typ, func(t *testing.T) {
			req := PriceRequest{Type: tc.typ, Ticker: "SPY", Expiry: expiry, K: K, K1: &k1}
			resp, err := svc.Price(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, resp.Viz.Kind)
			assert.Equal(t, tc.typ, resp.Inputs.Type)
			assert.Equal(t, uint64(42), resp.Inputs.Seed)
			assert.Greater(t, resp.Results.Price, 0.0)
			assert.GreaterOrEqual(t, resp.Results.StdError, 0.0)
			assert.Equal(t, resp.ParamsUsed.FellerRatio(), resp.Results.Feller)

			again, err := svc.Price(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, resp.Results, again.Results)
		})
	}
}

func TestPriceVizHints(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	K := data.SyntheticSpot("SPY")
	T := 0.5

	resp, err := svc.Price(ctx, PriceRequest{Type: PayoffBarrier, Ticker: "SPY", Expiry: expiry, K: K, T: &T})
	require.NoError(t, err)
	require.NotNil(t, resp.Viz.B)
	assert.InDelta(t, 1.2*K, *resp.Viz.B, 1e-9)
	assert.Equal(t, 0.5, resp.Inputs.T)

	resp, err = svc.Price(ctx, PriceRequest{Type: PayoffChooser, Ticker: "SPY", Expiry: expiry, K: K, T: &T})
	require.NoError(t, err)
	require.NotNil(t, resp.Viz.Tau)
	assert.InDelta(t, 0.125, *resp.Viz.Tau, 1e-12)
	assert.Equal(t, 100*50, resp.Results.Trials)

	k1 := 2.0
	resp, err = svc.Price(ctx, PriceRequest{Type: PayoffCompound, Ticker: "SPY", Expiry: expiry, K: K, T: &T, K1: &k1, Inner: "analytic"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, *resp.Viz.K1)
	assert.InDelta(t, 0.25, *resp.Viz.T1, 1e-12)
	assert.Equal(t, "analytic", resp.Viz.Inner)
	assert.Equal(t, 100, resp.Results.Trials)
}

func TestPriceRejectsBeforeFetching(t *testing.T) {
	svc, prov := newTestService(t)
	ctx := context.Background()
	tooMany := svc.Config().Simulation.MaxPaths + 1
	bigInner := svc.Config().Simulation.MaxNestedTrials
	zero := 0.0
	one := 1.0
	minusOne := -1.0

	for name, req := range map[string]PriceRequest{
		"type":          {Type: "lookback", Ticker: "SPY", Expiry: expiry, K: 100},
		"strike":        {Type: PayoffAsian, Ticker: "SPY", Expiry: expiry, K: -1},
		"maturity":      {Type: PayoffAsian, Ticker: "SPY", Expiry: expiry, K: 100, T: &zero},
		"paths":         {Type: PayoffAsian, Ticker: "SPY", Expiry: expiry, K: 100, Paths: &tooMany},
		"tau":           {Type: PayoffChooser, Ticker: "SPY", Expiry: expiry, K: 100, ChooserTauFrac: &one},
		"nested":        {Type: PayoffChooser, Ticker: "SPY", Expiry: expiry, K: 100, InnerPaths: &bigInner},
		"inner":         {Type: PayoffCompound, Ticker: "SPY", Expiry: expiry, K: 100, Inner: "fft"},
		"barrier":       {Type: PayoffBarrier, Ticker: "SPY", Expiry: expiry, K: 100, BarrierMult: &zero},
		"compound T1":   {Type: PayoffCompound, Ticker: "SPY", Expiry: expiry, K: 100, T1Frac: &one},
		"chooser inner": {Type: PayoffChooser, Ticker: "SPY", Expiry: expiry, K: 100, Inner: "analytic"},
		"negative K1":   {Type: PayoffCompound, Ticker: "SPY", Expiry: expiry, K: 100, K1: &minusOne},
	} {
		_, err := svc.Price(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
	assert.Zero(t, prov.calls.Load())
}

func TestCompoundAcceptsZeroPremium(t *testing.T) {
	svc, prov := newTestService(t)
	K := data.SyntheticSpot("SPY")
	zero := 0.0

	resp, err := svc.Price(context.Background(), PriceRequest{
		Type: PayoffCompound, Ticker: "SPY", Expiry: expiry, K: K, K1: &zero, Inner: "analytic",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, *resp.Viz.K1)
	assert.Greater(t, resp.Results.Price, 0.0)
	assert.Equal(t, int32(1), prov.calls.Load())
}

func TestPlanAgreesWithPricerOnPremium(t *testing.T) {
	svc, _ := newTestService(t)
	zero := 0.0
	_, err := svc.plan(PriceRequest{Type: PayoffCompound, Ticker: "SPY", Expiry: expiry, K: 100, K1: &zero})
	assert.NoError(t, err)
}

func TestPayoffSchematics(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Payoff(PayoffRequest{Type: "chooser", K: 100})
	require.NoError(t, err)
	require.Len(t, resp.Plot.SAxis, PayoffAxisPoints)
	assert.InDelta(t, 10, resp.Plot.SAxis[0], 1e-12)
	assert.InDelta(t, 200, resp.Plot.SAxis[PayoffAxisPoints-1], 1e-12)
	assert.InDelta(t, 90, resp.Plot.Payoff[0], 1e-12)
	assert.InDelta(t, 100, resp.Plot.Payoff[PayoffAxisPoints-1], 1e-12)
	assert.Contains(t, resp.FormulaTeX, `\max`)

	k1 := 20.0
	resp, err = svc.Payoff(PayoffRequest{Type: "compound", K: 100, K1: &k1})
	require.NoError(t, err)
	assert.InDelta(t, 80, resp.Plot.Payoff[PayoffAxisPoints-1], 1e-12)
	assert.Zero(t, resp.Plot.Payoff[0])

	resp, err = svc.Payoff(PayoffRequest{Type: "barrier", K: 100})
	require.NoError(t, err)
	assert.Equal(t, `\mathbb{1}_{\{\max_{t\le T} S_t \ge B\}} (S_T - K)^+`, resp.FormulaTeX)

	resp, err = svc.Payoff(PayoffRequest{Type: "asian", K: 100})
	require.NoError(t, err)
	assert.Equal(t, "asian", resp.Type)

	_, err = svc.Payoff(PayoffRequest{Type: "digital", K: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Payoff(PayoffRequest{Type: "asian", K: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
