package montecarlo

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/pryce/internal/heston"
)

var params = heston.Params{Kappa: 1.5, Theta: 0.04, Sigma: 0.5, Rho: -0.7, V0: 0.05, R: 0.03, Q: 0.01}

func terminal(_ int, p *Path) (float64, error) { return p.Terminal().S, nil }

func TestSimulateIsDeterministic(t *testing.T) {
	sim := NewSimulator(params, 100, 1, 64)
	a, b := NewPath(64), NewPath(64)
	require.NoError(t, sim.Simulate(42, a))
	require.NoError(t, sim.Simulate(42, b))
	assert.Equal(t, a, b)

	require.NoError(t, sim.Simulate(43, b))
	assert.NotEqual(t, a.S, b.S)
}

func TestRunIsPartitionInvariant(t *testing.T) {
	sim := NewSimulator(params, 100, 1, 50)
	ctx := context.Background()

	ref, err := Run(ctx, sim, 3000, 7, RunOptions{Workers: 1, Chunk: 3000}, terminal)
	require.NoError(t, err)

	for _, opts := range []RunOptions{
		{Workers: 1, Chunk: 1},
		{Workers: 4, Chunk: 17},
		{Workers: 16, Chunk: 256},
		{},
	} {
		got, err := Run(ctx, sim, 3000, 7, opts, terminal)
		require.NoError(t, err)
		assert.Equal(t, ref, got, "opts=%+v", opts)
		assert.Equal(t, Summarize(ref, 1), Summarize(got, 1))
	}
}

func TestVarianceNeverNegativeWhenFellerViolated(t *testing.T) {
	harsh := heston.Params{Kappa: 0.5, Theta: 0.04, Sigma: 1.5, Rho: -0.9, V0: 0.04, R: 0.02}
	require.Less(t, harsh.FellerRatio(), 1.0)

	paths, err := Paths(context.Background(), NewSimulator(harsh, 100, 2, 200), 500, 11, RunOptions{})
	require.NoError(t, err)
	for _, p := range paths {
		for i, v := range p.V {
			require.GreaterOrEqual(t, v, 0.0)
			require.False(t, math.IsNaN(p.S[i]))
			require.Greater(t, p.S[i], 0.0)
		}
	}
}

func TestDiscountedPriceIsMartingale(t *testing.T) {
	T := 1.0
	sim := NewSimulator(params, 100, T, 100)
	vals, err := Run(context.Background(), sim, 40000, 3, RunOptions{}, terminal)
	require.NoError(t, err)

	est := Summarize(vals, math.Exp(-(params.R-params.Q)*T))
	assert.InDelta(t, 100, est.Price, 4*est.StdErr+0.05)
}

func TestStdErrShrinksWithSquareRootOfTrials(t *testing.T) {
	T, K := 1.0, 100.0
	sim := NewSimulator(params, 100, T, 50)
	call := func(_ int, p *Path) (float64, error) { return math.Max(p.Terminal().S-K, 0), nil }
	disc := math.Exp(-params.R * T)

	const n = 4000
	small, err := Run(context.Background(), sim, n, 21, RunOptions{}, call)
	require.NoError(t, err)
	large, err := Run(context.Background(), sim, 4*n, 21, RunOptions{}, call)
	require.NoError(t, err)
	assert.Equal(t, small, large[:n], "trials are seeded by index")

	a, b := Summarize(small, disc), Summarize(large, disc)
	assert.InDelta(t, 2.0, a.StdErr/b.StdErr, 0.3)
	assert.InDelta(t, a.Price, b.Price, 4*a.StdErr)
	assert.InDelta(t, heston.CallPrice(params, 100, K, T), b.Price, 4*b.StdErr+0.1)
}

func TestStepsForAndPathHelpers(t *testing.T) {
	assert.Equal(t, 63, StepsFor(252, 0.25, 1))
	assert.Equal(t, 1, StepsFor(252, 1e-6, 1))
	assert.Equal(t, 1, StepsFor(252, 0.5, 0))

	p := &Path{S: []float64{100, 110, 90, 120}, V: []float64{0.04, 0.05, 0.03, 0.02}}
	assert.Equal(t, 120.0, p.Max())
	assert.Equal(t, 105.0, p.Average())
	assert.Equal(t, State{S: 120, V: 0.02}, p.Terminal())
}

func TestDeriveSeedSpreadsIndices(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 10000; i++ {
		s := DeriveSeed(42, i)
		require.False(t, seen[s], "collision at %d", i)
		seen[s] = true
	}
	assert.Equal(t, DeriveSeed(42, 5), DeriveSeed(42, 5))
	assert.NotEqual(t, DeriveSeed(42, 5), DeriveSeed(43, 5))
}

func TestSummarize(t *testing.T) {
	est := Summarize([]float64{1, 2, 3, 4}, 0.5)
	assert.InDelta(t, 1.25, est.Price, 1e-12)
	assert.InDelta(t, 0.5*math.Sqrt(5.0/3.0)/2, est.StdErr, 1e-12)
	assert.Equal(t, 4, est.Trials)

	one := Summarize([]float64{3}, 1)
	assert.Equal(t, 3.0, one.Price)
	assert.Equal(t, 0.0, one.StdErr)
}

func TestRunRejectsBadInputsAndCancellation(t *testing.T) {
	sim := NewSimulator(params, 100, 1, 10)
	_, err := Run(context.Background(), sim, 0, 1, RunOptions{}, terminal)
	assert.Error(t, err)

	_, err = Run(context.Background(), sim.From(State{S: 100, V: 0.04}, 1, 0), 10, 1, RunOptions{}, terminal)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, sim, 1000, 1, RunOptions{Workers: 1}, terminal)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = Run(ctx, sim, 1000, 1, RunOptions{Workers: 4}, terminal)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsNonFinitePayoff(t *testing.T) {
	sim := NewSimulator(params, 100, 1, 10)
	_, err := Run(context.Background(), sim, 10, 1, RunOptions{Workers: 1}, func(int, *Path) (float64, error) {
		return math.Inf(1), nil
	})
	assert.ErrorIs(t, err, ErrNonFinite)
}
