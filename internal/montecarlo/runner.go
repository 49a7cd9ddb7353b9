package montecarlo

import (
	"context"
	"math"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

const defaultChunk = 256

// Estimate is a Monte Carlo price with its standard error.
type Estimate struct {
	Price  float64 `json:"price"`
	StdErr float64 `json:"std_error"`
	Trials int     `json:"trials"`
}

// RunOptions controls how trials are spread over goroutines. It never
// affects the numbers produced.
type RunOptions struct {
	Workers int // <= 0 means GOMAXPROCS; 1 runs inline
	Chunk   int // trials per task, <= 0 means 256
}

func (o RunOptions) normalize() RunOptions {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Chunk <= 0 {
		o.Chunk = defaultChunk
	}
	return o
}

// PayoffFunc evaluates trial i on its simulated path. The path buffer is
// reused by the caller after PayoffFunc returns.
type PayoffFunc func(trial int, path *Path) (float64, error)

// Run simulates n trials of sim, trial i on the stream DeriveSeed(seed, i),
// and returns the payoffs indexed by trial.
func Run(ctx context.Context, sim Simulator, n int, seed uint64, opts RunOptions, payoff PayoffFunc) ([]float64, error) {
	if n <= 0 {
		return nil, errors.Errorf("trial count must be positive, got %d", n)
	}
	if sim.Steps <= 0 {
		return nil, errors.Errorf("step count must be positive, got %d", sim.Steps)
	}
	opts = opts.normalize()
	out := make([]float64, n)

	runChunk := func(lo, hi int) error {
		st := newStream()
		path := NewPath(sim.Steps)
		for i := lo; i < hi; i++ {
			st.reseed(DeriveSeed(seed, i))
			if err := sim.simulate(st, path); err != nil {
				return errors.Wrapf(err, "trial %d", i)
			}
			v, err := payoff(i, path)
			if err != nil {
				return err
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Wrapf(ErrNonFinite, "trial %d payoff %v", i, v)
			}
			out[i] = v
		}
		return nil
	}

	if opts.Workers == 1 {
		for lo := 0; lo < n; lo += opts.Chunk {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := runChunk(lo, min(lo+opts.Chunk, n)); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for lo := 0; lo < n; lo += opts.Chunk {
		if gctx.Err() != nil {
			break
		}
		hi := min(lo+opts.Chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return runChunk(lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Paths materializes n trajectories. Intended for diagnostics and tests;
// pricers stream through Run instead.
func Paths(ctx context.Context, sim Simulator, n int, seed uint64, opts RunOptions) ([]*Path, error) {
	paths := make([]*Path, n)
	_, err := Run(ctx, sim, n, seed, opts, func(i int, p *Path) (float64, error) {
		cp := NewPath(sim.Steps)
		copy(cp.S, p.S)
		copy(cp.V, p.V)
		paths[i] = cp
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Summarize turns per-trial payoffs into a discounted estimate. The standard
// error is the sample standard deviation over sqrt(n). Values are reduced
// in trial order.
func Summarize(values []float64, discount float64) Estimate {
	n := len(values)
	if n == 0 {
		return Estimate{Price: math.NaN(), StdErr: math.NaN()}
	}
	if n == 1 {
		return Estimate{Price: discount * values[0], Trials: 1}
	}
	mean, std := stat.MeanStdDev(values, nil)
	return Estimate{
		Price:  discount * mean,
		StdErr: discount * std / math.Sqrt(float64(n)),
		Trials: n,
	}
}
