// Package montecarlo simulates joint price / variance paths under the Heston
// model and aggregates per-trial payoffs into price estimates.
//
// Every trial draws from its own pseudo-random stream derived from
// (seed, trial index), so results do not depend on how trials are spread
// over workers.
package montecarlo

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/contactkeval/pryce/internal/heston"
)

// ErrNonFinite is returned when a simulated price leaves the finite range.
var ErrNonFinite = errors.New("simulation produced a non-finite value")

// State is the (price, variance) pair the simulation evolves.
type State struct {
	S float64
	V float64
}

// Path holds one trajectory sampled at Steps+1 equally spaced times on
// [0, T]. V holds the non-negative variance actually used at each step.
type Path struct {
	S []float64
	V []float64
}

// NewPath allocates a path for the given number of steps.
func NewPath(steps int) *Path {
	return &Path{S: make([]float64, steps+1), V: make([]float64, steps+1)}
}

// Terminal returns the state at the last sampled time.
func (p *Path) Terminal() State {
	n := len(p.S) - 1
	return State{S: p.S[n], V: p.V[n]}
}

// Max returns the largest sampled price, including the starting price.
func (p *Path) Max() float64 {
	m := p.S[0]
	for _, s := range p.S[1:] {
		if s > m {
			m = s
		}
	}
	return m
}

// Average returns the arithmetic mean of the sampled prices, including the
// starting price.
func (p *Path) Average() float64 {
	sum := 0.0
	for _, s := range p.S {
		sum += s
	}
	return sum / float64(len(p.S))
}

// Simulator discretizes the Heston dynamics from a starting state over a
// horizon T in Steps equal steps.
//
// Variance uses full truncation: the raw Euler state may dip below zero,
// but only max(v, 0) ever scales an increment or appears under a square
// root. Price evolves in log space with drift (r - q - v/2).
type Simulator struct {
	Params heston.Params
	Start  State
	T      float64
	Steps  int
}

// NewSimulator starts from (S0, p.V0).
func NewSimulator(p heston.Params, S0, T float64, steps int) Simulator {
	return Simulator{Params: p, Start: State{S: S0, V: p.V0}, T: T, Steps: steps}
}

// From returns a simulator restarted at state over a new horizon.
func (sim Simulator) From(state State, T float64, steps int) Simulator {
	return Simulator{Params: sim.Params, Start: state, T: T, Steps: steps}
}

// StepsFor splits a total step budget over [0, horizon] proportionally to
// the share of T it covers, never returning fewer than one step.
func StepsFor(totalSteps int, horizon, T float64) int {
	if T <= 0 {
		return 1
	}
	n := int(math.Round(float64(totalSteps) * horizon / T))
	if n < 1 {
		return 1
	}
	return n
}

// stream is a reseedable per-worker generator.
type stream struct {
	src *rand.PCGSource
	rng *rand.Rand
}

func newStream() *stream {
	src := &rand.PCGSource{}
	return &stream{src: src, rng: rand.New(src)}
}

func (s *stream) reseed(seed uint64) {
	s.src.Seed(seed)
}

// Simulate fills path with one trajectory drawn from the stream seeded by
// seed. path must have been allocated for sim.Steps.
func (sim Simulator) Simulate(seed uint64, path *Path) error {
	st := newStream()
	st.reseed(seed)
	return sim.simulate(st, path)
}

func (sim Simulator) simulate(st *stream, path *Path) error {
	p := sim.Params
	dt := sim.T / float64(sim.Steps)
	sqrtDt := math.Sqrt(dt)
	rhoBar := math.Sqrt(math.Max(0, 1-p.Rho*p.Rho))
	drift := p.R - p.Q

	logS := math.Log(sim.Start.S)
	v := sim.Start.V
	vPos := math.Max(v, 0)
	path.S[0] = sim.Start.S
	path.V[0] = vPos

	for i := 1; i <= sim.Steps; i++ {
		z1 := st.rng.NormFloat64()
		z2 := p.Rho*z1 + rhoBar*st.rng.NormFloat64()

		sqrtV := math.Sqrt(vPos)
		logS += (drift-0.5*vPos)*dt + sqrtV*sqrtDt*z1
		v += p.Kappa*(p.Theta-vPos)*dt + p.Sigma*sqrtV*sqrtDt*z2
		vPos = math.Max(v, 0)

		path.S[i] = math.Exp(logS)
		path.V[i] = vPos
	}

	last := path.S[sim.Steps]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return errors.Wrapf(ErrNonFinite, "terminal price %v", last)
	}
	return nil
}

// DeriveSeed combines a base seed and a trial index into an independent
// stream seed. It is a pure function (a SplitMix64 finalizer over the
// golden-ratio stride), so any partition of trials over workers reproduces
// the same streams.
func DeriveSeed(base uint64, index int) uint64 {
	z := base + 0x9E3779B97F4A7C15*uint64(index+1)
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
