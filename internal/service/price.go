package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/contactkeval/pryce/internal/exotics"
	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/metrics"
	"github.com/contactkeval/pryce/internal/montecarlo"
)

const (
	PayoffAsian    = "asian"
	PayoffBarrier  = "barrier"
	PayoffChooser  = "chooser"
	PayoffCompound = "compound"
)

// PriceRequest mirrors the query parameters of /api/price. Nil pointers
// take the configured defaults.
type PriceRequest struct {
	Type           string   `form:"type" json:"type"`
	Ticker         string   `form:"ticker" json:"ticker"`
	Expiry         string   `form:"expiry" json:"expiry"`
	K              float64  `form:"K" json:"K"`
	T              *float64 `form:"T" json:"T,omitempty"`
	Paths          *int     `form:"paths" json:"paths,omitempty"`
	Steps          *int     `form:"steps" json:"steps,omitempty"`
	Seed           *uint64  `form:"seed" json:"seed,omitempty"`
	BarrierMult    *float64 `form:"barrier_mult" json:"barrier_mult,omitempty"`
	ChooserTauFrac *float64 `form:"chooser_tau_frac" json:"chooser_tau_frac,omitempty"`
	K1             *float64 `form:"K1" json:"K1,omitempty"`
	T1Frac         *float64 `form:"T1_frac" json:"T1_frac,omitempty"`
	Inner          string   `form:"inner" json:"inner,omitempty"`
	Outer          *int     `form:"n_outer" json:"n_outer,omitempty"`
	InnerPaths     *int     `form:"n_inner" json:"n_inner,omitempty"`
}

type PriceInputs struct {
	Type   string  `json:"type"`
	Ticker string  `json:"ticker"`
	Expiry string  `json:"expiry"`
	K      float64 `json:"K"`
	T      float64 `json:"T"`
	Paths  int     `json:"paths"`
	Steps  int     `json:"steps"`
	Seed   uint64  `json:"seed"`
}

type PriceResults struct {
	Price    float64 `json:"price"`
	StdError float64 `json:"std_error"`
	Feller   float64 `json:"feller"`
	Trials   int     `json:"trials"`
}

// Viz tells the presentation layer which payoff-specific chart to draw.
type Viz struct {
	Kind  string   `json:"kind"`
	B     *float64 `json:"B,omitempty"`
	Tau   *float64 `json:"tau,omitempty"`
	K1    *float64 `json:"K1,omitempty"`
	T1    *float64 `json:"T1,omitempty"`
	Inner string   `json:"inner,omitempty"`
}

type PriceResponse struct {
	Inputs     PriceInputs   `json:"inputs"`
	ParamsUsed heston.Params `json:"params_used"`
	Results    PriceResults  `json:"results"`
	Viz        Viz           `json:"viz"`
}

// pricePlan is a fully resolved and validated request.
type pricePlan struct {
	kind     string
	K        float64
	paths    int
	steps    int
	seed     uint64
	mult     float64
	tauFrac  float64
	K1       float64
	T1Frac   float64
	inner    exotics.InnerMethod
	outer    int
	innerN   int
	override *float64
}

func orInt(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func orFloat(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// plan resolves defaults and enforces the resource bounds. It runs before
// any data is fetched.
func (s *Service) plan(req PriceRequest) (pricePlan, error) {
	sim := s.cfg.Simulation
	pl := pricePlan{
		kind:     strings.ToLower(strings.TrimSpace(req.Type)),
		K:        req.K,
		paths:    orInt(req.Paths, sim.Paths),
		steps:    orInt(req.Steps, sim.Steps),
		seed:     sim.Seed,
		mult:     orFloat(req.BarrierMult, sim.BarrierMultiplier),
		tauFrac:  orFloat(req.ChooserTauFrac, sim.ChooserTauFraction),
		K1:       orFloat(req.K1, sim.CompoundK1),
		T1Frac:   orFloat(req.T1Frac, sim.CompoundT1Fraction),
		outer:    orInt(req.Outer, sim.Outer),
		innerN:   orInt(req.InnerPaths, sim.Inner),
		override: req.T,
	}
	if req.Seed != nil {
		pl.seed = *req.Seed
	}

	switch pl.kind {
	case PayoffAsian, PayoffBarrier, PayoffChooser, PayoffCompound:
	default:
		return pl, invalid("unsupported payoff type %q", req.Type)
	}
	if !finitePositive(pl.K) {
		return pl, invalid("K must be positive, got %v", pl.K)
	}
	if pl.override != nil && !finitePositive(*pl.override) {
		return pl, invalid("T must be positive, got %v", *pl.override)
	}
	if pl.steps <= 0 || pl.steps > sim.MaxSteps {
		return pl, invalid("steps must be in [1, %d], got %d", sim.MaxSteps, pl.steps)
	}

	switch pl.kind {
	case PayoffAsian, PayoffBarrier:
		if pl.paths <= 0 || pl.paths > sim.MaxPaths {
			return pl, invalid("paths must be in [1, %d], got %d", sim.MaxPaths, pl.paths)
		}
		if pl.kind == PayoffBarrier && !finitePositive(pl.mult) {
			return pl, invalid("barrier_mult must be positive, got %v", pl.mult)
		}
	case PayoffChooser, PayoffCompound:
		inner, err := exotics.ParseInnerMethod(req.Inner)
		if err != nil {
			return pl, err
		}
		if req.Inner == "" && pl.kind == PayoffCompound {
			inner = exotics.InnerMethod(sim.CompoundInner)
		}
		pl.inner = inner
		if pl.kind == PayoffChooser {
			if inner != exotics.InnerMonteCarlo {
				return pl, invalid("chooser supports only the %s inner method, got %q", exotics.InnerMonteCarlo, req.Inner)
			}
			if !(pl.tauFrac > 0 && pl.tauFrac < 1) {
				return pl, invalid("chooser_tau_frac must be in (0, 1), got %v", pl.tauFrac)
			}
		} else {
			if !(pl.T1Frac > 0 && pl.T1Frac < 1) {
				return pl, invalid("T1_frac must be in (0, 1), got %v", pl.T1Frac)
			}
			if !(pl.K1 >= 0) || math.IsInf(pl.K1, 0) {
				return pl, invalid("K1 must not be negative, got %v", pl.K1)
			}
		}
		if pl.outer <= 0 || pl.outer > sim.MaxPaths {
			return pl, invalid("n_outer must be in [1, %d], got %d", sim.MaxPaths, pl.outer)
		}
		if pl.inner == exotics.InnerMonteCarlo {
			if pl.innerN <= 0 || pl.outer*pl.innerN > sim.MaxNestedTrials {
				return pl, invalid("n_outer*n_inner must be in [1, %d], got %d*%d", sim.MaxNestedTrials, pl.outer, pl.innerN)
			}
		}
	}
	return pl, nil
}

// Price calibrates (or reuses the cached calibration for) the instrument
// at the default window and prices the requested payoff.
func (s *Service) Price(ctx context.Context, req PriceRequest) (*PriceResponse, error) {
	pl, err := s.plan(req)
	if err != nil {
		return nil, err
	}
	view, err := s.Calibrate(ctx, req.Ticker, req.Expiry, nil)
	if err != nil {
		return nil, err
	}

	T := orFloat(pl.override, view.T)
	p := view.Params
	S0 := view.S0
	run := montecarlo.RunOptions{Workers: s.cfg.Simulation.Workers}
	ctl := exotics.Controls{Paths: pl.paths, Steps: pl.steps, Seed: pl.seed, Run: run}
	nested := exotics.NestedControls{Outer: pl.outer, Inner: pl.innerN, Steps: pl.steps, Seed: pl.seed, Run: run}

	logger.Debugf("pricing %s on %s %s: K=%.4f T=%.4f S0=%.4f", pl.kind, view.Ticker, view.Expiry, pl.K, T, S0)
	started := time.Now()

	var (
		est montecarlo.Estimate
		viz = Viz{}
	)
	switch pl.kind {
	case PayoffAsian:
		est, err = exotics.Asian(ctx, p, S0, pl.K, T, ctl)
		viz.Kind = "hist_avg"
	case PayoffBarrier:
		B := pl.mult * pl.K
		est, err = exotics.BarrierUpIn(ctx, p, S0, pl.K, B, T, ctl)
		viz.Kind, viz.B = "paths_with_barrier", &B
	case PayoffChooser:
		tau := pl.tauFrac * T
		est, err = exotics.Chooser(ctx, p, S0, pl.K, T, tau, nested)
		viz.Kind, viz.Tau = "chooser_split", &tau
	case PayoffCompound:
		K1, T1 := pl.K1, pl.T1Frac*T
		est, err = exotics.CompoundCallOnCall(ctx, p, S0, K1, pl.K, T1, T, pl.inner, nested)
		viz.Kind, viz.K1, viz.T1, viz.Inner = "compound_distribution", &K1, &T1, string(pl.inner)
	}
	if err != nil {
		return nil, err
	}
	metrics.ObservePricing(pl.kind, started, est.Trials)

	paths := pl.paths
	if pl.kind == PayoffChooser || pl.kind == PayoffCompound {
		paths = pl.outer
	}
	return &PriceResponse{
		Inputs: PriceInputs{
			Type: pl.kind, Ticker: view.Ticker, Expiry: view.Expiry,
			K: pl.K, T: T, Paths: paths, Steps: pl.steps, Seed: pl.seed,
		},
		ParamsUsed: p,
		Results: PriceResults{
			Price:    est.Price,
			StdError: est.StdErr,
			Feller:   p.FellerRatio(),
			Trials:   est.Trials,
		},
		Viz: viz,
	}, nil
}
