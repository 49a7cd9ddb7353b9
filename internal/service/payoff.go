package service

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// PayoffAxisPoints is the resolution of the schematic S axis.
const PayoffAxisPoints = 200

type PayoffRequest struct {
	Type string   `form:"type" json:"type"`
	K    float64  `form:"K" json:"K"`
	B    *float64 `form:"B" json:"B,omitempty"`
	Tau  *float64 `form:"tau" json:"tau,omitempty"`
	K1   *float64 `form:"K1" json:"K1,omitempty"`
	K2   *float64 `form:"K2" json:"K2,omitempty"`
	T1   *float64 `form:"T1" json:"T1,omitempty"`
	T2   *float64 `form:"T2" json:"T2,omitempty"`
}

type PayoffPlot struct {
	SAxis  []float64 `json:"S_axis"`
	Payoff []float64 `json:"payoff"`
}

type PayoffResponse struct {
	Type        string     `json:"type"`
	FormulaTeX  string     `json:"formula_tex"`
	Description string     `json:"description"`
	Plot        PayoffPlot `json:"plot"`
}

// Payoff returns a teaching view of the contract: its formula and its
// payoff against a terminal-price axis on [0.1K, 2K]. Path conditions
// (averaging, the barrier) cannot be drawn on that axis and are shown
// schematically.
func (s *Service) Payoff(req PayoffRequest) (*PayoffResponse, error) {
	K := req.K
	if !finitePositive(K) {
		return nil, invalid("K must be positive, got %v", K)
	}

	axis := floats.Span(make([]float64, PayoffAxisPoints), 0.1*K, 2*K)
	out := make([]float64, len(axis))
	resp := &PayoffResponse{Type: strings.ToLower(strings.TrimSpace(req.Type))}

	switch resp.Type {
	case PayoffAsian:
		for i, x := range axis {
			out[i] = math.Max(x-K, 0)
		}
		resp.FormulaTeX = `( \bar S - K )^+`
		resp.Description = "Arithmetic-average Asian call payoff shown against a proxy S axis (teaching view)."
	case PayoffBarrier:
		B := orFloat(req.B, s.cfg.Simulation.BarrierMultiplier*K)
		if !finitePositive(B) {
			return nil, invalid("B must be positive, got %v", B)
		}
		for i, x := range axis {
			if x >= K {
				out[i] = x - K
			}
		}
		resp.FormulaTeX = `\mathbb{1}_{\{\max_{t\le T} S_t \ge B\}} (S_T - K)^+`
		resp.Description = "Up-and-in call: pays only if the barrier was hit before expiry."
	case PayoffChooser:
		if req.Tau != nil && !(*req.Tau > 0) {
			return nil, invalid("tau must be positive, got %v", *req.Tau)
		}
		for i, x := range axis {
			out[i] = math.Max(x-K, K-x)
		}
		resp.FormulaTeX = `\max\{(S_T - K)^+,\ (K - S_T)^+\}`
		resp.Description = "Chooser: at tau, choose the more valuable of the call or the put."
	case PayoffCompound:
		K1 := orFloat(req.K1, 0)
		if K1 < 0 || math.IsNaN(K1) {
			return nil, invalid("K1 must not be negative, got %v", K1)
		}
		if req.T1 != nil && req.T2 != nil && !(*req.T2 > *req.T1) {
			return nil, invalid("T2 must follow T1, got T1=%v T2=%v", *req.T1, *req.T2)
		}
		for i, x := range axis {
			out[i] = math.Max(math.Max(x-K, 0)-K1, 0)
		}
		resp.FormulaTeX = `\max(C(T_1;K_2,T_2) - K_1, 0)`
		resp.Description = "Call on call: payoff at T1 against the S axis, shown schematically."
	default:
		return nil, invalid("unsupported payoff type %q", req.Type)
	}

	resp.Plot = PayoffPlot{SAxis: axis, Payoff: out}
	return resp, nil
}
