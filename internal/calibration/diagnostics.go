package calibration

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/market"
)

// Curve pairs market and model implied vols by moneyness for plotting.
type Curve struct {
	Moneyness []float64 `json:"moneyness"`
	IVMarket  []float64 `json:"iv_market"`
	IVModel   []float64 `json:"iv_heston"`
}

// BuildCurve evaluates the model smile on the quotes of slice whose
// moneyness falls in [1-window, 1+window]. Model prices go through
// clamp-then-invert, so the curve is always defined.
func BuildCurve(p heston.Params, slice market.Slice, window float64) Curve {
	quotes := market.FilterWindow(slice.Quotes, slice.Spot, window)
	c := Curve{
		Moneyness: make([]float64, 0, len(quotes)),
		IVMarket:  make([]float64, 0, len(quotes)),
		IVModel:   make([]float64, 0, len(quotes)),
	}
	for _, q := range quotes {
		iv, err := ModelIV(p, slice.Spot, q.Strike, slice.T)
		if err != nil {
			continue
		}
		c.Moneyness = append(c.Moneyness, q.Strike/slice.Spot)
		c.IVMarket = append(c.IVMarket, q.IV)
		c.IVModel = append(c.IVModel, iv)
	}
	return c
}

// RMSE is the root-mean-square difference of two equally sized series.
// It returns NaN for empty or mismatched inputs.
func RMSE(model, observed []float64) float64 {
	if len(model) == 0 || len(model) != len(observed) {
		return math.NaN()
	}
	diff := make([]float64, len(model))
	floats.SubTo(diff, model, observed)
	return floats.Norm(diff, 2) / math.Sqrt(float64(len(diff)))
}
