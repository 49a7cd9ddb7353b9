package data

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/contactkeval/pryce/internal/heston"
	"github.com/contactkeval/pryce/internal/market"
	"github.com/contactkeval/pryce/internal/pricing"
)

// SyntheticModel is the Heston parameter set the synthetic provider quotes
// its smiles from.
var SyntheticModel = heston.Params{Kappa: 1.8, Theta: 0.045, Sigma: 0.55, Rho: -0.65, V0: 0.04, R: 0.04}

// synthDataProvider implements Data Provider generating synthetic chains.
// Output depends only on (ticker, expiry, clock), so repeated requests see
// the same data.
type synthDataProvider struct {
	model     heston.Params
	now       func() time.Time
	secondary Provider
}

func NewSyntheticProvider(secondary Provider) Provider {
	return &synthDataProvider{model: SyntheticModel, now: time.Now, secondary: secondary}
}

// NewSyntheticProviderAt pins the provider clock; used by tests and
// reproducible CLI runs.
func NewSyntheticProviderAt(asOf time.Time, model heston.Params) Provider {
	return &synthDataProvider{model: model, now: func() time.Time { return asOf }}
}

func (synthDataProv *synthDataProvider) Name() string { return "synthetic" }

func (synthDataProv *synthDataProvider) Secondary() Provider {
	return synthDataProv.secondary
}

// GetChain quotes strikes from 70% to 130% of a ticker-derived spot in
// 2.5% steps, with implied vols read off the model smile.
func (synthDataProv *synthDataProvider) GetChain(ctx context.Context, ticker string, expiry time.Time) (*Chain, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return nil, errors.Wrap(ErrDataUnavailable, "empty ticker")
	}
	asOf := synthDataProv.now().UTC()
	if !expiry.After(asOf) {
		return delegate(ctx, synthDataProv, synthDataProv.secondary, ticker, expiry,
			errors.Errorf("expiry %s is not after %s", expiry.Format(market.DateLayout), asOf.Format(market.DateLayout)))
	}

	spot := SyntheticSpot(ticker)
	T := market.YearFraction(asOf, expiry)
	p := synthDataProv.model

	chain := &Chain{Ticker: ticker, Expiry: expiry, AsOf: asOf, Spot: spot, Source: synthDataProv.Name()}
	for m := 0.70; m <= 1.30+1e-9; m += 0.025 {
		K := math.Round(spot*m*100) / 100
		for _, isCall := range []bool{true, false} {
			price := heston.OptionPrice(p, isCall, spot, K, T)
			iv, err := pricing.ImpliedVolClamped(isCall, price, spot, K, T, p.R, p.Q)
			if err != nil {
				continue
			}
			q := market.Quote{Strike: K, IV: iv}
			if isCall {
				chain.Calls = append(chain.Calls, q)
			} else {
				chain.Puts = append(chain.Puts, q)
			}
		}
	}
	return chain, nil
}

// SyntheticSpot maps a ticker to a stable spot price in [50, 500).
func SyntheticSpot(ticker string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalizeTicker(ticker)))
	return 50 + float64(h.Sum32()%45000)/100
}
