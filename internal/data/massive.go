// Package data provides market data provider implementations.
//
// This file contains a Massive-backed Provider that reads option chain
// snapshots through the Massive Go SDK. Requests are paced with a token
// bucket and transient failures are retried with exponential backoff.
package data

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	massive "github.com/massive-com/client-go/v2/rest"
	"github.com/massive-com/client-go/v2/rest/models"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/market"
)

const (
	massivePageLimit   = 250
	massiveMaxRetries  = 3
	massiveDefaultRate = 5.0
)

// snapshotRow is the part of a contract snapshot the provider keeps.
type snapshotRow struct {
	ContractType string
	Strike       float64
	IV           float64
	Underlying   float64
}

// chainLister lists every contract snapshot of one underlying and expiry.
type chainLister func(ctx context.Context, ticker string, expiry time.Time) ([]snapshotRow, error)

// massiveDataProvider implements the Provider interface using Massive APIs.
type massiveDataProvider struct {
	list      chainLister
	limiter   *rate.Limiter
	newPolicy func() backoff.BackOff
	now       func() time.Time

	// secondary is an optional fallback provider.
	secondary Provider
}

// NewMassiveDataProvider constructs a Massive-backed data provider that
// issues at most ratePerSec snapshot requests per second.
func NewMassiveDataProvider(apiKey string, ratePerSec float64, secondary Provider) *massiveDataProvider {
	logger.Infof("initializing Massive data provider")
	client := massive.New(apiKey)
	return newMassiveDataProvider(sdkLister(client), ratePerSec, secondary)
}

func newMassiveDataProvider(list chainLister, ratePerSec float64, secondary Provider) *massiveDataProvider {
	if ratePerSec <= 0 {
		ratePerSec = massiveDefaultRate
	}
	return &massiveDataProvider{
		list:    list,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		newPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, massiveMaxRetries)
		},
		now:       time.Now,
		secondary: secondary,
	}
}

func (massiveDataProv *massiveDataProvider) Name() string { return "massive" }

// Secondary returns the configured secondary Provider, if any.
func (massiveDataProv *massiveDataProvider) Secondary() Provider {
	return massiveDataProv.secondary
}

// GetChain fetches the full chain snapshot for ticker and expiry, splitting
// it into calls and puts keyed by strike. Contracts without a usable
// implied vol are dropped. The spot is the underlying price reported with
// the snapshots.
func (massiveDataProv *massiveDataProvider) GetChain(ctx context.Context, ticker string, expiry time.Time) (*Chain, error) {
	ticker = normalizeTicker(ticker)
	logger.Debugf("massive chain request: %s expiry=%s", ticker, expiry.Format(market.DateLayout))

	var rows []snapshotRow
	op := func() error {
		if err := massiveDataProv.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		rows, err = massiveDataProv.list(ctx, ticker, expiry)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Infof("massive chain request failed (%v), retrying in %s", err, wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(massiveDataProv.newPolicy(), ctx), notify)
	if err != nil {
		return delegate(ctx, massiveDataProv, massiveDataProv.secondary, ticker, expiry, errors.Wrap(err, "massive snapshot"))
	}

	chain := &Chain{Ticker: ticker, Expiry: expiry, AsOf: massiveDataProv.now(), Source: massiveDataProv.Name()}
	for _, r := range rows {
		if r.Underlying > 0 {
			chain.Spot = r.Underlying
		}
		if !(r.Strike > 0) || !(r.IV > 0) {
			continue
		}
		q := market.Quote{Strike: r.Strike, IV: r.IV}
		switch strings.ToLower(r.ContractType) {
		case "call":
			chain.Calls = append(chain.Calls, q)
		case "put":
			chain.Puts = append(chain.Puts, q)
		}
	}
	logger.Tracef("massive chain %s: %d snapshots, %d calls, %d puts, spot=%.2f",
		ticker, len(rows), len(chain.Calls), len(chain.Puts), chain.Spot)

	if chain.Spot <= 0 || len(chain.Calls)+len(chain.Puts) == 0 {
		return delegate(ctx, massiveDataProv, massiveDataProv.secondary, ticker, expiry,
			errors.Errorf("no usable snapshots (%d returned)", len(rows)))
	}
	sortQuotes(chain.Calls)
	sortQuotes(chain.Puts)
	return chain, nil
}

// sdkLister adapts the SDK's paginated chain snapshot iterator.
func sdkLister(client *massive.Client) chainLister {
	return func(ctx context.Context, ticker string, expiry time.Time) ([]snapshotRow, error) {
		date := models.Date(expiry)
		limit := massivePageLimit
		params := &models.ListOptionsChainParams{
			UnderlyingAsset:  ticker,
			ExpirationDateEQ: &date,
			Limit:            &limit,
		}

		var rows []snapshotRow
		iter := client.ListOptionsChainSnapshot(ctx, params)
		for iter.Next() {
			s := iter.Item()
			rows = append(rows, snapshotRow{
				ContractType: s.Details.ContractType,
				Strike:       s.Details.StrikePrice,
				IV:           s.ImpliedVolatility,
				Underlying:   s.UnderlyingAsset.Price,
			})
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return rows, nil
	}
}
