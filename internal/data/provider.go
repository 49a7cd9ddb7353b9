package data

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/market"
)

// ErrDataUnavailable is returned when no provider in the chain can supply
// an option chain for the requested instrument and expiry.
var ErrDataUnavailable = errors.New("market data unavailable")

type DateMatchType string

const (
	MatchExact   DateMatchType = "exact"   // must match exactly
	MatchHigher  DateMatchType = "higher"  // next available date after target
	MatchLower   DateMatchType = "lower"   // last available date before target
	MatchNearest DateMatchType = "nearest" // closest available date
)

// Provider supplies option chains. A provider that cannot serve a request
// delegates to its Secondary, when one is configured.
type Provider interface {
	Name() string
	Secondary() Provider
	GetChain(ctx context.Context, ticker string, expiry time.Time) (*Chain, error)
}

// Chain is one observed option chain snapshot. The calls table carries the
// per-strike implied vols the calibrator fits to.
type Chain struct {
	Ticker string         `json:"ticker"`
	Expiry time.Time      `json:"expiry"`
	AsOf   time.Time      `json:"as_of"`
	Spot   float64        `json:"spot"`
	Calls  []market.Quote `json:"calls"`
	Puts   []market.Quote `json:"puts"`
	Source string         `json:"source"`
}

// Slice converts the chain into a market slice using the calls table, or
// the puts table when no calls were quoted.
func (c *Chain) Slice(rate, yield float64) market.Slice {
	quotes := c.Calls
	if len(quotes) == 0 {
		quotes = c.Puts
	}
	return market.Slice{
		Ticker: c.Ticker,
		Expiry: c.Expiry,
		Spot:   c.Spot,
		T:      market.YearFraction(c.AsOf, c.Expiry),
		Rate:   rate,
		Yield:  yield,
		Quotes: append([]market.Quote(nil), quotes...),
	}
}

// Options selects and configures a provider chain.
type Options struct {
	Kind      string // massive, local or synthetic
	Fallback  string // optional secondary kind
	Dir       string
	APIKey    string
	RateLimit float64 // requests per second for remote providers
	Match     DateMatchType
}

// New builds the provider named by opts.Kind, with opts.Fallback as its
// secondary.
func New(opts Options) (Provider, error) {
	var secondary Provider
	if opts.Fallback != "" && opts.Fallback != opts.Kind {
		sec, err := build(opts.Fallback, opts, nil)
		if err != nil {
			return nil, errors.Wrap(err, "fallback provider")
		}
		secondary = sec
	}
	return build(opts.Kind, opts, secondary)
}

func build(kind string, opts Options, secondary Provider) (Provider, error) {
	switch strings.ToLower(kind) {
	case "massive":
		if opts.APIKey == "" {
			return nil, errors.New("massive provider requires an API key")
		}
		return NewMassiveDataProvider(opts.APIKey, opts.RateLimit, secondary), nil
	case "local":
		return NewLocalFileDataProvider(opts.Dir, opts.Match, secondary), nil
	case "synthetic", "":
		return NewSyntheticProvider(secondary), nil
	}
	return nil, fmt.Errorf("unknown data provider %q", kind)
}

// delegate hands a failed request to secondary, or returns cause wrapped as
// ErrDataUnavailable when there is none. Cancellation is never delegated.
func delegate(ctx context.Context, from, secondary Provider, ticker string, expiry time.Time, cause error) (*Chain, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if secondary != nil {
		logger.Debugf("%s: %v; delegating %s %s to %s", from.Name(), cause, ticker, expiry.Format(market.DateLayout), secondary.Name())
		return secondary.GetChain(ctx, ticker, expiry)
	}
	if errors.Is(cause, ErrDataUnavailable) {
		return nil, cause
	}
	return nil, errors.Wrapf(ErrDataUnavailable, "%s %s: %v", ticker, expiry.Format(market.DateLayout), cause)
}

func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// MatchDate picks a date from dates relative to d according to mode. It
// returns the zero time when nothing qualifies.
func MatchDate(d time.Time, dates []time.Time, mode DateMatchType) time.Time {
	var (
		exact  time.Time
		lower  time.Time
		higher time.Time
	)

	switch mode {
	case MatchExact, MatchHigher, MatchLower, MatchNearest:
	default:
		mode = MatchExact
	}

	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	for _, dt := range sorted {
		if dt.Equal(d) {
			exact = dt
		}
		if dt.Before(d) {
			lower = dt
		}
		if dt.After(d) && higher.IsZero() {
			higher = dt
		}
	}

	switch mode {
	case MatchExact:
		return exact
	case MatchLower:
		return lower
	case MatchHigher:
		return higher
	}

	if !exact.IsZero() {
		return exact
	}
	switch {
	case !lower.IsZero() && !higher.IsZero():
		if d.Sub(lower) <= higher.Sub(d) {
			return lower
		}
		return higher
	case !lower.IsZero():
		return lower
	}
	return higher
}

func sortQuotes(q []market.Quote) {
	sort.Slice(q, func(i, j int) bool { return q[i].Strike < q[j].Strike })
}
