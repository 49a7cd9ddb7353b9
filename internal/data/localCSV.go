package data

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/market"
)

// chainRecord is one row of a local chain file, <dir>/<TICKER>.csv:
//
//	as_of,expiry,type,strike,iv,spot
//	2025-01-02,2025-03-21,call,580,0.182,581.39
type chainRecord struct {
	AsOf   string  `csv:"as_of"`
	Expiry string  `csv:"expiry"`
	Type   string  `csv:"type"`
	Strike float64 `csv:"strike"`
	IV     float64 `csv:"iv"`
	Spot   float64 `csv:"spot"`
}

// localFileDataProvider implements Data Provider from local CSV files.
type localFileDataProvider struct {
	dir       string
	match     DateMatchType
	secondary Provider
}

// NewLocalFileDataProvider convenience constructor. match controls how a
// requested expiry is resolved against the expiries present in the file.
func NewLocalFileDataProvider(dir string, match DateMatchType, secondary Provider) *localFileDataProvider {
	if match == "" {
		match = MatchExact
	}
	return &localFileDataProvider{dir: dir, match: match, secondary: secondary}
}

func (localFileDataProv *localFileDataProvider) Name() string { return "local" }

func (localFileDataProv *localFileDataProvider) Secondary() Provider {
	return localFileDataProv.secondary
}

// GetChain reads the ticker's chain file and returns the rows for the
// matched expiry. When a file holds several snapshots for that expiry the
// latest as_of wins.
func (localFileDataProv *localFileDataProvider) GetChain(ctx context.Context, ticker string, expiry time.Time) (*Chain, error) {
	ticker = normalizeTicker(ticker)
	path := filepath.Join(localFileDataProv.dir, ticker+".csv")

	records, err := readChainFile(path)
	if err != nil {
		return delegate(ctx, localFileDataProv, localFileDataProv.secondary, ticker, expiry, err)
	}

	byExpiry := map[time.Time][]chainRecord{}
	var expiries []time.Time
	for _, r := range records {
		exp, err := market.ParseExpiry(strings.TrimSpace(r.Expiry))
		if err != nil {
			logger.Tracef("%s: skipping row with bad expiry %q", path, r.Expiry)
			continue
		}
		if _, ok := byExpiry[exp]; !ok {
			expiries = append(expiries, exp)
		}
		byExpiry[exp] = append(byExpiry[exp], r)
	}

	matched := MatchDate(expiry, expiries, localFileDataProv.match)
	if matched.IsZero() {
		return delegate(ctx, localFileDataProv, localFileDataProv.secondary, ticker, expiry,
			errors.Errorf("%s has no %s match for expiry %s", path, localFileDataProv.match, expiry.Format(market.DateLayout)))
	}
	if !matched.Equal(expiry) {
		logger.Debugf("%s: expiry %s resolved to %s", ticker, expiry.Format(market.DateLayout), matched.Format(market.DateLayout))
	}

	rows := latestSnapshot(byExpiry[matched])
	chain := &Chain{Ticker: ticker, Expiry: matched, Source: localFileDataProv.Name()}
	for _, r := range rows {
		if asOf, err := market.ParseExpiry(strings.TrimSpace(r.AsOf)); err == nil {
			chain.AsOf = asOf
		}
		if r.Spot > 0 {
			chain.Spot = r.Spot
		}
		q := market.Quote{Strike: r.Strike, IV: r.IV}
		switch strings.ToLower(strings.TrimSpace(r.Type)) {
		case "call", "c":
			chain.Calls = append(chain.Calls, q)
		case "put", "p":
			chain.Puts = append(chain.Puts, q)
		}
	}
	if chain.AsOf.IsZero() {
		chain.AsOf = time.Now().UTC()
	}
	if chain.Spot <= 0 || len(chain.Calls)+len(chain.Puts) == 0 {
		return delegate(ctx, localFileDataProv, localFileDataProv.secondary, ticker, expiry,
			errors.Errorf("%s: no usable rows for %s", path, matched.Format(market.DateLayout)))
	}
	sortQuotes(chain.Calls)
	sortQuotes(chain.Puts)
	return chain, nil
}

func readChainFile(path string) ([]chainRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open chain file")
	}
	defer f.Close()

	var records []chainRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return records, nil
}

// latestSnapshot keeps the rows sharing the greatest as_of value. Dates are
// in DateLayout, so string order is date order.
func latestSnapshot(rows []chainRecord) []chainRecord {
	latest := ""
	for _, r := range rows {
		if a := strings.TrimSpace(r.AsOf); a > latest {
			latest = a
		}
	}
	out := rows[:0:0]
	for _, r := range rows {
		if strings.TrimSpace(r.AsOf) == latest {
			out = append(out, r)
		}
	}
	return out
}
