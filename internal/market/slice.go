// Package market holds the observed option-market inputs the calibrator
// fits to: one spot, one expiry, and a set of strike / implied-vol quotes.
package market

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/multierr"
)

// DateLayout is the expiry format accepted across the API.
const DateLayout = "2006-01-02"

// Quote is one observed (strike, implied volatility) pair.
type Quote struct {
	Strike float64 `json:"strike"`
	IV     float64 `json:"iv"`
}

// Slice is the market snapshot for one (instrument, expiry). It is built
// once per request and never modified afterwards; the filtering helpers
// return new slices.
type Slice struct {
	Ticker string    `json:"ticker"`
	Expiry time.Time `json:"expiry"`
	Spot   float64   `json:"spot"`
	T      float64   `json:"T"`
	Rate   float64   `json:"r"`
	Yield  float64   `json:"q"`
	Quotes []Quote   `json:"quotes"`
}

// Validate reports every structural problem with the slice.
func (s Slice) Validate() error {
	var err error
	if !(s.Spot > 0) || math.IsInf(s.Spot, 0) {
		err = multierr.Append(err, fmt.Errorf("spot must be positive and finite, got %v", s.Spot))
	}
	if !(s.T > 0) || math.IsInf(s.T, 0) {
		err = multierr.Append(err, fmt.Errorf("time to expiry must be positive, got %v", s.T))
	}
	if len(s.Quotes) == 0 {
		err = multierr.Append(err, fmt.Errorf("no quotes"))
	}
	for i, q := range s.Quotes {
		if !(q.Strike > 0) || math.IsInf(q.Strike, 0) {
			err = multierr.Append(err, fmt.Errorf("quote %d: strike must be positive, got %v", i, q.Strike))
		}
		if !(q.IV > 0) || math.IsInf(q.IV, 0) {
			err = multierr.Append(err, fmt.Errorf("quote %d: implied vol must be positive, got %v", i, q.IV))
		}
	}
	return err
}

// Moneyness returns K/S0 for each quote, in quote order.
func (s Slice) Moneyness() []float64 {
	out := make([]float64, len(s.Quotes))
	for i, q := range s.Quotes {
		out[i] = q.Strike / s.Spot
	}
	return out
}

// Window returns a copy of s keeping quotes with moneyness in
// [1-width, 1+width], sorted by strike.
func (s Slice) Window(width float64) Slice {
	out := s
	out.Quotes = FilterWindow(s.Quotes, s.Spot, width)
	return out
}

// ATMVol returns the implied vol of the quote closest to the spot, or 0 when
// there are no quotes.
func (s Slice) ATMVol() float64 {
	best, vol := math.Inf(1), 0.0
	for _, q := range s.Quotes {
		if d := math.Abs(q.Strike - s.Spot); d < best {
			best, vol = d, q.IV
		}
	}
	return vol
}

// FilterWindow keeps usable quotes (positive, finite strike and vol) whose
// moneyness K/spot lies in [1-width, 1+width], sorted by strike. Duplicate
// strikes keep the first occurrence.
func FilterWindow(quotes []Quote, spot, width float64) []Quote {
	out := make([]Quote, 0, len(quotes))
	seen := make(map[float64]struct{}, len(quotes))
	for _, q := range quotes {
		if !(q.Strike > 0) || !(q.IV > 0) || math.IsInf(q.IV, 0) || math.IsInf(q.Strike, 0) {
			continue
		}
		m := q.Strike / spot
		if m < 1-width || m > 1+width {
			continue
		}
		if _, dup := seen[q.Strike]; dup {
			continue
		}
		seen[q.Strike] = struct{}{}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

// YearFraction returns the ACT/365 time from asOf to expiry, floored at one
// day so that same-day expiries still price.
func YearFraction(asOf, expiry time.Time) float64 {
	days := math.Floor(expiry.Sub(truncateDay(asOf)).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days / 365.0
}

// ParseExpiry parses an expiry in DateLayout.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry %q: want YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
