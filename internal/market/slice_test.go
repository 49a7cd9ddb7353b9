package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterWindow(t *testing.T) {
	quotes := []Quote{
		{Strike: 130, IV: 0.25},
		{Strike: 100, IV: 0.2},
		{Strike: 60, IV: 0.4},
		{Strike: 90, IV: 0.22},
		{Strike: 90, IV: 0.5}, // duplicate strike, dropped
		{Strike: 110, IV: 0},  // unusable vol
		{Strike: 105, IV: math.NaN()},
	}

	got := FilterWindow(quotes, 100, 0.3)
	assert.Equal(t, []Quote{{90, 0.22}, {100, 0.2}, {130, 0.25}}, got)
}

func TestSliceValidate(t *testing.T) {
	s := Slice{Spot: 100, T: 0.5, Quotes: []Quote{{100, 0.2}}}
	require.NoError(t, s.Validate())

	bad := Slice{Spot: -1, T: 0, Quotes: []Quote{{0, 0.2}}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spot")
	assert.Contains(t, err.Error(), "time to expiry")
	assert.Contains(t, err.Error(), "strike")
}

func TestATMVolAndMoneyness(t *testing.T) {
	s := Slice{Spot: 101, Quotes: []Quote{{95, 0.24}, {100, 0.21}, {105, 0.19}}}
	assert.Equal(t, 0.21, s.ATMVol())
	assert.InDeltaSlice(t, []float64{95.0 / 101, 100.0 / 101, 105.0 / 101}, s.Moneyness(), 1e-12)
}

func TestYearFraction(t *testing.T) {
	asOf := time.Date(2025, 1, 2, 15, 30, 0, 0, time.UTC)
	assert.InDelta(t, 15.0/365, YearFraction(asOf, time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)), 1e-12)
	assert.InDelta(t, 1.0/365, YearFraction(asOf, asOf), 1e-12)
}

func TestParseExpiry(t *testing.T) {
	d, err := ParseExpiry("2025-06-20")
	require.NoError(t, err)
	assert.Equal(t, time.June, d.Month())

	_, err = ParseExpiry("20-06-2025")
	assert.Error(t, err)
}
