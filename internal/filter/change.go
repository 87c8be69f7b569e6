// Package filter decides whether a new ticker differs enough from the last
// one pushed to a client to be worth sending.
package filter

import (
	"math"

	"github.com/fushengyk/marketws/internal/domain"
)

// Thresholds for Meaningful. Zero values fall back to the defaults.
type Thresholds struct {
	Price       float64 `yaml:"price"`        // relative last price move
	Percentage  float64 `yaml:"percentage"`   // absolute move of the 24h change percentage
	FundingRate float64 `yaml:"funding_rate"` // absolute funding rate move
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Price:       1e-8,
		Percentage:  0.01,
		FundingRate: 0.0005,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Price <= 0 {
		t.Price = d.Price
	}
	if t.Percentage <= 0 {
		t.Percentage = d.Percentage
	}
	if t.FundingRate <= 0 {
		t.FundingRate = d.FundingRate
	}
	return t
}

// Comparable holds the fields the filter looks at. Nil means absent.
type Comparable struct {
	Last        *float64
	Percentage  *float64
	FundingRate *float64
}

// FromTicker extracts the compared fields of a ticker.
func FromTicker(t *domain.Ticker) Comparable {
	return Comparable{
		Last:        t.Last,
		Percentage:  t.Percentage,
		FundingRate: t.FundingRate,
	}
}

// Meaningful reports whether cur differs from prev by more than th.
// A field only takes part when both sides carry it.
func Meaningful(prev, cur Comparable, th Thresholds) bool {
	th = th.withDefaults()

	if prev.Last != nil && cur.Last != nil && *prev.Last != 0 {
		if math.Abs(*cur.Last-*prev.Last)/math.Abs(*prev.Last) > th.Price {
			return true
		}
	}
	if prev.Percentage != nil && cur.Percentage != nil {
		if math.Abs(*cur.Percentage-*prev.Percentage) > th.Percentage {
			return true
		}
	}
	if prev.FundingRate != nil && cur.FundingRate != nil {
		if math.Abs(*cur.FundingRate-*prev.FundingRate) > th.FundingRate {
			return true
		}
	}
	return false
}
