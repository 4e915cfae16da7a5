// Package tariff computes applicable electricity prices under the
// configured tariff schemes: static flat and peak/off-peak tariffs, a
// market-linked dynamic tariff, and a raw day-ahead passthrough.
package tariff

import (
	"fmt"
	"time"
)

type Kind int

const (
	// KindG11 is a static flat-rate tariff.
	KindG11 Kind = iota
	// KindG12 is a static peak/off-peak tariff (06-13 and 15-22 peak).
	KindG12
	// KindG12W is G12 with weekends and holidays always off-peak.
	KindG12W
	// KindDynamic derives the price from the day-ahead market plus fixed
	// fees (07-13 and 16-22 peak, weekends and holidays off-peak).
	KindDynamic
	// KindRDN passes the raw day-ahead market price through.
	KindRDN
)

// Components are the immutable rate coefficients of one fee set, priced
// per kWh. Excise applies to static tariffs, Margin to dynamic ones.
type Components struct {
	BasePrice    float64 `json:"base_price"`
	NetworkFee   float64 `json:"network_fee"`
	QualityFee   float64 `json:"quality_fee"`
	Cogeneration float64 `json:"cogeneration_fee"`
	Excise       float64 `json:"excise"`
	Margin       float64 `json:"trade_margin"`
}

type hourRange struct{ from, to int } // [from, to)

// Tariff is one pricing scheme with its variant resolved at load time, so
// price calculation never dispatches on string keys.
type Tariff struct {
	Name string
	Kind Kind
	VAT  float64

	Peak    Components
	OffPeak Components

	peakWindows    []hourRange
	weekendOffPeak bool
}

// Resolve maps a registry row onto a tagged tariff variant. Unknown kinds
// are a configuration error for that one tariff only.
func Resolve(name, kind string, peak, offPeak Components, vat float64) (Tariff, error) {
	t := Tariff{Name: name, VAT: vat, Peak: peak, OffPeak: offPeak}
	switch kind {
	case "g11":
		t.Kind = KindG11
	case "g12":
		t.Kind = KindG12
		t.peakWindows = []hourRange{{6, 13}, {15, 22}}
	case "g12w":
		t.Kind = KindG12W
		t.peakWindows = []hourRange{{6, 13}, {15, 22}}
		t.weekendOffPeak = true
	case "dynamic":
		t.Kind = KindDynamic
		t.peakWindows = []hourRange{{7, 13}, {16, 22}}
		t.weekendOffPeak = true
	case "rdn":
		t.Kind = KindRDN
	default:
		return Tariff{}, fmt.Errorf("tariff %s: unknown kind %q", name, kind)
	}
	return t, nil
}

func (t Tariff) inPeakWindow(hour int) bool {
	for _, w := range t.peakWindows {
		if hour >= w.from && hour < w.to {
			return true
		}
	}
	return false
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
