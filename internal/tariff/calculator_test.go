package tariff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwesolowski/homeflux/internal/domain"
)

type staticHolidays struct {
	days []time.Time
	err  error
}

func (s *staticHolidays) Holidays(_ context.Context, year int) ([]time.Time, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []time.Time
	for _, d := range s.days {
		if d.Year() == year {
			out = append(out, d)
		}
	}
	return out, nil
}

func newCalculator(t *testing.T, holidays []time.Time, tariffs ...Tariff) *Calculator {
	t.Helper()
	cache := NewHolidayCache(&staticHolidays{days: holidays})
	return NewCalculator(tariffs, cache)
}

func mustResolve(t *testing.T, name, kind string, peak, offPeak Components, vat float64) Tariff {
	t.Helper()
	tf, err := Resolve(name, kind, peak, offPeak, vat)
	require.NoError(t, err)
	return tf
}

// 2026-01-06 (Epiphany) falls on a Tuesday.
var epiphany = time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}

func TestFlatTariffIsAlwaysPeak(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g11)

	for hour := 0; hour < 24; hour++ {
		assert.True(t, c.IsPeakHour(at(epiphany, hour), g11))
	}
}

func TestPeakWindowsG12(t *testing.T) {
	g12 := mustResolve(t, "g12", "g12", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g12)

	weekday := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC) // Wednesday
	peakHours := map[int]bool{}
	for h := 6; h < 13; h++ {
		peakHours[h] = true
	}
	for h := 15; h < 22; h++ {
		peakHours[h] = true
	}
	for hour := 0; hour < 24; hour++ {
		assert.Equal(t, peakHours[hour], c.IsPeakHour(at(weekday, hour), g12), "hour %d", hour)
	}
}

func TestG12IgnoresWeekends(t *testing.T) {
	// plain G12 keeps its windows even on Saturday
	g12 := mustResolve(t, "g12", "g12", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g12)

	saturday := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	assert.True(t, c.IsPeakHour(at(saturday, 10), g12))
}

func TestWeekendTariffOffPeakOnWeekend(t *testing.T) {
	g12w := mustResolve(t, "g12w", "g12w", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g12w)

	saturday := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	for hour := 0; hour < 24; hour++ {
		assert.False(t, c.IsPeakHour(at(saturday, hour), g12w), "hour %d", hour)
	}
}

func TestWeekdayHolidayIsOffPeakEveryHour(t *testing.T) {
	g12w := mustResolve(t, "g12w", "g12w", Components{}, Components{}, 0.23)
	c := newCalculator(t, []time.Time{epiphany}, g12w)

	for hour := 0; hour < 24; hour++ {
		assert.False(t, c.IsPeakHour(at(epiphany, hour), g12w), "hour %d", hour)
	}
	// the day after is an ordinary weekday again
	assert.True(t, c.IsPeakHour(at(epiphany.AddDate(0, 0, 1), 10), g12w))
}

func TestStaticPriceFormula(t *testing.T) {
	peak := Components{BasePrice: 0.50, NetworkFee: 0.20, QualityFee: 0.02, Cogeneration: 0.01, Excise: 0.005}
	g11 := mustResolve(t, "g11", "g11", peak, peak, 0.23)
	c := newCalculator(t, nil, g11)

	price, err := c.Price(at(epiphany, 10), g11, nil)
	require.NoError(t, err)
	// excise is part of the taxable base, unlike the dynamic trade margin
	assert.InDelta(t, (0.50+0.20+0.02+0.01+0.005)*1.23, price, 1e-9)
}

func TestDynamicPriceUsesPeakFeeSet(t *testing.T) {
	peak := Components{NetworkFee: 0.30, QualityFee: 0.02, Cogeneration: 0.01, Margin: 0.05}
	offPeak := Components{NetworkFee: 0.10, QualityFee: 0.02, Cogeneration: 0.01, Margin: 0.05}
	dyn := mustResolve(t, "dynamic", "dynamic", peak, offPeak, 0.23)
	c := newCalculator(t, nil, dyn)

	market := 400.0 // PLN/MWh -> 0.40/kWh
	weekday := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	price, err := c.Price(at(weekday, 10), dyn, &market) // 10:00 is peak for dynamic
	require.NoError(t, err)
	assert.InDelta(t, (0.40+0.30+0.02+0.01)*1.23+0.05, price, 1e-9)

	price, err = c.Price(at(weekday, 14), dyn, &market) // 14:00 is off-peak
	require.NoError(t, err)
	assert.InDelta(t, (0.40+0.10+0.02+0.01)*1.23+0.05, price, 1e-9)
}

func TestDynamicPriceUnavailableWithoutMarket(t *testing.T) {
	dyn := mustResolve(t, "dynamic", "dynamic", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, dyn)

	_, err := c.Price(at(epiphany, 10), dyn, nil)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestPassthroughConvertsPerMWh(t *testing.T) {
	rdn := mustResolve(t, "rdn", "rdn", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, rdn)

	market := 412.5
	price, err := c.Price(at(epiphany, 10), rdn, &market)
	require.NoError(t, err)
	assert.InDelta(t, 0.4125, price, 1e-9)

	_, err = c.Price(at(epiphany, 10), rdn, nil)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestResolveRejectsUnknownKind(t *testing.T) {
	_, err := Resolve("x", "g13", Components{}, Components{}, 0.23)
	assert.Error(t, err)
}

func TestGeneratePricePoints(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{BasePrice: 0.60}, Components{BasePrice: 0.60}, 0.23)
	rdn := mustResolve(t, "rdn", "rdn", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g11, rdn)

	from := time.Date(2026, 3, 11, 13, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)
	prices := []domain.MarketPrice{
		{Timestamp: from, PerMWh: 400},                       // covers 13:00-13:45 by hour fallback
		{Timestamp: from.Add(75 * time.Minute), PerMWh: 500}, // exact match for 14:15 only
	}

	points := c.GeneratePricePoints(from, to, prices)

	byTariff := map[string][]domain.PricePoint{}
	for _, p := range points {
		byTariff[p.Tariff] = append(byTariff[p.Tariff], p)
	}

	// static tariff prices every step regardless of market data
	assert.Len(t, byTariff["g11"], 8)

	// passthrough: four steps in hour one, one exact match in hour two
	require.Len(t, byTariff["rdn"], 5)
	for _, p := range byTariff["rdn"][:4] {
		assert.InDelta(t, 0.4, p.PerKWh, 1e-9)
	}
	last := byTariff["rdn"][4]
	assert.Equal(t, from.Add(75*time.Minute), last.Timestamp)
	assert.InDelta(t, 0.5, last.PerKWh, 1e-9)
}

func TestGeneratePricePointsEmitsOnePointPerTariffStep(t *testing.T) {
	rdn := mustResolve(t, "rdn", "rdn", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, rdn)

	from := time.Date(2026, 3, 11, 13, 0, 0, 0, time.UTC)
	prices := []domain.MarketPrice{{Timestamp: from, PerMWh: 400}}
	points := c.GeneratePricePoints(from, from.Add(time.Hour), prices)

	seen := map[time.Time]int{}
	for _, p := range points {
		seen[p.Timestamp]++
	}
	require.Len(t, seen, 4)
	for ts, n := range seen {
		assert.Equal(t, 1, n, "step %s", ts)
	}
}

func TestGeneratePricePointsWithNoMarketData(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{BasePrice: 0.60}, Components{BasePrice: 0.60}, 0.23)
	rdn := mustResolve(t, "rdn", "rdn", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g11, rdn)

	from := time.Date(2026, 3, 11, 13, 0, 0, 0, time.UTC)
	points := c.GeneratePricePoints(from, from.Add(time.Hour), nil)

	for _, p := range points {
		assert.Equal(t, "g11", p.Tariff, "market-linked tariff must not emit without market data")
	}
	assert.Len(t, points, 4)
}

func TestHolidayFetchFailureDegradesToNonHoliday(t *testing.T) {
	cache := NewHolidayCache(&staticHolidays{err: errors.New("upstream down")})
	g12w := mustResolve(t, "g12w", "g12w", Components{}, Components{}, 0.23)
	c := NewCalculator([]Tariff{g12w}, cache)

	// weekday hours price as ordinary peak when the holiday list is unknown
	assert.True(t, c.IsPeakHour(at(epiphany, 10), g12w))
}
