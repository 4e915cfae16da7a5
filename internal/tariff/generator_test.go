package tariff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/sink"
)

type fakeMarket struct {
	prices []domain.MarketPrice
	err    error
}

func (f *fakeMarket) Prices(context.Context, time.Time, time.Time) ([]domain.MarketPrice, error) {
	return f.prices, f.err
}

func TestGeneratorWritesOnePointPerTariffStep(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{BasePrice: 0.60}, Components{BasePrice: 0.60}, 0.23)
	c := newCalculator(t, nil, g11)
	snk := sink.NewMemory()
	gen := NewGenerator(c, &fakeMarket{}, snk)

	now := time.Now()
	require.NoError(t, gen.Run(context.Background(), now))

	points := snk.Points()
	require.NotEmpty(t, points)
	seen := map[time.Time]bool{}
	for _, p := range points {
		assert.Equal(t, MeasurementPrice, p.Measurement)
		assert.Equal(t, "g11", p.Tags["tariff"])
		assert.False(t, seen[p.Timestamp], "duplicate point at %s", p.Timestamp)
		seen[p.Timestamp] = true
	}
}

func TestGeneratorStartsAtLocalMidnight(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{BasePrice: 0.60}, Components{BasePrice: 0.60}, 0.23)
	c := newCalculator(t, nil, g11)
	snk := sink.NewMemory()
	gen := NewGenerator(c, &fakeMarket{}, snk)

	// a zone where UTC midnight and local midnight differ
	warsaw := time.FixedZone("CET", 3600)
	now := time.Date(2026, 3, 11, 10, 30, 0, 0, warsaw)
	require.NoError(t, gen.Run(context.Background(), now))

	points := snk.Points()
	require.NotEmpty(t, points)
	midnight := time.Date(2026, 3, 11, 0, 0, 0, 0, warsaw)
	assert.True(t, points[0].Timestamp.Equal(midnight),
		"first point at %s, want local midnight %s", points[0].Timestamp, midnight)
}

func TestGeneratorResumesAfterLastPersistedPoint(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{BasePrice: 0.60}, Components{BasePrice: 0.60}, 0.23)
	c := newCalculator(t, nil, g11)
	snk := sink.NewMemory()

	now := time.Now()
	resumeFrom := now.Truncate(step)
	require.NoError(t, snk.WritePoint(context.Background(), MeasurementPrice,
		map[string]string{"tariff": "g11"}, map[string]interface{}{"price_kwh": 0.9}, resumeFrom))

	gen := NewGenerator(c, &fakeMarket{}, snk)
	require.NoError(t, gen.Run(context.Background(), now))

	for _, p := range snk.Points()[1:] {
		assert.True(t, p.Timestamp.After(resumeFrom), "point %s not after resume mark", p.Timestamp)
	}
}

func TestGeneratorSurvivesMarketOutage(t *testing.T) {
	g11 := mustResolve(t, "g11", "g11", Components{BasePrice: 0.60}, Components{BasePrice: 0.60}, 0.23)
	rdn := mustResolve(t, "rdn", "rdn", Components{}, Components{}, 0.23)
	c := newCalculator(t, nil, g11, rdn)
	snk := sink.NewMemory()
	gen := NewGenerator(c, &fakeMarket{err: assert.AnError}, snk)

	require.NoError(t, gen.Run(context.Background(), time.Now()))

	points := snk.Points()
	require.NotEmpty(t, points)
	for _, p := range points {
		assert.Equal(t, "g11", p.Tags["tariff"], "only the static tariff prices without market data")
	}
}
