package tariff

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/metrics"
	"github.com/lwesolowski/homeflux/internal/sink"
)

// MeasurementPrice is the sink measurement price points are written under.
const MeasurementPrice = "energy_price"

// resumeLookback bounds the query for the last persisted price point.
const resumeLookback = 48 * time.Hour

// MarketSource provides day-ahead market prices for a time range. An empty
// result means no data; the generator does not distinguish that from a
// failed fetch and simply skips the affected steps.
type MarketSource interface {
	Prices(ctx context.Context, from, to time.Time) ([]domain.MarketPrice, error)
}

// Generator runs the pricing pipeline: resume after the last persisted
// point, fetch market prices, compute one point per tariff and step, and
// append them to the sink.
type Generator struct {
	calc    *Calculator
	market  MarketSource
	snk     sink.Sink
	horizon time.Duration
}

func NewGenerator(calc *Calculator, market MarketSource, snk sink.Sink) *Generator {
	return &Generator{calc: calc, market: market, snk: snk, horizon: 36 * time.Hour}
}

func (g *Generator) Run(ctx context.Context, now time.Time) error {
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if last, ok, err := g.snk.LastTimestamp(ctx, MeasurementPrice, resumeLookback); err != nil {
		log.Warn().Err(err).Msg("resume query failed, starting from midnight")
	} else if ok {
		from = last.Add(step)
	}
	to := now.Add(g.horizon).Truncate(step)
	if !from.Before(to) {
		return nil
	}

	prices, err := g.market.Prices(ctx, from, to)
	if err != nil {
		// market outage degrades to "no data": static tariffs still price
		log.Warn().Err(err).Msg("market price fetch failed")
		prices = nil
	}

	points := g.calc.GeneratePricePoints(from, to, prices)
	written := 0
	for _, p := range points {
		tags := map[string]string{"tariff": p.Tariff}
		fields := map[string]interface{}{"price_kwh": p.PerKWh}
		if err := g.snk.WritePoint(ctx, MeasurementPrice, tags, fields, p.Timestamp); err != nil {
			log.Error().Err(err).Str("tariff", p.Tariff).Time("step", p.Timestamp).Msg("price point write failed")
			continue
		}
		metrics.PricePointsGenerated.WithLabelValues(p.Tariff).Inc()
		metrics.PointsWritten.WithLabelValues(MeasurementPrice).Inc()
		written++
	}
	log.Info().Time("from", from).Time("to", to).Int("points", written).Msg("price points generated")
	return nil
}
