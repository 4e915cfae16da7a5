package tariff

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
)

// ErrPriceUnavailable means no market price was resolvable for a
// market-linked tariff at the requested time step.
var ErrPriceUnavailable = errors.New("price unavailable")

const step = 15 * time.Minute

// Calculator resolves the applicable price per tariff and timestamp.
// Tariffs are independent: one tariff failing never affects another.
type Calculator struct {
	tariffs  []Tariff
	holidays *HolidayCache
}

func NewCalculator(tariffs []Tariff, holidays *HolidayCache) *Calculator {
	return &Calculator{tariffs: tariffs, holidays: holidays}
}

func (c *Calculator) Tariffs() []Tariff { return c.tariffs }

// IsPeakHour classifies the timestamp under the tariff's peak windows.
// Tariffs without a peak/off-peak split are always "peak" (flat rate);
// weekend-aware tariffs treat weekends and holidays as off-peak for every
// hour of the day.
func (c *Calculator) IsPeakHour(ts time.Time, t Tariff) bool {
	if len(t.peakWindows) == 0 {
		return true
	}
	if t.weekendOffPeak && (isWeekend(ts) || c.holidays.IsHoliday(ts)) {
		return false
	}
	return t.inPeakWindow(ts.Hour())
}

// Price computes the per-kWh price at ts. marketPerMWh is the day-ahead
// market price per MWh, or nil when none is known for that timestamp.
func (c *Calculator) Price(ts time.Time, t Tariff, marketPerMWh *float64) (float64, error) {
	fees := t.OffPeak
	if c.IsPeakHour(ts, t) {
		fees = t.Peak
	}

	switch t.Kind {
	case KindRDN:
		if marketPerMWh == nil {
			return 0, ErrPriceUnavailable
		}
		return *marketPerMWh / 1000, nil
	case KindDynamic:
		if marketPerMWh == nil {
			return 0, ErrPriceUnavailable
		}
		base := *marketPerMWh/1000 + fees.NetworkFee + fees.QualityFee + fees.Cogeneration
		return base*(1+t.VAT) + fees.Margin, nil
	default:
		base := fees.BasePrice + fees.NetworkFee + fees.QualityFee + fees.Cogeneration + fees.Excise
		return base * (1 + t.VAT), nil
	}
}

// GeneratePricePoints walks the range in 15-minute steps and computes one
// price per tariff per step. A step's market price is matched exactly on
// the step timestamp, falling back to the enclosing hour's quote. Steps a
// market-linked tariff cannot price are skipped, not zero-filled.
func (c *Calculator) GeneratePricePoints(from, to time.Time, prices []domain.MarketPrice) []domain.PricePoint {
	byTime := make(map[time.Time]float64, len(prices))
	for _, p := range prices {
		byTime[p.Timestamp.Truncate(step)] = p.PerMWh
	}

	var out []domain.PricePoint
	for ts := from.Truncate(step); ts.Before(to); ts = ts.Add(step) {
		market := resolveMarket(byTime, ts)
		for _, t := range c.tariffs {
			price, err := c.Price(ts, t, market)
			if err != nil {
				if !errors.Is(err, ErrPriceUnavailable) {
					log.Warn().Err(err).Str("tariff", t.Name).Time("step", ts).Msg("price calculation failed")
				}
				continue
			}
			out = append(out, domain.PricePoint{Timestamp: ts, Tariff: t.Name, PerKWh: price})
		}
	}
	return out
}

func resolveMarket(byTime map[time.Time]float64, ts time.Time) *float64 {
	if v, ok := byTime[ts]; ok {
		return &v
	}
	if v, ok := byTime[ts.Truncate(time.Hour)]; ok {
		return &v
	}
	return nil
}
