package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/metrics"
	"github.com/lwesolowski/homeflux/internal/sink"
)

// MeasurementEnergy is the sink measurement aggregates are written under.
const MeasurementEnergy = "energy_usage"

type sample struct {
	t time.Time
	v float64
}

// sampleBuffer holds one source's raw samples for the current window.
// The counter baseline survives flushes so a lifetime meter counter keeps
// producing correct per-window deltas.
type sampleBuffer struct {
	mu      sync.Mutex
	name    string
	power   []sample
	voltage []sample
	current []sample

	counter      []sample // cumulative counter readings, deltas taken at drain
	lastCounter  float64
	haveBaseline bool
}

// counterDelta folds counter readings into the window's consumption, in
// arrival order. A decrease means the meter reset: that delta is not
// counted, but the baseline still moves so the next delta is not inflated.
// Called with the buffer lock held.
func (b *sampleBuffer) counterDelta(samples []sample) float64 {
	var delta float64
	for _, s := range samples {
		if b.haveBaseline {
			if d := s.v - b.lastCounter; d >= 0 {
				delta += d
			}
		}
		b.lastCounter = s.v
		b.haveBaseline = true
	}
	return delta
}

// Aggregator accumulates raw samples per source and reduces them to one
// energy record per fixed wall-clock window. Sources with no samples in a
// window emit nothing: a silent source is indistinguishable from a
// disconnected one, and zero records would corrupt cost queries downstream.
type Aggregator struct {
	mu       sync.Mutex
	sources  map[string]*sampleBuffer
	snk      sink.Sink
	interval time.Duration
}

func NewAggregator(snk sink.Sink, interval time.Duration) *Aggregator {
	return &Aggregator{
		sources:  make(map[string]*sampleBuffer),
		snk:      snk,
		interval: interval,
	}
}

// RegisterSource names a source ahead of its first sample so aggregates
// carry the display name rather than the raw ID.
func (a *Aggregator) RegisterSource(id, name string) {
	buf := a.buffer(id)
	buf.mu.Lock()
	buf.name = name
	buf.mu.Unlock()
}

// DropSource discards a source's buffer and baseline.
func (a *Aggregator) DropSource(id string) {
	a.mu.Lock()
	delete(a.sources, id)
	a.mu.Unlock()
}

func (a *Aggregator) buffer(id string) *sampleBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.sources[id]
	if !ok {
		buf = &sampleBuffer{name: id}
		a.sources[id] = buf
	}
	return buf
}

// Ingest appends one measurement to the source's buffer.
func (a *Aggregator) Ingest(m domain.Measurement) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	buf := a.buffer(m.SourceID)

	buf.mu.Lock()
	buf.power = append(buf.power, sample{t: m.Timestamp, v: m.PowerW})
	if m.Voltage != 0 {
		buf.voltage = append(buf.voltage, sample{t: m.Timestamp, v: m.Voltage})
	}
	if m.Current != 0 {
		buf.current = append(buf.current, sample{t: m.Timestamp, v: m.Current})
	}
	if m.CumulativeWh != nil {
		buf.counter = append(buf.counter, sample{t: m.Timestamp, v: *m.CumulativeWh})
	}
	buf.mu.Unlock()

	metrics.SamplesIngested.WithLabelValues(m.SourceID).Inc()
}

// Flush reduces every source's buffered samples into the window ending at
// now truncated to the interval, writes one point per non-empty source,
// and resets the buffers. Samples stamped at or after the window end stay
// buffered for the next window.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) {
	windowEnd := now.Truncate(a.interval)
	windowStart := windowEnd.Add(-a.interval)

	a.mu.Lock()
	ids := make([]string, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	metrics.FlushesTotal.Inc()

	for _, id := range ids {
		buf := a.buffer(id)
		agg, ok := drain(buf, id, windowStart, windowEnd)
		if !ok {
			continue
		}
		fields := map[string]interface{}{
			"energy_wh":   agg.EnergyWh,
			"voltage_avg": agg.AvgVoltage,
			"current_avg": agg.AvgCurrent,
			"samples":     agg.SampleCount,
		}
		tags := map[string]string{
			"source_id":   agg.SourceID,
			"source_name": agg.SourceName,
		}
		if err := a.snk.WritePoint(ctx, MeasurementEnergy, tags, fields, agg.WindowEnd); err != nil {
			log.Error().Err(err).Str("source", id).Msg("aggregate write failed")
			continue
		}
		metrics.PointsWritten.WithLabelValues(MeasurementEnergy).Inc()
	}
}

// drain computes the aggregate and resets the buffer in one critical
// section, so a sample arriving during the flush lands in the next window.
func drain(buf *sampleBuffer, id string, windowStart, windowEnd time.Time) (domain.Aggregate, bool) {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	power, powerNext := splitAt(buf.power, windowEnd)
	voltage, voltageNext := splitAt(buf.voltage, windowEnd)
	current, currentNext := splitAt(buf.current, windowEnd)
	counter, counterNext := splitAt(buf.counter, windowEnd)

	agg := domain.Aggregate{
		SourceID:    id,
		SourceName:  buf.name,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		SampleCount: len(power),
		AvgVoltage:  mean(voltage),
		AvgCurrent:  mean(current),
	}
	if len(counter) > 0 {
		agg.EnergyWh = buf.counterDelta(counter)
		agg.FromCounter = true
	} else {
		agg.EnergyWh = integrate(power, windowEnd)
	}

	empty := len(power) == 0 && len(voltage) == 0 && len(current) == 0 && len(counter) == 0

	buf.power = powerNext
	buf.voltage = voltageNext
	buf.current = currentNext
	buf.counter = counterNext

	return agg, !empty
}

// integrate computes trapezoid-with-hold energy in Wh: each sample's value
// held until the next sample, the last held to the flush boundary.
func integrate(samples []sample, flushTime time.Time) float64 {
	var ws float64 // watt-seconds
	for i, s := range samples {
		var dur time.Duration
		if i+1 < len(samples) {
			dur = samples[i+1].t.Sub(s.t)
		} else {
			dur = flushTime.Sub(s.t)
		}
		if dur < 0 {
			continue
		}
		ws += s.v * dur.Seconds()
	}
	return ws / 3600
}

func mean(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.v
	}
	return sum / float64(len(samples))
}

// splitAt partitions samples into those belonging to the closing window
// and those stamped at or after the boundary.
func splitAt(samples []sample, boundary time.Time) (in, out []sample) {
	for _, s := range samples {
		if s.t.Before(boundary) {
			in = append(in, s)
		} else {
			out = append(out, s)
		}
	}
	return in, out
}
