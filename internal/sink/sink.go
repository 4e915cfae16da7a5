// Package sink is the boundary to the time-series store. The core only
// needs append-only point writes plus two narrow queries: the most recent
// point for a measurement (to resume price generation after a restart) and
// a range sum over one field.
package sink

import (
	"context"
	"time"
)

type Sink interface {
	// WritePoint appends one point. A zero timestamp means ingestion time.
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error

	// LastTimestamp returns the timestamp of the most recent point for the
	// measurement within the lookback window. ok is false when none exists.
	LastTimestamp(ctx context.Context, measurement string, lookback time.Duration) (ts time.Time, ok bool, err error)

	// SumField sums one field across the range, filtered by tags.
	SumField(ctx context.Context, measurement, field string, tags map[string]string, from, to time.Time) (float64, error)

	Close()
}
