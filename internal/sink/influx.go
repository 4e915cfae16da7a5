package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Influx implements Sink on an InfluxDB v2 bucket.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
	}
}

func (s *Influx) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	p := write.NewPoint(measurement, tags, fields, ts)
	if err := s.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write %s: %w", measurement, err)
	}
	return nil
}

func (s *Influx) LastTimestamp(ctx context.Context, measurement string, lookback time.Duration) (time.Time, bool, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %q)
  |> last()`, s.bucket, lookback.String(), measurement)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("influx last query: %w", err)
	}
	defer result.Close()

	var last time.Time
	found := false
	for result.Next() {
		if t := result.Record().Time(); t.After(last) {
			last = t
			found = true
		}
	}
	if result.Err() != nil {
		return time.Time{}, false, fmt.Errorf("influx last query: %w", result.Err())
	}
	return last, found, nil
}

func (s *Influx) SumField(ctx context.Context, measurement, field string, tags map[string]string, from, to time.Time) (float64, error) {
	var filters strings.Builder
	fmt.Fprintf(&filters, `r._measurement == %q and r._field == %q`, measurement, field)
	for k, v := range tags {
		fmt.Fprintf(&filters, ` and r.%s == %q`, k, v)
	}
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => %s)
  |> sum()`, s.bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), filters.String())

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return 0, fmt.Errorf("influx sum query: %w", err)
	}
	defer result.Close()

	var sum float64
	for result.Next() {
		if v, ok := result.Record().Value().(float64); ok {
			sum += v
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("influx sum query: %w", result.Err())
	}
	return sum, nil
}

func (s *Influx) Close() {
	s.client.Close()
}
