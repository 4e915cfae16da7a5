package sink

import (
	"context"
	"sync"
	"time"
)

// Point is one record captured by the in-memory sink.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Timestamp   time.Time
}

// Memory is an in-process Sink for tests: points are collected but never
// shipped anywhere.
type Memory struct {
	mu     sync.Mutex
	points []Point
}

func NewMemory() *Memory { return &Memory{} }

func (s *Memory) WritePoint(_ context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, Point{Measurement: measurement, Tags: tags, Fields: fields, Timestamp: ts})
	return nil
}

func (s *Memory) LastTimestamp(_ context.Context, measurement string, lookback time.Duration) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-lookback)
	var last time.Time
	found := false
	for _, p := range s.points {
		if p.Measurement == measurement && p.Timestamp.After(cutoff) && p.Timestamp.After(last) {
			last = p.Timestamp
			found = true
		}
	}
	return last, found, nil
}

func (s *Memory) SumField(_ context.Context, measurement, field string, tags map[string]string, from, to time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, p := range s.points {
		if p.Measurement != measurement || p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		match := true
		for k, v := range tags {
			if p.Tags[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if v, ok := p.Fields[field].(float64); ok {
			sum += v
		}
	}
	return sum, nil
}

func (s *Memory) Close() {}

// Points returns a copy of everything written so far.
func (s *Memory) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}
