package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPricesParsesAndFiltersRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "business_date")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[
			{"dtime":"2026-03-11 12:45:00","rce_pln":390.10},
			{"dtime":"2026-03-11 13:00:00","rce_pln":401.50},
			{"dtime":"2026-03-11 13:15:00","rce_pln":398.20},
			{"dtime":"2026-03-11 14:00:00","rce_pln":410.00}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Hour)
	from := time.Date(2026, 3, 11, 13, 0, 0, 0, time.Local)
	to := from.Add(time.Hour)

	prices, err := c.Prices(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, 401.50, prices[0].PerMWh)
	assert.Equal(t, 398.20, prices[1].PerMWh)
	assert.True(t, prices[0].Timestamp.Before(prices[1].Timestamp))
}

func TestPricesUpstreamErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Hour)
	from := time.Date(2026, 3, 11, 13, 0, 0, 0, time.Local)

	_, err := c.Prices(context.Background(), from, from.Add(time.Hour))
	assert.Error(t, err)
}

func TestPricesSkipsMalformedTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"value":[
			{"dtime":"not-a-time","rce_pln":390.10},
			{"dtime":"2026-03-11 13:00","rce_pln":401.50}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Hour)
	from := time.Date(2026, 3, 11, 0, 0, 0, 0, time.Local)

	prices, err := c.Prices(context.Background(), from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 401.50, prices[0].PerMWh)
}
