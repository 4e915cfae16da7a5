// Package pricing fetches day-ahead market prices. Quotes are retrieved
// per business day and cached in Redis so repeated generation runs do not
// hammer the upstream API.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
)

type Client struct {
	baseURL string
	http    *http.Client
	rdb     *redis.Client
	ttl     time.Duration
}

// NewClient builds a market price client. rdb may be nil, which disables
// caching.
func NewClient(baseURL string, rdb *redis.Client, ttl time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Prices returns the ordered quotes covering [from, to). An empty slice is
// returned when nothing is available; callers treat that the same as a
// failed fetch and skip the affected price steps.
func (c *Client) Prices(ctx context.Context, from, to time.Time) ([]domain.MarketPrice, error) {
	var out []domain.MarketPrice
	first := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for day := first; day.Before(to); day = day.AddDate(0, 0, 1) {
		quotes, err := c.day(ctx, day)
		if err != nil {
			return nil, err
		}
		for _, q := range quotes {
			if !q.Timestamp.Before(from) && q.Timestamp.Before(to) {
				out = append(out, q)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *Client) day(ctx context.Context, day time.Time) ([]domain.MarketPrice, error) {
	key := "homeflux:market:" + day.Format("2006-01-02")
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
			var cached []domain.MarketPrice
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("price cache read failed")
		}
	}

	quotes, err := c.fetchDay(ctx, day)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil && len(quotes) > 0 {
		if raw, err := json.Marshal(quotes); err == nil {
			if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("price cache write failed")
			}
		}
	}
	return quotes, nil
}

// marketEntry is one row of the day-ahead report: a timestamp and a price
// per MWh.
type marketEntry struct {
	DTime string  `json:"dtime"`
	Price float64 `json:"rce_pln"`
}

type marketResponse struct {
	Value []marketEntry `json:"value"`
}

func (c *Client) fetchDay(ctx context.Context, day time.Time) ([]domain.MarketPrice, error) {
	u := fmt.Sprintf("%s?$filter=%s", c.baseURL,
		url.QueryEscape(fmt.Sprintf("business_date eq '%s'", day.Format("2006-01-02"))))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market request: status %d", resp.StatusCode)
	}

	var payload marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("market response: %w", err)
	}

	out := make([]domain.MarketPrice, 0, len(payload.Value))
	for _, e := range payload.Value {
		ts, err := parseMarketTime(e.DTime)
		if err != nil {
			log.Debug().Str("dtime", e.DTime).Msg("unparseable market timestamp")
			continue
		}
		out = append(out, domain.MarketPrice{Timestamp: ts, PerMWh: e.Price})
	}
	return out, nil
}

func parseMarketTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
