package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HolidaySource fetches the public holidays of one calendar year.
type HolidaySource interface {
	Holidays(ctx context.Context, year int) ([]time.Time, error)
}

// HolidayCache loads each year's holiday list once and keeps it forever.
// A failed fetch caches an empty list for that year, which stops retry
// storms; the affected days simply price as non-holidays.
type HolidayCache struct {
	src HolidaySource

	mu    sync.Mutex
	years map[int]map[string]struct{}
}

func NewHolidayCache(src HolidaySource) *HolidayCache {
	return &HolidayCache{src: src, years: make(map[int]map[string]struct{})}
}

const dayKey = "2006-01-02"

// IsHoliday reports whether the date matches a cached holiday by calendar
// day, ignoring time of day.
func (c *HolidayCache) IsHoliday(t time.Time) bool {
	year := t.Year()

	c.mu.Lock()
	days, ok := c.years[year]
	if !ok {
		days = c.load(year)
		c.years[year] = days
	}
	c.mu.Unlock()

	_, hit := days[t.Format(dayKey)]
	return hit
}

func (c *HolidayCache) load(year int) map[string]struct{} {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	days := make(map[string]struct{})
	dates, err := c.src.Holidays(ctx, year)
	if err != nil {
		log.Warn().Err(err).Int("year", year).Msg("holiday fetch failed, treating year as holiday-free")
		return days
	}
	for _, d := range dates {
		days[d.Format(dayKey)] = struct{}{}
	}
	log.Info().Int("year", year).Int("count", len(days)).Msg("holiday list cached")
	return days
}

// HTTPHolidaySource queries a Nager.Date-compatible public holiday API.
type HTTPHolidaySource struct {
	BaseURL string
	Country string
	Client  *http.Client
}

func NewHTTPHolidaySource(baseURL, country string) *HTTPHolidaySource {
	return &HTTPHolidaySource{
		BaseURL: baseURL,
		Country: country,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPHolidaySource) Holidays(ctx context.Context, year int) ([]time.Time, error) {
	url := fmt.Sprintf("%s/%d/%s", s.BaseURL, year, s.Country)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("holiday request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("holiday request: status %d", resp.StatusCode)
	}

	var payload []struct {
		Date string `json:"date"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("holiday response: %w", err)
	}

	out := make([]time.Time, 0, len(payload))
	for _, h := range payload {
		d, err := time.Parse(dayKey, h.Date)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
