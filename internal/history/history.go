// Package history fetches historical bars from the data provider's REST API.
// Results are ordered ascending and paginated server-side; the client walks
// page tokens until the range is exhausted.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"

	"phase-enginev1/internal/model"
)

// Config holds the history client configuration.
type Config struct {
	// BaseURL of the provider REST API, e.g. "https://data.example.com".
	BaseURL string

	APIKey    string
	APISecret string

	// TOTPSecret, when set, adds a time-based one-time session code header
	// to every request. Providers that require 2FA-bound API sessions use it.
	TOTPSecret string

	// Timeout per HTTP request. Defaults to 15s.
	Timeout time.Duration

	// PageLimit is the maximum bars requested per page. Defaults to 1000.
	PageLimit int
}

// NoDataAvailableError reports an empty result for a requested range. A
// reportable condition, not a crash.
type NoDataAvailableError struct {
	Symbol string
	TF     int
	Start  time.Time
	End    time.Time
}

func (e *NoDataAvailableError) Error() string {
	return fmt.Sprintf("no historical data for %s (tf=%ds) in [%s, %s]",
		e.Symbol, e.TF, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// Client is the historical bars client.
type Client struct {
	cfg Config
	hc  *http.Client
	log *slog.Logger
}

// NewClient builds a history client.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageLimit == 0 {
		cfg.PageLimit = 1000
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
		log: log,
	}
}

type wireBar struct {
	TS     string  `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume int64   `json:"v"`
}

type barsPage struct {
	Bars          []wireBar `json:"bars"`
	NextPageToken string    `json:"next_page_token"`
}

// Bars fetches the ordered bar sequence for [start, end]. An empty overall
// result fails with *NoDataAvailableError.
func (c *Client) Bars(ctx context.Context, symbol string, tf int, start, end time.Time) ([]model.Bar, error) {
	var out []model.Bar
	pageToken := ""

	for {
		page, err := c.fetchPage(ctx, symbol, tf, start, end, pageToken)
		if err != nil {
			return nil, err
		}

		for _, w := range page.Bars {
			ts, err := time.Parse(time.RFC3339, w.TS)
			if err != nil {
				return nil, fmt.Errorf("history: bad timestamp %q for %s: %w", w.TS, symbol, err)
			}
			out = append(out, model.Bar{
				Symbol: symbol,
				TF:     tf,
				TS:     ts.UTC(),
				Open:   w.Open,
				High:   w.High,
				Low:    w.Low,
				Close:  w.Close,
				Volume: w.Volume,
			})
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if len(out) == 0 {
		return nil, &NoDataAvailableError{Symbol: symbol, TF: tf, Start: start, End: end}
	}

	c.log.Debug("historical bars fetched", "symbol", symbol, "tf", tf, "bars", len(out))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, symbol string, tf int, start, end time.Time, pageToken string) (*barsPage, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("tf", strconv.Itoa(tf))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("X-Api-Secret", c.cfg.APISecret)
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("history: generate session code: %w", err)
		}
		req.Header.Set("X-Session-Code", code)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: fetch %s: unexpected status %d", symbol, resp.StatusCode)
	}

	var page barsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("history: decode response for %s: %w", symbol, err)
	}
	return &page, nil
}
