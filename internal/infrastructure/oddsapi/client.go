// Package oddsapi is the HTTP client for The Odds API v4. Calls go through a
// token-bucket limiter and a circuit breaker so a degraded upstream cannot
// stall the scheduler or burn the monthly request quota.
package oddsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/oddsrun/oddsrun/internal/errs"
)

// Event is one upstream game with its bookmaker quotes.
type Event struct {
	ID           string      `json:"id"`
	SportKey     string      `json:"sport_key"`
	CommenceTime time.Time   `json:"commence_time"`
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	Bookmakers   []Bookmaker `json:"bookmakers"`
}

// Bookmaker is one book's markets for an event.
type Bookmaker struct {
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	LastUpdate time.Time `json:"last_update"`
	Markets    []Market  `json:"markets"`
}

// Market is one quoted market with its outcomes.
type Market struct {
	Key        string    `json:"key"`
	LastUpdate time.Time `json:"last_update"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Outcome is one quoted side. Price is American odds; Point is set for
// spreads and totals only.
type Outcome struct {
	Name  string   `json:"name"`
	Price float64  `json:"price"`
	Point *float64 `json:"point"`
}

// Config holds client tunables.
type Config struct {
	BaseURL   string
	APIKey    string
	Regions   string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
}

// DefaultConfig returns the production client settings.
func DefaultConfig(baseURL, apiKey, regions string) Config {
	return Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Regions:   regions,
		Timeout:   20 * time.Second,
		RPS:       1,
		Burst:     3,
		UserAgent: "oddsrun/1.0",
	}
}

// Client fetches odds from the upstream provider.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	quota   *QuotaTracker
	log     zerolog.Logger
}

// NewClient builds a Client with limiter and breaker wired.
func NewClient(config Config, quota *QuotaTracker, log zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "odds-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RPS), config.Burst),
		breaker: breaker,
		quota:   quota,
		log:     log.With().Str("component", "oddsapi").Logger(),
	}
}

// FetchOdds retrieves current American odds for one sport across the given
// markets. The request quota headers are recorded on every response.
func (c *Client) FetchOdds(ctx context.Context, sportKey string, markets []string) ([]Event, error) {
	if c.config.APIKey == "" {
		return nil, errs.New(errs.KindUnauthorizedConf, "ODDS_API_KEY is not configured")
	}
	if sportKey == "" {
		return nil, errs.New(errs.KindInvalidArgument, "sport key must not be empty")
	}
	if len(markets) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "at least one market is required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, sportKey, markets)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Wrap(errs.KindUpstreamFailure, "odds provider circuit open", err)
		}
		return nil, err
	}
	return result.([]Event), nil
}

func (c *Client) fetch(ctx context.Context, sportKey string, markets []string) ([]Event, error) {
	endpoint := fmt.Sprintf("%s/sports/%s/odds", strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(sportKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	q := req.URL.Query()
	q.Set("apiKey", c.config.APIKey)
	q.Set("regions", c.config.Regions)
	q.Set("markets", strings.Join(markets, ","))
	q.Set("oddsFormat", "american")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamFailure, "odds provider request failed", err)
	}
	defer resp.Body.Close()

	c.quota.Record(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamFailure, "failed to read odds response", err)
	}

	c.log.Debug().
		Str("sport", sportKey).
		Strs("markets", markets).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("odds fetch")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.Newf(errs.KindUnauthorizedConf, "odds provider rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errs.Newf(errs.KindUpstreamFailure, "odds provider returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamFailure, "failed to decode odds response", err)
	}
	return events, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
