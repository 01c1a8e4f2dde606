package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"protocol-monitor/internal/config"
)

// Llama fetches protocol TVL from the DefiLlama API.
type Llama struct {
	baseURL    string
	client     *http.Client
	userAgent  string
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewLlama constructs a DefiLlama TVL fetcher.
func NewLlama(cfg config.DefiLlamaConfig, logger zerolog.Logger) *Llama {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.llama.fi"
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	return &Llama{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		userAgent:  cfg.UserAgent,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With().Str("component", "llama_fetcher").Logger(),
	}
}

// FetchTVL retrieves the current TVL in USD for a protocol slug. Server
// errors and timeouts are retried with linear backoff; a malformed body is
// returned immediately.
func (l *Llama) FetchTVL(ctx context.Context, slug string) (decimal.Decimal, error) {
	if slug == "" {
		return decimal.Decimal{}, errors.New("protocol slug required")
	}

	url := fmt.Sprintf("%s/tvl/%s", l.baseURL, slug)

	var lastErr error
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		if attempt > 1 {
			delay := l.retryDelay * time.Duration(attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return decimal.Decimal{}, ctx.Err()
			case <-timer.C:
			}
		}

		l.logger.Debug().Str("url", url).Int("attempt", attempt).Msg("fetching tvl")

		tvl, retryable, err := l.fetchOnce(ctx, url)
		if err == nil {
			return tvl, nil
		}
		lastErr = err
		if !retryable {
			return decimal.Decimal{}, err
		}
		l.logger.Warn().Err(err).Str("slug", slug).Int("attempt", attempt).Msg("tvl fetch failed")
	}

	return decimal.Decimal{}, fmt.Errorf("fetch tvl for %s: %w", slug, lastErr)
}

func (l *Llama) fetchOnce(ctx context.Context, url string) (decimal.Decimal, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(l.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		// transport errors and client timeouts are retryable
		return decimal.Decimal{}, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, true, err
	}

	if resp.StatusCode >= 500 {
		return decimal.Decimal{}, true, fmt.Errorf("defillama server error (%d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, false, fmt.Errorf("defillama error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	tvl, err := parseTVLBody(body)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return tvl, false, nil
}

// parseTVLBody accepts either a bare JSON number or an object with a "tvl"
// field; DefiLlama has served both shapes.
func parseTVLBody(body []byte) (decimal.Decimal, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed tvl response: %w", err)
	}

	switch v := raw.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case map[string]any:
		num, ok := v["tvl"].(json.Number)
		if !ok {
			return decimal.Decimal{}, errors.New("tvl field missing from response")
		}
		return decimal.NewFromString(num.String())
	default:
		return decimal.Decimal{}, errors.New("unexpected tvl response shape")
	}
}

var _ TVLFetcher = (*Llama)(nil)
