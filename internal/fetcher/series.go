package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spreadwatcher/internal/market"
	"spreadwatcher/internal/version"
)

const symbolPlaceholder = "{symbol}"

var defaultTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

// SeriesOptions parameterise the HTTP bar fetcher.
type SeriesOptions struct {
	Name       string
	URL        string
	TimeLayout string
	Location   *time.Location
	Timeout    time.Duration
	UserAgent  string
	Currency   string
	Unit       string
}

// HTTPSeries fetches JSON bars from a URL template.
type HTTPSeries struct {
	opts   SeriesOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSeries constructs a bar fetcher.
func NewHTTPSeries(opts SeriesOptions, logger zerolog.Logger) *HTTPSeries {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Name == "" {
		opts.Name = "series"
	}

	return &HTTPSeries{
		opts:   opts,
		logger: logger.With().Str("component", "series_fetcher").Str("feed", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type bar struct {
	Datetime string          `json:"datetime"`
	Close    json.RawMessage `json:"close"`
}

// FetchSeries downloads and validates the bars of contract. Invalid bars are
// dropped and logged. An empty upstream series is not an error, but a series
// whose every bar was dropped fails with ErrNoUsableBars.
func (h *HTTPSeries) FetchSeries(ctx context.Context, contract string) ([]market.PriceSample, error) {
	if h.opts.URL == "" {
		return nil, errors.New("feed url not configured")
	}
	if strings.TrimSpace(contract) == "" {
		return nil, errors.New("contract code required")
	}

	endpoint := strings.ReplaceAll(h.opts.URL, symbolPlaceholder, url.QueryEscape(contract))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(h.opts.Name, resp.StatusCode, payload)
	}

	var bars []bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("decode %s bars for %s: %w", h.opts.Name, contract, err)
	}

	samples := make([]market.PriceSample, 0, len(bars))
	dropped := 0
	for _, b := range bars {
		sample, err := h.toSample(contract, b)
		if err == nil {
			err = sample.Validate()
		}
		if err != nil {
			dropped++
			h.logger.Debug().Err(err).Str("contract", contract).Str("datetime", b.Datetime).Msg("dropping bar")
			continue
		}
		samples = append(samples, sample)
	}
	if len(bars) > 0 && len(samples) == 0 {
		return nil, fmt.Errorf("%s %s: %w (%d dropped)", h.opts.Name, contract, ErrNoUsableBars, dropped)
	}
	if dropped > 0 {
		h.logger.Warn().Str("contract", contract).Int("dropped", dropped).Int("kept", len(samples)).Msg("invalid bars dropped")
	}
	return samples, nil
}

func (h *HTTPSeries) toSample(contract string, b bar) (market.PriceSample, error) {
	ts, err := h.parseTime(b.Datetime)
	if err != nil {
		return market.PriceSample{}, err
	}
	price, err := parseNumber(b.Close)
	if err != nil {
		return market.PriceSample{}, fmt.Errorf("close: %w", err)
	}
	return market.PriceSample{
		ContractCode: contract,
		Timestamp:    ts,
		Price:        price,
		Currency:     h.opts.Currency,
		Unit:         h.opts.Unit,
	}, nil
}

func (h *HTTPSeries) parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	layouts := defaultTimeLayouts
	if h.opts.TimeLayout != "" {
		layouts = append([]string{h.opts.TimeLayout}, defaultTimeLayouts...)
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, raw, h.opts.Location); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", raw)
}

// parseNumber accepts a JSON number or a numeric string.
func parseNumber(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing value")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(raw))
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", source, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s api error (%d): %s", source, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", source, status)
}

var _ SeriesFetcher = (*HTTPSeries)(nil)
