package fetcher

import (
	"bytes"
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
)

const maxPayloadBytes = 4 << 20

// HTTPOptions parameterise the HTTP JSON source.
type HTTPOptions struct {
	URL       string
	RatePath  string
	Timeout   time.Duration
	UserAgent string
}

// HTTPSource polls a JSON document and extracts the rate at a dot-separated path.
type HTTPSource struct {
	opts   HTTPOptions
	path   []string
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs an HTTP rate source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var path []string
	for _, part := range strings.Split(opts.RatePath, ".") {
		if part = strings.TrimSpace(part); part != "" {
			path = append(path, part)
		}
	}
	if len(path) == 0 {
		path = []string{"rate"}
	}

	return &HTTPSource{
		opts:   opts,
		path:   path,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchRate retrieves the document and returns the positive rate found at the configured path.
func (s *HTTPSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if s.opts.URL == "" {
		return decimal.Decimal{}, errors.New("source url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratewatch/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, parseHTTPError(resp.StatusCode, payload)
	}

	rate, err := extractRate(payload, s.path)
	if err != nil {
		return decimal.Decimal{}, err
	}

	s.logger.Debug().Str("rate", rate.String()).Msg("fetched rate")
	return rate, nil
}

func extractRate(payload []byte, path []string) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	node := doc
	for i, key := range path {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("%w: %q is not an object", ErrMalformedPayload, strings.Join(path[:i], "."))
		}
		if node, ok = obj[key]; !ok {
			return decimal.Decimal{}, fmt.Errorf("%w: field %q not found", ErrMalformedPayload, strings.Join(path[:i+1], "."))
		}
	}

	var raw string
	switch v := node.(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = strings.TrimSpace(v)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: field %q is not numeric", ErrMalformedPayload, strings.Join(path, "."))
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: field %q is not numeric", ErrMalformedPayload, strings.Join(path, "."))
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: rate must be positive, got %s", ErrMalformedPayload, rate.String())
	}
	return rate, nil
}

func parseHTTPError(status int, payload []byte) error {
	body := strings.TrimSpace(string(payload))
	if len(body) > 256 {
		body = body[:256]
	}
	if body != "" {
		return fmt.Errorf("upstream error (%d): %s", status, body)
	}
	return fmt.Errorf("upstream error (%d)", status)
}

var _ RateSource = (*HTTPSource)(nil)
