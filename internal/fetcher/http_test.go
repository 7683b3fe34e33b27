package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const cbrPayload = `{
  "Date": "2025-06-10T11:30:00+03:00",
  "Valute": {
    "USD": {"ID": "R01235", "CharCode": "USD", "Nominal": 1, "Value": 78.8699, "Previous": 79.0}
  }
}`

func TestHTTPSourceSuccess(t *testing.T) {
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(cbrPayload))
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{URL: srv.URL, RatePath: "Valute.USD.Value", Timeout: time.Second, UserAgent: "test"}, noopLogger())
	rate, err := src.FetchRate(context.Background())
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("78.8699")), "got %s", rate)
	require.Equal(t, "test", userAgent)
}

func TestHTTPSourceDefaultPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "91.5"}`))
	}))
	defer srv.Close()

	rate, err := NewHTTPSource(HTTPOptions{URL: srv.URL}, noopLogger()).FetchRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "91.5", rate.String())
}

func TestHTTPSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(HTTPOptions{URL: srv.URL}, noopLogger()).FetchRate(context.Background())
	require.Error(t, err)
}

func TestHTTPSourceMalformedPayloads(t *testing.T) {
	payloads := map[string]string{
		"invalid json":   `{"Valute":`,
		"missing field":  `{"Valute": {"EUR": {"Value": 90.1}}}`,
		"not an object":  `{"Valute": [1, 2]}`,
		"non numeric":    `{"Valute": {"USD": {"Value": "n/a"}}}`,
		"null value":     `{"Valute": {"USD": {"Value": null}}}`,
		"negative value": `{"Valute": {"USD": {"Value": -3}}}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(payload))
			}))
			defer srv.Close()

			src := NewHTTPSource(HTTPOptions{URL: srv.URL, RatePath: "Valute.USD.Value"}, noopLogger())
			_, err := src.FetchRate(context.Background())
			require.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestHTTPSourceMissingURL(t *testing.T) {
	_, err := NewHTTPSource(HTTPOptions{}, noopLogger()).FetchRate(context.Background())
	require.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	rate, err := Static(decimal.NewFromInt(5)).FetchRate(context.Background())
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.NewFromInt(5)))
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}
