package fetcher

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrMalformedPayload marks an upstream response that could not yield a rate.
var ErrMalformedPayload = errors.New("malformed upstream payload")

// RateSource retrieves the current value of the tracked rate.
type RateSource interface {
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

// RateSourceFunc adapts a function to RateSource.
type RateSourceFunc func(ctx context.Context) (decimal.Decimal, error)

// FetchRate implements RateSource.
func (f RateSourceFunc) FetchRate(ctx context.Context) (decimal.Decimal, error) { return f(ctx) }

// Static always returns the same rate.
func Static(rate decimal.Decimal) RateSource {
	return RateSourceFunc(func(context.Context) (decimal.Decimal, error) { return rate, nil })
}
