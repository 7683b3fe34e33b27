// Package sample defines the rate sample carried between publisher and consumer
// and its JSON wire form: {"rate": <number>}.
package sample

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a payload that can never be processed, regardless of retries.
var ErrMalformed = errors.New("malformed rate sample")

// Bounds on an accepted rate. Comparing decimals rescales them to a common exponent,
// so an extreme exponent costs time and memory proportional to its magnitude.
const (
	MaxRateExponent = 28
	MaxRateDigits   = 64
)

// CheckRate reports whether rate is a positive value within the accepted scale.
func CheckRate(rate decimal.Decimal) error {
	if exp := rate.Exponent(); exp < -MaxRateExponent || exp > MaxRateExponent {
		return fmt.Errorf("%w: rate exponent %d out of range", ErrMalformed, exp)
	}
	if !rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive, got %s", ErrMalformed, rate.String())
	}
	return nil
}

// Sample is one observed value of the tracked rate.
type Sample struct {
	Rate       decimal.Decimal
	ObservedAt time.Time
}

type wireSample struct {
	Rate *json.Number `json:"rate"`
}

// New stamps rate with the current time.
func New(rate decimal.Decimal) Sample {
	return Sample{Rate: rate, ObservedAt: time.Now().UTC()}
}

// Encode renders the wire body. The rate is written as a bare JSON number.
func Encode(s Sample) ([]byte, error) {
	if err := CheckRate(s.Rate); err != nil {
		return nil, err
	}
	n := json.Number(s.Rate.String())
	return json.Marshal(wireSample{Rate: &n})
}

// Decode parses a wire body holding exactly one JSON object. ObservedAt is set to
// the decode time.
func Decode(body []byte) (Sample, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload wireSample
	if err := dec.Decode(&payload); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Sample{}, fmt.Errorf("%w: trailing data after rate object", ErrMalformed)
	}
	if payload.Rate == nil {
		return Sample{}, fmt.Errorf("%w: missing rate field", ErrMalformed)
	}

	raw := payload.Rate.String()
	if len(raw) > MaxRateDigits {
		return Sample{}, fmt.Errorf("%w: rate literal longer than %d characters", ErrMalformed, MaxRateDigits)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: rate %q is not numeric", ErrMalformed, raw)
	}
	if err := CheckRate(rate); err != nil {
		return Sample{}, err
	}

	return New(rate), nil
}
