package sample

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEncodeWritesBareNumber(t *testing.T) {
	body, err := Encode(New(decimal.RequireFromString("83.5")))
	require.NoError(t, err)
	require.JSONEq(t, `{"rate": 83.5}`, string(body))
	require.Equal(t, `{"rate":83.5}`, string(body))
}

func TestEncodeRejectsNonPositive(t *testing.T) {
	_, err := Encode(New(decimal.Zero))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecode(t *testing.T) {
	s, err := Decode([]byte(`{"rate": 75.0}`))
	require.NoError(t, err)
	require.True(t, s.Rate.Equal(decimal.NewFromInt(75)))
	require.False(t, s.ObservedAt.IsZero())

	s, err = Decode([]byte(`{"rate": "91.1234"}`))
	require.NoError(t, err)
	require.Equal(t, "91.1234", s.Rate.String())
}

func TestDecodeAcceptsBoundaryScale(t *testing.T) {
	s, err := Decode([]byte("{\"rate\": 1e28}\n"))
	require.NoError(t, err)
	require.Equal(t, int32(28), s.Rate.Exponent())

	_, err = Decode([]byte(`{"rate": 0.0000000000000000000000000001}`))
	require.NoError(t, err)
}

func TestEncodeRejectsOutOfRangeScale(t *testing.T) {
	_, err := Encode(New(decimal.New(1, 40)))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformed(t *testing.T) {
	bodies := map[string]string{
		"not json":       `rate=83.5`,
		"missing field":  `{"value": 83.5}`,
		"non numeric":    `{"rate": "abc"}`,
		"boolean":        `{"rate": true}`,
		"null":           `{"rate": null}`,
		"zero":           `{"rate": 0}`,
		"negative":       `{"rate": -1.5}`,
		"empty document": ``,
		"huge exponent":  `{"rate": 1e400000000}`,
		"tiny exponent":  `{"rate": 1e-400000000}`,
		"exponent 29":    `{"rate": 1e29}`,
		"long literal":   `{"rate": "1.` + strings.Repeat("0", 70) + `1"}`,
		"trailing bytes": `{"rate": 1} garbage`,
		"second object":  `{"rate": 1} {"rate": 2}`,
		"stray brace":    `{"rate": 1}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}
