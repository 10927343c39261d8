package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		{name: "valid USDT pair", symbol: "ETH-USDT"},
		{name: "valid BTC quote", symbol: "ETH-BTC"},
		{name: "lowercase accepted", symbol: "sol-usdt"},
		{name: "numeric base", symbol: "1INCH-USDT"},
		{name: "empty", symbol: "", wantErr: true},
		{name: "missing dash", symbol: "ETHUSDT", wantErr: true},
		{name: "too many parts", symbol: "ETH-USDT-PERP", wantErr: true},
		{name: "empty base", symbol: "-USDT", wantErr: true},
		{name: "empty quote", symbol: "ETH-", wantErr: true},
		{name: "unsupported quote", symbol: "ETH-EUR", wantErr: true},
		{name: "non alphanumeric base", symbol: "ET$-USDT", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSymbol)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePairs(t *testing.T) {
	tests := []struct {
		name       string
		pairs      []string
		maxAllowed int
		wantErr    error
	}{
		{name: "valid", pairs: []string{"ETH-USDT", "BTC-USDT"}, maxAllowed: 5},
		{name: "no pairs", pairs: nil, maxAllowed: 5, wantErr: ErrNoSymbols},
		{name: "too many", pairs: []string{"ETH-USDT", "BTC-USDT"}, maxAllowed: 1, wantErr: ErrTooManySymbols},
		{name: "non-positive limit", pairs: []string{"ETH-USDT"}, maxAllowed: 0, wantErr: ErrTooManySymbols},
		{name: "invalid symbol", pairs: []string{"ETH-USDT", "BAD"}, maxAllowed: 5, wantErr: ErrInvalidSymbol},
		{name: "duplicate pair", pairs: []string{"ETH-USDT", "eth-usdt"}, maxAllowed: 5, wantErr: ErrInvalidSymbol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairs(tt.pairs, tt.maxAllowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := map[string]string{
		"ETHUSDT":  "ETH-USDT",
		"ethusdt":  "ETH-USDT",
		"ETHBTC":   "ETH-BTC",
		"BTCFDUSD": "BTC-FDUSD",
		"SOLUSDC":  "SOL-USDC",
		"USDT":     "USDT",
		"XYZABC":   "XYZABC",
	}

	for in, want := range tests {
		assert.Equal(t, want, NormalizeSymbol(in), in)
	}
}

func TestExchangeSymbolRoundTrip(t *testing.T) {
	for _, pair := range []string{"ETH-USDT", "BTC-FDUSD", "SOL-ETH"} {
		assert.Equal(t, pair, NormalizeSymbol(ExchangeSymbol(pair)))
	}
	assert.Equal(t, "ethusdt", ExchangeSymbol("ETH-USDT"))
}

func TestQuoteOrdering(t *testing.T) {
	for i := 1; i < len(quoteAssets); i++ {
		assert.GreaterOrEqual(t, len(quoteAssets[i-1]), len(quoteAssets[i]))
	}
}
