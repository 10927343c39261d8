// Package utils provides validation helpers for trading pair symbols.
//
// Pairs are written as "BASE-QUOTE" (e.g. "ETH-USDT") throughout the module;
// exchange connectors translate to and from their own symbol formats.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

// QuoteAssetSet contains the supported quote assets for trading pairs.
var QuoteAssetSet = map[string]bool{
	"USDT":  true, // Tether USD
	"USDC":  true, // USD Coin
	"FDUSD": true, // First Digital USD
	"BTC":   true, // Bitcoin
	"ETH":   true, // Ethereum
	"SOL":   true, // Solana
}

// quoteAssets lists QuoteAssetSet longest first so that suffix matching is
// deterministic.
var quoteAssets = sortedQuotes(QuoteAssetSet)

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding this string on every validation error.
var supportedQuotesCache = strings.Join(quoteAssets, ", ")

// ValidateSymbol validates that a trading pair symbol follows the "BASE-QUOTE"
// format and uses a supported quote asset. The check is case-insensitive.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return fmt.Errorf("%w: expected BASE-QUOTE, got %q", ErrInvalidSymbol, symbol)
	}

	if len(parts[0]) == 0 {
		return fmt.Errorf("%w: base asset cannot be empty", ErrInvalidSymbol)
	}
	if len(parts[1]) == 0 {
		return fmt.Errorf("%w: quote asset cannot be empty", ErrInvalidSymbol)
	}

	base := strings.ToUpper(parts[0])
	if !isAlphanumeric(base) {
		return fmt.Errorf("%w: base asset %q must be alphanumeric", ErrInvalidSymbol, parts[0])
	}

	quote := strings.ToUpper(parts[1])
	if !QuoteAssetSet[quote] {
		return fmt.Errorf("%w: unsupported quote asset: %s (supported: %s)",
			ErrInvalidSymbol, quote, supportedQuotesCache)
	}

	return nil
}

// ValidatePairs validates a slice of trading pair symbols and enforces quantity limits.
// Duplicate pairs are rejected since each pair owns exactly one pipeline.
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(pairs), maxAllowed)
	}

	seen := make(map[string]struct{}, len(pairs))
	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
		key := strings.ToUpper(symbol)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q requested more than once", ErrInvalidSymbol, symbol)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// NormalizeSymbol converts a concatenated exchange symbol such as "ethusdt"
// to "ETH-USDT". Symbols without a known quote suffix are returned upper-cased.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, quote := range quoteAssets {
		if len(symbol) > len(quote) && strings.HasSuffix(symbol, quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

// ExchangeSymbol converts "ETH-USDT" to the concatenated lower-case form "ethusdt".
func ExchangeSymbol(pair string) string {
	return strings.ToLower(strings.ReplaceAll(pair, "-", ""))
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func sortedQuotes(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
