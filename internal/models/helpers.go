package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// DisplayPlaces is the precision amounts are shown with in the display unit.
const DisplayPlaces int32 = 2

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func GenerateClientSeed() (string, error) {
	bytes := make([]byte, 16) // 128 bits of entropy
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate client seed: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

// NormalizeAddress validates a hex wallet address and lowercases it.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", fmt.Errorf("invalid wallet address: %q", addr)
	}
	return strings.ToLower(addr), nil
}

// ToDisplay converts a base-unit amount to the display unit rounded to
// DisplayPlaces. A non-zero amount never displays as zero: it is shown as the
// smallest displayable unit with the same sign.
func ToDisplay(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	d := decimal.NewFromBigInt(amount, -decimals).Round(DisplayPlaces)
	if d.IsZero() && amount.Sign() != 0 {
		return decimal.New(int64(amount.Sign()), -DisplayPlaces)
	}
	return d
}

func FormatAmount(amount *big.Int, decimals int32) string {
	return ToDisplay(amount, decimals).StringFixed(DisplayPlaces)
}

// ParseAmount parses a base-unit integer string, optionally signed.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	return v, nil
}

// ParseDisplayAmount converts a display-unit decimal string to base units.
func ParseDisplayAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}
