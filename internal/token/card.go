package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Brand is the card network detected from the BIN prefix.
type Brand string

const (
	BrandVisa       Brand = "VISA"
	BrandMastercard Brand = "MASTERCARD"
	BrandAmex       Brand = "AMEX"
	BrandDiscover   Brand = "DISCOVER"
	BrandUnknown    Brand = "UNKNOWN"
)

var (
	ErrInvalidPAN    = errors.New("token: invalid PAN")
	ErrInvalidExpiry = errors.New("token: invalid expiry")
)

// ValidatePAN checks length (13-19 digits) and the Luhn checksum.
func ValidatePAN(pan string) error {
	if len(pan) < 13 || len(pan) > 19 {
		return fmt.Errorf("%w: length %d", ErrInvalidPAN, len(pan))
	}
	for _, r := range pan {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: non-digit character", ErrInvalidPAN)
		}
	}
	if !LuhnValid(pan) {
		return fmt.Errorf("%w: checksum failure", ErrInvalidPAN)
	}
	return nil
}

// LuhnValid reports whether digits passes the Luhn checksum.
// Assumes digits contains only '0'-'9'.
func LuhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ValidateExpiry enforces month 1-12, not in the past, and not more than ten
// years out. now is injectable for tests.
func ValidateExpiry(month, year int, now time.Time) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidExpiry, month)
	}
	// A card is valid through the last instant of its expiry month.
	endOfMonth := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, 0)
	if !now.Before(endOfMonth) {
		return fmt.Errorf("%w: %02d/%d is in the past", ErrInvalidExpiry, month, year)
	}
	if endOfMonth.After(now.AddDate(10, 1, 0)) {
		return fmt.Errorf("%w: %02d/%d is more than 10 years out", ErrInvalidExpiry, month, year)
	}
	return nil
}

// DetectBrand maps a PAN's BIN prefix to a card network.
func DetectBrand(pan string) Brand {
	if len(pan) < 4 {
		return BrandUnknown
	}
	switch {
	case pan[0] == '4':
		return BrandVisa
	case strings.HasPrefix(pan, "34"), strings.HasPrefix(pan, "37"):
		return BrandAmex
	case strings.HasPrefix(pan, "6011"), strings.HasPrefix(pan, "65"):
		return BrandDiscover
	}
	if p2, err := strconv.Atoi(pan[:2]); err == nil && p2 >= 51 && p2 <= 55 {
		return BrandMastercard
	}
	if p4, err := strconv.Atoi(pan[:4]); err == nil && p4 >= 2221 && p4 <= 2720 {
		return BrandMastercard
	}
	return BrandUnknown
}
