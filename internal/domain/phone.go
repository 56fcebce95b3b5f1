package domain

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses raw and returns its E.164 form. Numbers written
// without a country code are read in defaultRegion (ISO 3166 alpha-2), so
// "024 123 4567" in GH becomes "+233241234567".
func NormalizePhone(raw, defaultRegion string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), strings.ToUpper(defaultRegion))
	if err != nil {
		return "", fmt.Errorf("parse phone number: %w", err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%q is not a possible phone number", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// KnownRegion reports whether region has a numbering plan.
func KnownRegion(region string) bool {
	return phonenumbers.GetCountryCodeForRegion(strings.ToUpper(region)) != 0
}
