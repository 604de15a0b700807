package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var (
	// ErrEmptyNumber is returned for a blank caller id.
	ErrEmptyNumber = errors.New("phone: empty phone number")
	// ErrInvalidNumber is returned when a caller number cannot be parsed or
	// is not a valid number for its region.
	ErrInvalidNumber = errors.New("phone: invalid phone number")
)

// Normalize parses a caller number and returns it in E.164 form. region is
// the ISO 3166 region assumed for numbers dialled without a country code.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyNumber
	}
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = "RW"
	}

	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", ErrInvalidNumber
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// CallerID returns the E.164 form of raw when it is a valid number, and the
// trimmed raw value otherwise, so withheld ids and short codes still identify
// a call. normalized reports which one was returned. Only a blank raw fails.
func CallerID(raw, region string) (id string, normalized bool, err error) {
	e164, err := Normalize(raw, region)
	switch {
	case err == nil:
		return e164, true, nil
	case errors.Is(err, ErrEmptyNumber):
		return "", false, err
	default:
		return strings.TrimSpace(raw), false, nil
	}
}

// Region returns the region code of an E.164 number, or "ZZ" when unknown.
func Region(e164 string) string {
	parsed, err := phonenumbers.Parse(e164, "ZZ")
	if err != nil {
		return "ZZ"
	}
	region := phonenumbers.GetRegionCodeForNumber(parsed)
	if region == "" {
		return "ZZ"
	}
	return region
}
