package domain

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone converts a provider-issued number to E.164. Providers return
// bare digits with the country calling code and no '+', so one is added
// when missing. Numbers libphonenumber cannot validate are rejected.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneNumber)
	}
	candidate := raw
	if !strings.HasPrefix(candidate, "+") {
		candidate = "+" + candidate
	}
	num, err := phonenumbers.Parse(candidate, "")
	if err != nil {
		return "", fmt.Errorf("phone number %q: %w", raw, ErrInvalidPhoneNumber)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("phone number %q is not valid: %w", raw, ErrInvalidPhoneNumber)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// PhoneRegion returns the ISO 3166-1 alpha-2 region of an E.164 number, or
// "" if it cannot be parsed.
func PhoneRegion(phone string) string {
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(num)
}

// MaskPhone returns a masked representation of the phone number showing only
// the last 4 digits. Numbers shorter than 5 characters are fully masked.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
