package infra

import (
	"fmt"
	"regexp"
	"strings"
)

const countryCode = "258"

// Mozambican mobile numbers: 8 followed by operator digit 2-7 and seven digits.
var localMobile = regexp.MustCompile(`^8[2-7][0-9]{7}$`)

// LocalMSISDN strips separators and the country prefix and returns the
// 9-digit subscriber number.
func LocalMSISDN(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	digits = strings.TrimPrefix(digits, "00")
	if len(digits) == 12 && strings.HasPrefix(digits, countryCode) {
		digits = digits[len(countryCode):]
	}
	if !localMobile.MatchString(digits) {
		return "", fmt.Errorf("%w: invalid mobile number %q", ErrInitiationRejected, raw)
	}
	return digits, nil
}

// InternationalMSISDN returns the number as 258XXXXXXXXX.
func InternationalMSISDN(raw string) (string, error) {
	local, err := LocalMSISDN(raw)
	if err != nil {
		return "", err
	}
	return countryCode + local, nil
}
