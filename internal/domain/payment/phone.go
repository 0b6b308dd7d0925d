package payment

import (
	"strings"
	"unicode"

	"github.com/hospital/backoffice/internal/platform/apperr"
)

// PhoneNormalizer rewrites a payer phone number into the international form
// push gateways expect: country code followed by the subscriber number, digits
// only.
type PhoneNormalizer struct {
	CountryCode      string
	SubscriberDigits int
}

// Normalize accepts "+<cc><n>", "<cc><n>", "0<n>" and "<n>".
func (p PhoneNormalizer) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	plus := strings.HasPrefix(raw, "+")

	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) && r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	var out string
	switch {
	case digits == "":
		return "", p.invalid()
	case plus:
		out = digits
	case strings.HasPrefix(digits, "0"):
		out = p.CountryCode + digits[1:]
	case strings.HasPrefix(digits, p.CountryCode) && len(digits) == len(p.CountryCode)+p.SubscriberDigits:
		out = digits
	default:
		out = p.CountryCode + digits
	}

	if !strings.HasPrefix(out, p.CountryCode) || len(out) != len(p.CountryCode)+p.SubscriberDigits {
		return "", p.invalid()
	}
	return out, nil
}

func (p PhoneNormalizer) invalid() error {
	return apperr.ValidationFields(map[string]string{
		"phone_number": "must be a " + p.CountryCode + " mobile number",
	})
}
