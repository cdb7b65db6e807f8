// Package format holds the pure masking, validation and sanitization helpers
// shared by the checkout form and the HTTP layer.
package format

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	nonDigitRe    = regexp.MustCompile(`[^0-9]`)
	angleRe       = regexp.MustCompile(`[<>]`)
	jsSchemeRe    = regexp.MustCompile(`(?i)javascript:`)
	eventAttrRe   = regexp.MustCompile(`(?i)on\w+\s*=`)
	emailRe       = regexp.MustCompile(`.+@.+\..+`)
	strictEmailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	cardRe        = regexp.MustCompile(`^\d{16}$`)
	expiryRe      = regexp.MustCompile(`^(0[1-9]|1[0-2])/\d{2}$`)
	cvcRe         = regexp.MustCompile(`^\d{3,4}$`)
)

const (
	cardDigits = 16
	cardGroup  = 4
	cvcMaxLen  = 4
)

func digitsOnly(value string) string {
	return nonDigitRe.ReplaceAllString(whitespaceRe.ReplaceAllString(value, ""), "")
}

// FormatCardNumber groups the first 16 digits of value in blocks of four.
// Fewer than four digits are returned ungrouped.
func FormatCardNumber(value string) string {
	v := digitsOnly(value)
	if len(v) < cardGroup {
		return v
	}
	if len(v) > cardDigits {
		v = v[:cardDigits]
	}

	parts := make([]string, 0, cardDigits/cardGroup)
	for i := 0; i < len(v); i += cardGroup {
		end := i + cardGroup
		if end > len(v) {
			end = len(v)
		}
		parts = append(parts, v[i:end])
	}
	return strings.Join(parts, " ")
}

// FormatExpiry masks value as MM/YY once two digits are present.
func FormatExpiry(value string) string {
	v := digitsOnly(value)
	if len(v) < 2 {
		return v
	}
	end := len(v)
	if end > 4 {
		end = 4
	}
	return v[:2] + "/" + v[2:end]
}

// FormatCVC keeps at most four digits.
func FormatCVC(value string) string {
	v := digitsOnly(value)
	if len(v) > cvcMaxLen {
		v = v[:cvcMaxLen]
	}
	return v
}

// ValidateCardNumber reports whether cardNumber is a 16 digit number passing
// the Luhn checksum. Whitespace separators are ignored.
func ValidateCardNumber(cardNumber string) bool {
	number := whitespaceRe.ReplaceAllString(cardNumber, "")
	if !cardRe.MatchString(number) {
		return false
	}

	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

// SanitizeInput strips markup characters, javascript: schemes and inline
// event handler patterns from free text.
func SanitizeInput(input string) string {
	if input == "" {
		return ""
	}
	out := angleRe.ReplaceAllString(input, "")
	out = jsSchemeRe.ReplaceAllString(out, "")
	out = eventAttrRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// SanitizeFields returns a copy of fields with every value sanitized.
func SanitizeFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = SanitizeInput(v)
	}
	return out
}

// NameOK requires more than one non-blank character.
func NameOK(name string) bool {
	return len([]rune(strings.TrimSpace(name))) > 1
}

// EmailOK is the loose pattern used by the checkout form.
func EmailOK(email string) bool {
	return emailRe.MatchString(email)
}

// StrictEmailOK is the pattern used before a payment intent is requested.
func StrictEmailOK(email string) bool {
	return strictEmailRe.MatchString(email)
}

// CardOK requires exactly 16 digits once separators are stripped.
func CardOK(card string) bool {
	return cardRe.MatchString(whitespaceRe.ReplaceAllString(card, ""))
}

func ExpiryOK(expiry string) bool {
	return expiryRe.MatchString(expiry)
}

func CVCOK(cvc string) bool {
	return cvcRe.MatchString(cvc)
}

// FormatUSD renders cents as whole US dollars, e.g. 999700 -> "$9,997".
func FormatUSD(cents int64) string {
	negative := cents < 0
	if negative {
		cents = -cents
	}
	dollars := (cents + 50) / 100

	raw := strconv.FormatInt(dollars, 10)
	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	lead := len(raw) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(raw[:lead])
	for i := lead; i < len(raw); i += 3 {
		b.WriteByte(',')
		b.WriteString(raw[i : i+3])
	}
	return b.String()
}
