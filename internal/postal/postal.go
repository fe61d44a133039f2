// Package postal extracts and validates North-American postal codes (US ZIP and
// Canadian postal codes) from free-form address strings. All functions are pure.
package postal

import (
	"regexp"
	"strings"
)

// Country identifies the postal system a code belongs to.
type Country string

const (
	CountryNone Country = ""
	CountryUS   Country = "US"
	CountryCA   Country = "CA"
)

// Error messages returned in Result.Error and ExtractionResult.Error.
const (
	MsgPostalCodeEmpty   = "Postal code cannot be empty"
	MsgInvalidFormat     = "Invalid postal code format"
	MsgAddressEmpty      = "Address cannot be empty"
	MsgNoPostalCodeFound = "No valid postal code found in address"
)

// Result is the outcome of validating a postal code. When Valid is true, Country
// and PostalCode are set; otherwise Error is set.
type Result struct {
	Valid      bool    `json:"valid"`
	Country    Country `json:"country,omitempty"`
	PostalCode string  `json:"postal_code,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ExtractionResult is the outcome of searching an address for a postal code.
type ExtractionResult struct {
	PostalCode string `json:"postal_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// rule is one strict pattern in the validation table. Rules are evaluated in order.
type rule struct {
	pattern *regexp.Regexp
	country Country
	format  func(string) string
}

var strictRules = []rule{
	{regexp.MustCompile(`^\d{5}$`), CountryUS, identity},
	{regexp.MustCompile(`^\d{5}-\d{4}$`), CountryUS, identity},
	{regexp.MustCompile(`^[A-Z]\d[A-Z]\s?\d[A-Z]\d$`), CountryCA, formatCanadian},
	{regexp.MustCompile(`^[A-Z]\d[A-Z]-\d[A-Z]\d$`), CountryCA, formatCanadian},
}

// Relaxed tokens used when scanning an address. US is always searched first.
var (
	usToken = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)
	caToken = regexp.MustCompile(`\b[A-Z]\d[A-Z][\s-]?\d[A-Z]\d\b`)

	whitespaceRun   = regexp.MustCompile(`\s+`)
	canadianCompact = regexp.MustCompile(`^[A-Z]\d[A-Z]\d[A-Z]\d$`)
)

// ValidatePostalCode validates a single postal code token. Whitespace is removed
// and letters upper-cased before matching; Canadian codes are returned as "A1A 1A1".
func ValidatePostalCode(code string) Result {
	if strings.TrimSpace(code) == "" {
		return invalid(MsgPostalCodeEmpty)
	}

	normalized := normalizePostalCode(code)
	for _, r := range strictRules {
		if r.pattern.MatchString(normalized) {
			return Result{
				Valid:      true,
				Country:    r.country,
				PostalCode: r.format(normalized),
			}
		}
	}
	return invalid(MsgInvalidFormat)
}

// ExtractPostalCodeFromAddress returns the first US ZIP token in address or, if
// there is none, the first Canadian token. A US token wins over a Canadian one
// regardless of position.
func ExtractPostalCodeFromAddress(address string) ExtractionResult {
	if strings.TrimSpace(address) == "" {
		return ExtractionResult{Error: MsgAddressEmpty}
	}

	normalized := normalizeAddress(address)
	if m := usToken.FindString(normalized); m != "" {
		return ExtractionResult{PostalCode: m}
	}
	if m := caToken.FindString(normalized); m != "" {
		return ExtractionResult{PostalCode: formatCanadian(m)}
	}
	return ExtractionResult{Error: MsgNoPostalCodeFound}
}

// ValidateAndExtractPostalCode extracts a postal code from address and re-validates
// it so the country tag and canonical format come from the strict rules.
func ValidateAndExtractPostalCode(address string) Result {
	extracted := ExtractPostalCodeFromAddress(address)
	if extracted.Error != "" {
		return invalid(extracted.Error)
	}
	return ValidatePostalCode(extracted.PostalCode)
}

func invalid(msg string) Result {
	return Result{Valid: false, Country: CountryNone, Error: msg}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(whitespaceRun.ReplaceAllString(strings.TrimSpace(address), " "))
}

func normalizePostalCode(code string) string {
	return whitespaceRun.ReplaceAllString(strings.ToUpper(strings.TrimSpace(code)), "")
}

// formatCanadian drops separators and re-inserts a single space after the third
// character. Input that does not reduce to six alternating characters is returned unchanged.
func formatCanadian(code string) string {
	cleaned := strings.ToUpper(strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(code))
	if !canadianCompact.MatchString(cleaned) {
		return code
	}
	return cleaned[:3] + " " + cleaned[3:]
}

func identity(s string) string { return s }
