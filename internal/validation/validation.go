package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/postal-weather-service/internal/postal"
)

// MaxLocationLength bounds the free-form location parameter, in runes.
const MaxLocationLength = 256

// ErrLocationTooLong is returned when location exceeds MaxLocationLength.
var ErrLocationTooLong = errors.New("Location parameter is too long")

// ErrLocationInvalidChars is returned when location contains control characters.
var ErrLocationInvalidChars = errors.New("Location parameter contains invalid characters")

// ErrPostalCodeRequired is returned when a postal code parameter is empty.
var ErrPostalCodeRequired = errors.New("postal_code is required")

// ErrPostalCodeInvalid is returned when a postal code parameter is not a US or Canadian code.
var ErrPostalCodeInvalid = errors.New("postal_code must be a US ZIP or Canadian postal code")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// postal_code accepts a single US ZIP, ZIP+4 or Canadian postal code token.
	_ = v.RegisterValidation("postal_code", func(fl validator.FieldLevel) bool {
		return postal.ValidatePostalCode(fl.Field().String()).Valid
	})
	return v
}

// ValidateLocation trims the input and enforces the length bound and character
// set. Tabs and line breaks are allowed. An empty result is not an error here;
// presence is checked by the caller after rate limiting.
func ValidateLocation(input string) (string, error) {
	s := strings.TrimSpace(input)
	if utf8.RuneCountInString(s) > MaxLocationLength {
		return "", ErrLocationTooLong
	}
	for _, r := range s {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

// ValidatePostalCodeParam checks a postal code given directly as a parameter.
func ValidatePostalCodeParam(code string) error {
	err := validate.Var(strings.TrimSpace(code), "required,max=10,postal_code")
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "required" {
		return ErrPostalCodeRequired
	}
	return ErrPostalCodeInvalid
}

// Struct validates v against its `validate` tags and returns a single error
// naming every failing field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "gt", "gte", "lt", "lte", "min", "max":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	}
}
