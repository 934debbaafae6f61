package schema

import (
	"net/mail"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// FormatValidator reports whether a string matches a named format
type FormatValidator func(value string) bool

func defaultFormats() map[string]FormatValidator {
	return map[string]FormatValidator{
		"email":    validateEmail,
		"uri":      validateURI,
		"uuid":     validateUUID,
		"date":     validateDate,
		"datetime": validateDateTime,
	}
}

func validateEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func validateURI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func validateUUID(s string) bool {
	return uuid.Validate(s) == nil
}

func validateDate(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}

func validateDateTime(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}
