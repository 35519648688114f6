package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidLength indicates phone number length is not 10 digits
	ErrInvalidLength = errors.New("phone number must be exactly 10 digits")

	// ErrInvalidPrefix indicates phone number doesn't start with a mobile prefix
	ErrInvalidPrefix = errors.New("phone number must start with 070, 071, 072, 074, 075, 076, 077, 078 or 079")

	// ErrInvalidFormat indicates phone number contains invalid characters
	ErrInvalidFormat = errors.New("phone number can only contain digits")

	// ErrEmptyPhone indicates phone number is empty
	ErrEmptyPhone = errors.New("phone number cannot be empty")
)

// validPrefixes are the mobile operator prefixes tickets can be sent to
var validPrefixes = map[string]struct{}{
	"070": {}, // Mobitel
	"071": {}, // Mobitel
	"072": {}, // Hutch
	"074": {}, // Dialog
	"075": {}, // Airtel
	"076": {}, // Dialog
	"077": {}, // Dialog
	"078": {}, // Hutch
	"079": {}, // Dialog
}

var phoneRegex = regexp.MustCompile(`^\d+$`)

var separators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "+", "", ".", "")

// PhoneValidator normalizes passenger phone numbers. The normalized form is
// part of the ticket code, so every entry point must go through it.
type PhoneValidator struct{}

// NewPhoneValidator creates a new phone validator instance
func NewPhoneValidator() *PhoneValidator {
	return &PhoneValidator{}
}

// Validate returns the phone number as 10 digits, e.g. 0771234567.
// Accepts 077 123 4567, 077-123-4567 and +94771234567.
func (v *PhoneValidator) Validate(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", ErrEmptyPhone
	}

	sanitized := v.Sanitize(phone)
	if !phoneRegex.MatchString(sanitized) {
		return "", ErrInvalidFormat
	}
	if len(sanitized) != 10 {
		return "", ErrInvalidLength
	}
	if !v.IsValidPrefix(sanitized) {
		return "", ErrInvalidPrefix
	}
	return sanitized, nil
}

// Sanitize strips separators and the 94 country code
func (v *PhoneValidator) Sanitize(phone string) string {
	phone = separators.Replace(phone)
	if strings.HasPrefix(phone, "94") && len(phone) == 11 {
		phone = "0" + phone[2:]
	}
	return phone
}

// IsValidPrefix checks the mobile operator prefix
func (v *PhoneValidator) IsValidPrefix(phone string) bool {
	if len(phone) < 3 {
		return false
	}
	_, ok := validPrefixes[phone[:3]]
	return ok
}

// IsValid is a convenience method that returns true if phone is valid
func (v *PhoneValidator) IsValid(phone string) bool {
	_, err := v.Validate(phone)
	return err == nil
}
