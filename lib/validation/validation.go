// Package validation checks caller input before it reaches the PSN API.
// All validators follow a consistent pattern: they return nil on success and a descriptive
// error on failure. Every failure matches errors.ErrInvalidInput, so a rejected call never
// leases a session.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = fmt.Errorf("%w: field is required", apperrors.ErrInvalidInput)

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = fmt.Errorf("%w: value exceeds maximum length", apperrors.ErrInvalidInput)

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = fmt.Errorf("%w: invalid format", apperrors.ErrInvalidInput)

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = fmt.Errorf("%w: value out of range", apperrors.ErrInvalidInput)
)

// Constraints for PSN fields.
const (
	// MinOnlineIDLength and MaxOnlineIDLength bound PSN online ids.
	MinOnlineIDLength = 3
	MaxOnlineIDLength = 16

	// MaxIDLength bounds opaque ids such as thread and store item ids.
	MaxIDLength = 128

	// MaxMessageLength is the longest text a message may carry.
	MaxMessageLength = 2000

	// MaxSearchLength bounds store search terms.
	MaxSearchLength = 256
)

var (
	// onlineIDPattern matches PSN online ids: letters, digits, hyphens and underscores.
	onlineIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// npCommunicationIDPattern matches trophy set ids such as NPWR12345_00.
	npCommunicationIDPattern = regexp.MustCompile(`^NPWR\d{5}_\d{2}$`)

	// opaqueIDPattern matches thread and store item ids.
	opaqueIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// languagePattern matches two-letter language codes.
	languagePattern = regexp.MustCompile(`^[a-zA-Z]{2}$`)

	// agePattern matches the storefront age parameter.
	agePattern = regexp.MustCompile(`^\d{1,3}$`)
)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// NonNegative validates that an integer is non-negative (>= 0).
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// OnlineID validates a PSN online id.
func OnlineID(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	n := utf8.RuneCountInString(value)
	if n < MinOnlineIDLength || n > MaxOnlineIDLength {
		return NewResult(field,
			fmt.Sprintf("must be between %d and %d characters", MinOnlineIDLength, MaxOnlineIDLength),
			ErrOutOfRange)
	}

	if !onlineIDPattern.MatchString(value) {
		return NewResult(field, "must contain only letters, numbers, hyphens, and underscores", ErrInvalidFormat)
	}

	return nil
}

// NPCommunicationID validates a trophy set id.
func NPCommunicationID(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	if !npCommunicationIDPattern.MatchString(value) {
		return NewResult(field, "must look like NPWR12345_00", ErrInvalidFormat)
	}

	return nil
}

// ID validates an opaque id such as a thread or store item id.
func ID(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	if err := MaxLength(field, value, MaxIDLength); err != nil {
		return err
	}

	if !opaqueIDPattern.MatchString(value) {
		return NewResult(field, "contains characters not allowed in an id", ErrInvalidFormat)
	}

	return nil
}

// MessageText validates message text. Empty text is allowed when an image
// is attached; the caller checks that.
func MessageText(field, value string) error {
	return MaxLength(field, value, MaxMessageLength)
}

// SearchTerm validates a store search term.
func SearchTerm(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, value, MaxSearchLength)
}

// Storefront validates the language, region and age that select a store.
func Storefront(lang, region, age string) error {
	var errs Errors
	if !languagePattern.MatchString(lang) {
		errs.Add(NewResult("lang", "must be a two-letter language code", ErrInvalidFormat))
	}
	if !languagePattern.MatchString(region) {
		errs.Add(NewResult("region", "must be a two-letter region code", ErrInvalidFormat))
	}
	if !agePattern.MatchString(age) {
		errs.Add(NewResult("age", "must be a number", ErrInvalidFormat))
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ProxyAddress validates a proxy URL such as http://10.0.0.1:3128.
func ProxyAddress(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewResult(field, "must be a URL with scheme and host", ErrInvalidFormat)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return NewResult(field, fmt.Sprintf("unsupported proxy scheme %q", u.Scheme), ErrInvalidFormat)
	}

	return nil
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is.
func (e Errors) Unwrap() []error {
	return e
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
