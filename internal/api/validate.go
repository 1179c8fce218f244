package api

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/txtgate/sms-gateway/internal/model"
)

// FieldError is a 422 validation failure with the offending field named.
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

// SendRequest is the POST /sms/send body. SMSType 0 means "not provided"
// and defaults to regular.
type SendRequest struct {
	PhoneNumber string     `json:"phone_number"`
	Message     string     `json:"message"`
	SMSType     model.Kind `json:"sms_type"`
}

var phoneStripper = strings.NewReplacer("+", "", "-", "", " ", "")

// Validate applies the admission preconditions and fills in defaults.
// Nothing is persisted when it fails.
func (r *SendRequest) Validate() *FieldError {
	if n := len(r.PhoneNumber); n < 10 || n > 20 {
		return &FieldError{Field: "phone_number", Detail: "must be 10-20 characters"}
	}
	stripped := phoneStripper.Replace(r.PhoneNumber)
	if stripped == "" || !isDigits(stripped) {
		return &FieldError{Field: "phone_number", Detail: "must contain only digits, spaces, hyphens, or plus sign"}
	}

	if n := utf8.RuneCountInString(r.Message); n < 1 || n > 70 {
		return &FieldError{Field: "message", Detail: "must be 1-70 characters"}
	}

	if r.SMSType == 0 {
		r.SMSType = model.KindRegular
	}
	if !r.SMSType.Valid() {
		return &FieldError{Field: "sms_type", Detail: "must be 1 (regular) or 2 (express)"}
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
