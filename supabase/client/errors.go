package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// PostgREST and Postgres error codes the wallet reacts to.
const (
	CodeUniqueViolation = "23505"
	CodeNoRows          = "PGRST116"
)

// Error is a Supabase API error.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase error %d: %s", e.StatusCode, e.Message)
}

// Mentions reports whether the message or details reference s, e.g. a
// constraint name.
func (e *Error) Mentions(s string) bool {
	return strings.Contains(e.Message, s) || strings.Contains(e.Details, s)
}

func parseError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}

	var raw struct {
		Code             string `json:"code"`
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Details          string `json:"details"`
		Hint             string `json:"hint"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &raw); err == nil {
		e.Code = raw.Code
		e.Details = raw.Details
		e.Hint = raw.Hint
		for _, m := range []string{raw.Message, raw.Msg, raw.ErrorDescription, raw.Error} {
			if m != "" {
				e.Message = m
				break
			}
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err is a Supabase error with the given code.
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsStatus reports whether err is a Supabase error with the given HTTP status.
func IsStatus(err error, status int) bool {
	e, ok := AsError(err)
	return ok && e.StatusCode == status
}
