package payment

import (
	"errors"
	"net/url"
	"strings"
)

// PaymentURIScheme is the scheme used in receive codes.
const PaymentURIScheme = "upi"

var ErrInvalidPaymentURI = errors.New("invalid payment code")

// PaymentURI renders the payload encoded in a receive code for p.
func PaymentURI(p UserProfile) string {
	q := url.Values{}
	q.Set("pa", p.Handle)
	if p.DisplayName != "" {
		q.Set("pn", p.DisplayName)
	}
	return PaymentURIScheme + "://pay?" + q.Encode()
}

// ParsePaymentURI extracts the handle from a scanned payload. A bare handle is
// accepted as-is.
func ParsePaymentURI(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrInvalidPaymentURI
	}
	if !strings.Contains(payload, "://") {
		if !strings.Contains(payload, "@") {
			return "", ErrInvalidPaymentURI
		}
		return NormalizeHandle(payload), nil
	}

	u, err := url.Parse(payload)
	if err != nil {
		return "", ErrInvalidPaymentURI
	}
	if u.Scheme != PaymentURIScheme || u.Host != "pay" {
		return "", ErrInvalidPaymentURI
	}
	handle := NormalizeHandle(u.Query().Get("pa"))
	if handle == "" {
		return "", ErrInvalidPaymentURI
	}
	return handle, nil
}
