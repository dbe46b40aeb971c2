package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// HandleDomain is appended to every payment handle.
	HandleDomain = "@swiftpay"
	// DefaultDisplayName is used when the identity provider supplies none.
	DefaultDisplayName = "User"

	day = 24 * time.Hour
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DeriveHandle builds a handle from the local part of email and a numeric
// suffix, e.g. ("asha@example.com", 417) -> "asha417@swiftpay".
func DeriveHandle(email string, suffix int) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}
	local = strings.ToLower(strings.TrimSpace(local))
	if local == "" {
		local = "user"
	}
	return fmt.Sprintf("%s%d%s", local, suffix, HandleDomain)
}

// NormalizeHandle trims whitespace and lowercases h so lookups are stable.
// Stores write handles in this form and compare with plain equality.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// DefaultPhotoURL is the placeholder avatar for uid.
func DefaultPhotoURL(uid string) string {
	return "https://picsum.photos/seed/" + uid + "/100"
}

// ElapsedDays returns the number of whole days between last and now. A zero
// last means interest was never stamped and counts as no elapsed time.
func ElapsedDays(last, now time.Time) int64 {
	if last.IsZero() || !now.After(last) {
		return 0
	}
	return int64(now.Sub(last) / day)
}

// AccrueInterest computes simple daily interest on balance for the whole days
// elapsed since last. interest is zero when fewer than one day has elapsed.
func AccrueInterest(balance, dailyRate decimal.Decimal, last, now time.Time) (interest decimal.Decimal, days int64) {
	days = ElapsedDays(last, now)
	if days < 1 {
		return decimal.Zero, days
	}
	return balance.Mul(dailyRate).Mul(decimal.NewFromInt(days)), days
}

// ValidateAmount checks a transfer amount against the sender's known balance.
func ValidateAmount(amount, balance decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(balance) {
		return ErrInsufficientFunds
	}
	return nil
}

// NewProfile synthesizes the first-login profile.
func NewProfile(uid, email, displayName, photoURL, handle string, bonus decimal.Decimal, now time.Time) UserProfile {
	if displayName == "" {
		displayName = DefaultDisplayName
	}
	if photoURL == "" {
		photoURL = DefaultPhotoURL(uid)
	}
	return UserProfile{
		UID:            uid,
		Email:          email,
		DisplayName:    displayName,
		PhotoURL:       photoURL,
		Handle:         handle,
		Balance:        bonus,
		LastInterestAt: now,
		JoinedAt:       now,
	}
}
