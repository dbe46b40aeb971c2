// Package payment holds the SwiftPay entities and the pure rules that act on
// them: handle derivation, interest accrual, and amount validation.
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state recorded on a transaction.
type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
	StatusPending TransactionStatus = "PENDING"
)

// UserProfile is the per-user wallet document.
type UserProfile struct {
	UID            string          `json:"uid" db:"uid"`
	Email          string          `json:"email" db:"email"`
	DisplayName    string          `json:"display_name" db:"display_name"`
	PhotoURL       string          `json:"photo_url" db:"photo_url"`
	Handle         string          `json:"handle" db:"handle"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	LastInterestAt time.Time       `json:"last_interest_at" db:"last_interest_at"`
	JoinedAt       time.Time       `json:"joined_at" db:"joined_at"`
}

// Party is the denormalized copy of a user stored on a transaction.
type Party struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// PartyOf snapshots p for a transaction record.
func PartyOf(p UserProfile) Party {
	return Party{UID: p.UID, Name: p.DisplayName, Handle: p.Handle}
}

// Transaction is an append-only transfer record.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	SenderUID      string            `json:"sender_uid" db:"sender_uid"`
	SenderName     string            `json:"sender_name" db:"sender_name"`
	SenderHandle   string            `json:"sender_handle" db:"sender_handle"`
	ReceiverUID    string            `json:"receiver_uid" db:"receiver_uid"`
	ReceiverName   string            `json:"receiver_name" db:"receiver_name"`
	ReceiverHandle string            `json:"receiver_handle" db:"receiver_handle"`
	Amount         decimal.Decimal   `json:"amount" db:"amount"`
	Timestamp      time.Time         `json:"timestamp" db:"timestamp"`
	Note           string            `json:"note" db:"note"`
	Status         TransactionStatus `json:"status" db:"status"`
}

// NewTransaction builds a SUCCESS record moving amount from sender to receiver.
func NewTransaction(id string, sender, receiver Party, amount decimal.Decimal, note string, at time.Time) Transaction {
	return Transaction{
		ID:             id,
		SenderUID:      sender.UID,
		SenderName:     sender.Name,
		SenderHandle:   sender.Handle,
		ReceiverUID:    receiver.UID,
		ReceiverName:   receiver.Name,
		ReceiverHandle: receiver.Handle,
		Amount:         amount,
		Timestamp:      at,
		Note:           note,
		Status:         StatusSuccess,
	}
}

// Involves reports whether uid is the sender or the receiver of tx.
func (tx Transaction) Involves(uid string) bool {
	return tx.SenderUID == uid || tx.ReceiverUID == uid
}

// Settings are the tunable economic constants of the wallet.
type Settings struct {
	InterestRate  decimal.Decimal `json:"interest_rate"`
	BonusAmount   decimal.Decimal `json:"bonus_amount"`
	HistoryWindow int             `json:"history_window"`
}

// Default economic constants.
var (
	DefaultInterestRate = decimal.RequireFromString("0.0001")
	DefaultBonusAmount  = decimal.NewFromInt(30)
)

const DefaultHistoryWindow = 10

// DefaultSettings returns the stock SwiftPay settings.
func DefaultSettings() Settings {
	return Settings{
		InterestRate:  DefaultInterestRate,
		BonusAmount:   DefaultBonusAmount,
		HistoryWindow: DefaultHistoryWindow,
	}
}

// ProfileUpdate is a partial-field update of a profile. Nil fields are left
// untouched.
type ProfileUpdate struct {
	Balance        *decimal.Decimal `json:"balance,omitempty"`
	LastInterestAt *time.Time       `json:"last_interest_at,omitempty"`
	DisplayName    *string          `json:"display_name,omitempty"`
	PhotoURL       *string          `json:"photo_url,omitempty"`
}

// Apply returns p with the non-nil fields of u applied.
func (u ProfileUpdate) Apply(p UserProfile) UserProfile {
	if u.Balance != nil {
		p.Balance = *u.Balance
	}
	if u.LastInterestAt != nil {
		p.LastInterestAt = *u.LastInterestAt
	}
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.PhotoURL != nil {
		p.PhotoURL = *u.PhotoURL
	}
	return p
}

// TransferOrder is a fully resolved transfer ready to be applied atomically.
type TransferOrder struct {
	IntentID    string
	SenderUID   string
	ReceiverUID string
	Amount      decimal.Decimal
	Note        string
	At          time.Time
}

// Identity is the signed-in user as reported by the identity provider.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
	Role        string
}
