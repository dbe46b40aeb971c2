// Package storage defines the persistence contracts for wallet data. Backends
// live in the memory, postgres and supabase subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrHandleTaken       = errors.New("handle already taken")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateIntent reports a transfer intent id that was already used by
	// a different transfer.
	ErrDuplicateIntent = errors.New("transfer intent already used")
)

// UserStore persists wallet profiles.
type UserStore interface {
	// CreateUser inserts p. It fails with ErrAlreadyExists when the uid is
	// present and ErrHandleTaken when the handle is.
	CreateUser(ctx context.Context, p payment.UserProfile) (payment.UserProfile, error)
	GetUser(ctx context.Context, uid string) (payment.UserProfile, error)
	GetUserByHandle(ctx context.Context, handle string) (payment.UserProfile, error)
	UpdateUser(ctx context.Context, uid string, update payment.ProfileUpdate) (payment.UserProfile, error)
	ListUsers(ctx context.Context) ([]payment.UserProfile, error)
}

// TransactionStore persists transfer records.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)
	GetTransaction(ctx context.Context, id string) (payment.Transaction, error)
	// ListRecentTransactions returns the newest limit records system-wide,
	// newest first.
	ListRecentTransactions(ctx context.Context, limit int) ([]payment.Transaction, error)
	// ListTransactionsFor returns the newest limit records uid sent or
	// received, newest first. limit <= 0 returns all of them.
	ListTransactionsFor(ctx context.Context, uid string, limit int) ([]payment.Transaction, error)
}

// LedgerStore applies balance mutations as single store-side units.
type LedgerStore interface {
	// ExecuteTransfer debits the sender if funds suffice, credits the
	// receiver and records the transaction under order.IntentID. Replaying an
	// intent returns the original record and replayed=true without moving
	// money.
	ExecuteTransfer(ctx context.Context, order payment.TransferOrder) (tx payment.Transaction, replayed bool, err error)
	// ApplyInterest credits simple daily interest for the whole days elapsed
	// since the profile's last accrual and advances it to now.
	ApplyInterest(ctx context.Context, uid string, dailyRate decimal.Decimal, now time.Time) (p payment.UserProfile, interest decimal.Decimal, err error)
}

// ChangeFeed delivers store changes. Channels are closed when ctx is done.
type ChangeFeed interface {
	WatchUser(ctx context.Context, uid string) (<-chan payment.UserProfile, error)
	WatchTransactions(ctx context.Context) (<-chan payment.Transaction, error)
}

// Store is the full persistence surface used by the wallet service.
type Store interface {
	UserStore
	TransactionStore
	LedgerStore
	ChangeFeed
	Close() error
}
