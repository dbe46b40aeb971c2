// Package wallet implements the SwiftPay account operations on top of a
// storage.Store: first-login bootstrap, interest accrual, transfers, history
// and live views.
//
// Ledger mutations run in one of two consistency modes:
//
//  1. ModeAtomic applies each transfer and interest credit as a single
//     store-side unit (row locks, stored functions or a mutex, depending on
//     the backend) keyed by a client-supplied transfer intent id.
//  2. ModeLegacy reproduces the original client-orchestrated writes: separate
//     debit, credit and record writes with no rollback, and a linear scan to
//     resolve handles. It exists for compatibility testing against data
//     written by the old clients.
package wallet

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/idempotency"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/internal/metrics"
	"github.com/R3E-Network/swiftpay/internal/storage"
)

// Mode selects how ledger mutations are applied.
type Mode string

const (
	ModeAtomic Mode = "atomic"
	ModeLegacy Mode = "legacy"
)

// User-facing messages shown by the clients.
const (
	MsgPaymentSuccessful = "Payment Successful!"
	MsgInvalidInput      = "Invalid UPI ID or Amount"
	MsgInsufficientFunds = "Insufficient funds"
	MsgReceiverNotFound  = "User with this UPI ID not found."
	MsgSelfTransfer      = "You cannot send money to yourself."
	MsgTransferFailed    = "Transaction failed."
)

var (
	ErrInvalidInput       = errors.New("invalid handle or amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrReceiverNotFound   = errors.New("receiver not found")
	ErrSelfTransfer       = errors.New("cannot transfer to self")
	ErrTransferInProgress = errors.New("transfer with this intent is already in progress")
	ErrIntentReused       = errors.New("transfer intent already used by another transfer")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrHandlesExhausted   = errors.New("could not allocate a unique handle")
)

// Message returns the text the clients display for a transfer error.
func Message(err error) string {
	switch {
	case err == nil:
		return MsgPaymentSuccessful
	case errors.Is(err, ErrInvalidInput):
		return MsgInvalidInput
	case errors.Is(err, ErrInsufficientFunds):
		return MsgInsufficientFunds
	case errors.Is(err, ErrReceiverNotFound):
		return MsgReceiverNotFound
	case errors.Is(err, ErrSelfTransfer):
		return MsgSelfTransfer
	default:
		return MsgTransferFailed
	}
}

// Options configures a Service.
type Options struct {
	Settings payment.Settings
	Mode     Mode
	// HandleAttempts bounds handle allocation retries on collisions.
	HandleAttempts int
	// IntentTTL is how long an in-flight transfer holds its intent id.
	IntentTTL time.Duration
}

// Service implements the wallet operations.
type Service struct {
	store    storage.Store
	guard    idempotency.Guard
	settings payment.Settings
	mode     Mode
	attempts int
	ttl      time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics

	now    func() time.Time
	newID  func() string
	suffix func() int
}

// New creates a Service. guard may be nil, in which case an in-process guard
// is used; m may be nil to disable metrics.
func New(store storage.Store, guard idempotency.Guard, opts Options, logger *logging.Logger, m *metrics.Metrics) *Service {
	if guard == nil {
		guard = idempotency.NewMemoryGuard()
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if opts.Mode == "" {
		opts.Mode = ModeAtomic
	}
	if opts.HandleAttempts < 1 {
		opts.HandleAttempts = 5
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = idempotency.DefaultTTL
	}
	if opts.Settings.HistoryWindow < 1 {
		opts.Settings.HistoryWindow = payment.DefaultHistoryWindow
	}

	return &Service{
		store:    store,
		guard:    guard,
		settings: opts.Settings,
		mode:     opts.Mode,
		attempts: opts.HandleAttempts,
		ttl:      opts.IntentTTL,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		newID:    uuid.NewString,
		suffix:   handleSuffixes(),
	}
}

// Settings returns the economic settings in effect.
func (s *Service) Settings() payment.Settings {
	return s.settings
}

// Mode returns the consistency mode in effect.
func (s *Service) Mode() Mode {
	return s.mode
}

// handleSuffixes returns a source of numbers in [100, 999] that is safe for
// concurrent use.
func handleSuffixes() func() int {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return 100 + rng.Intn(900)
	}
}
