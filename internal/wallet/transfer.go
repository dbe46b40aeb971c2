package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/metrics"
	"github.com/R3E-Network/swiftpay/internal/storage"
)

// TransferRequest asks to move Amount from SenderUID to the owner of Handle.
type TransferRequest struct {
	SenderUID string
	Handle    string
	Amount    decimal.Decimal
	Note      string
	// IntentID identifies this transfer attempt across retries. A new id is
	// generated when empty, which disables replay protection.
	IntentID string
	// CachedBalance is the sender balance the client last displayed. When nil
	// the stored balance is used for validation.
	CachedBalance *decimal.Decimal
}

// TransferResult is a completed transfer.
type TransferResult struct {
	Transaction payment.Transaction `json:"transaction"`
	// Replayed is set when IntentID had already been applied and no money
	// moved on this call.
	Replayed bool   `json:"replayed"`
	Message  string `json:"message"`
}

// Transfer validates req, resolves the receiver and applies the transfer.
// Validation, resolution and self-transfer failures happen before any write.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	res, err := s.transfer(ctx, req)

	entry := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"sender":    req.SenderUID,
		"handle":    req.Handle,
		"amount":    req.Amount.String(),
		"intent_id": req.IntentID,
		"mode":      string(s.mode),
	})
	switch {
	case err == nil && res.Replayed:
		s.metrics.RecordTransfer(metrics.ResultReplayed, res.Transaction.Amount)
		entry.Info("Transfer replayed")
	case err == nil:
		s.metrics.RecordTransfer(metrics.ResultSuccess, res.Transaction.Amount)
		entry.WithField("transaction_id", res.Transaction.ID).Info("Transfer completed")
	case errors.Is(err, ErrTransferFailed):
		s.metrics.RecordTransfer(metrics.ResultFailed, req.Amount)
		entry.WithError(err).Error("Transfer failed")
	default:
		s.metrics.RecordTransfer(metrics.ResultRejected, req.Amount)
		entry.WithError(err).Warn("Transfer rejected")
	}
	return res, err
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	handle := payment.NormalizeHandle(req.Handle)
	if handle == "" || req.SenderUID == "" {
		return TransferResult{}, ErrInvalidInput
	}

	// A retry of an applied intent is answered from the record, before the
	// balance check that the first attempt already consumed.
	if s.mode == ModeAtomic && req.IntentID != "" {
		tx, err := s.store.GetTransaction(ctx, req.IntentID)
		switch {
		case err == nil && tx.SenderUID != req.SenderUID:
			return TransferResult{}, ErrIntentReused
		case err == nil:
			return TransferResult{Transaction: tx, Replayed: true, Message: MsgPaymentSuccessful}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return TransferResult{}, fmt.Errorf("%w: load intent: %w", ErrTransferFailed, err)
		}
	}

	var sender *payment.UserProfile
	balance := req.CachedBalance
	if balance == nil {
		p, err := s.store.GetUser(ctx, req.SenderUID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return TransferResult{}, ErrProfileNotFound
			}
			return TransferResult{}, fmt.Errorf("%w: load sender: %w", ErrTransferFailed, err)
		}
		sender = &p
		balance = &p.Balance
	}
	if err := payment.ValidateAmount(req.Amount, *balance); err != nil {
		if errors.Is(err, payment.ErrInsufficientFunds) {
			return TransferResult{}, ErrInsufficientFunds
		}
		return TransferResult{}, ErrInvalidInput
	}

	intentID := req.IntentID
	if intentID == "" {
		intentID = s.newID()
	}
	ok, err := s.guard.Acquire(ctx, intentID, s.ttl)
	if err != nil {
		return TransferResult{}, fmt.Errorf("%w: acquire intent: %w", ErrTransferFailed, err)
	}
	if !ok {
		return TransferResult{}, ErrTransferInProgress
	}
	defer func() {
		// Release on a fresh context so a cancelled request still frees the id.
		if err := s.guard.Release(context.WithoutCancel(ctx), intentID); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to release transfer intent")
		}
	}()

	receiver, err := s.ResolveHandle(ctx, handle)
	if err != nil {
		return TransferResult{}, err
	}
	if receiver.UID == req.SenderUID {
		return TransferResult{}, ErrSelfTransfer
	}

	var (
		tx       payment.Transaction
		replayed bool
	)
	if s.mode == ModeLegacy {
		tx, err = s.applyLegacy(ctx, req, intentID, sender, receiver)
	} else {
		tx, replayed, err = s.applyAtomic(ctx, req, intentID, receiver)
	}
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Transaction: tx, Replayed: replayed, Message: MsgPaymentSuccessful}, nil
}

// ResolveHandle finds the profile owning handle.
func (s *Service) ResolveHandle(ctx context.Context, handle string) (payment.UserProfile, error) {
	handle = payment.NormalizeHandle(handle)

	if s.mode == ModeLegacy {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return payment.UserProfile{}, fmt.Errorf("%w: list users: %w", ErrTransferFailed, err)
		}
		for _, u := range users {
			if payment.NormalizeHandle(u.Handle) == handle {
				return u, nil
			}
		}
		return payment.UserProfile{}, ErrReceiverNotFound
	}

	p, err := s.store.GetUserByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return payment.UserProfile{}, ErrReceiverNotFound
		}
		return payment.UserProfile{}, fmt.Errorf("%w: resolve handle: %w", ErrTransferFailed, err)
	}
	return p, nil
}

func (s *Service) applyAtomic(ctx context.Context, req TransferRequest, intentID string, receiver payment.UserProfile) (payment.Transaction, bool, error) {
	tx, replayed, err := s.store.ExecuteTransfer(ctx, payment.TransferOrder{
		IntentID:    intentID,
		SenderUID:   req.SenderUID,
		ReceiverUID: receiver.UID,
		Amount:      req.Amount,
		Note:        req.Note,
		At:          s.now(),
	})
	switch {
	case err == nil:
		return tx, replayed, nil
	case errors.Is(err, storage.ErrInsufficientFunds):
		return payment.Transaction{}, false, ErrInsufficientFunds
	case errors.Is(err, storage.ErrDuplicateIntent):
		return payment.Transaction{}, false, ErrIntentReused
	default:
		return payment.Transaction{}, false, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
}

// applyLegacy writes the debit, the credit and the record one after another.
// A failure stops the sequence without undoing earlier writes, and balances
// are computed from the stored values read before the writes. The cached
// balance only gates validation and never becomes the new balance.
func (s *Service) applyLegacy(ctx context.Context, req TransferRequest, intentID string, sender *payment.UserProfile, receiver payment.UserProfile) (payment.Transaction, error) {
	if sender == nil {
		p, err := s.store.GetUser(ctx, req.SenderUID)
		if err != nil {
			return payment.Transaction{}, fmt.Errorf("%w: load sender: %w", ErrTransferFailed, err)
		}
		sender = &p
	}

	debited := sender.Balance.Sub(req.Amount)
	if _, err := s.store.UpdateUser(ctx, sender.UID, payment.ProfileUpdate{Balance: &debited}); err != nil {
		return payment.Transaction{}, fmt.Errorf("%w: debit sender: %w", ErrTransferFailed, err)
	}

	credited := receiver.Balance.Add(req.Amount)
	if _, err := s.store.UpdateUser(ctx, receiver.UID, payment.ProfileUpdate{Balance: &credited}); err != nil {
		return payment.Transaction{}, fmt.Errorf("%w: credit receiver: %w", ErrTransferFailed, err)
	}

	tx := payment.NewTransaction(intentID, payment.PartyOf(*sender), payment.PartyOf(receiver), req.Amount, req.Note, s.now())
	tx, err := s.store.CreateTransaction(ctx, tx)
	if err != nil {
		return payment.Transaction{}, fmt.Errorf("%w: record transaction: %w", ErrTransferFailed, err)
	}
	return tx, nil
}
