package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/storage"
)

// Session is the result of loading a signed-in user's wallet.
type Session struct {
	Profile payment.UserProfile `json:"profile"`
	Created bool                `json:"created"`
	// Interest credited by this load, zero when nothing accrued.
	Interest decimal.Decimal `json:"interest"`
}

// Bootstrap returns the profile for id, creating it with the joining bonus on
// first login.
func (s *Service) Bootstrap(ctx context.Context, id payment.Identity) (payment.UserProfile, bool, error) {
	if id.UID == "" {
		return payment.UserProfile{}, false, fmt.Errorf("identity has no uid")
	}

	p, err := s.store.GetUser(ctx, id.UID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return payment.UserProfile{}, false, fmt.Errorf("load profile: %w", err)
	}

	for attempt := 1; attempt <= s.attempts; attempt++ {
		handle := payment.DeriveHandle(id.Email, s.suffix())
		fresh := payment.NewProfile(id.UID, id.Email, id.DisplayName, id.PhotoURL, handle, s.settings.BonusAmount, s.now())

		created, err := s.store.CreateUser(ctx, fresh)
		switch {
		case err == nil:
			s.metrics.RecordProfileCreated()
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"uid":    created.UID,
				"handle": created.Handle,
				"bonus":  created.Balance.String(),
			}).Info("Profile created")
			return created, true, nil
		case errors.Is(err, storage.ErrHandleTaken):
			s.logger.WithContext(ctx).WithField("handle", handle).Debug("Handle collision, retrying")
			continue
		case errors.Is(err, storage.ErrAlreadyExists):
			// Lost a first-login race for the same uid; keep the stored profile.
			p, err := s.store.GetUser(ctx, id.UID)
			if err != nil {
				return payment.UserProfile{}, false, fmt.Errorf("reload profile: %w", err)
			}
			return p, false, nil
		default:
			return payment.UserProfile{}, false, fmt.Errorf("create profile: %w", err)
		}
	}
	return payment.UserProfile{}, false, ErrHandlesExhausted
}

// AccrueInterest credits the daily interest earned since the last accrual.
// It is a no-op when less than a whole day has elapsed.
func (s *Service) AccrueInterest(ctx context.Context, uid string) (payment.UserProfile, decimal.Decimal, error) {
	var (
		p        payment.UserProfile
		interest decimal.Decimal
		err      error
	)
	if s.mode == ModeLegacy {
		p, interest, err = s.accrueLegacy(ctx, uid)
	} else {
		p, interest, err = s.store.ApplyInterest(ctx, uid, s.settings.InterestRate, s.now())
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return payment.UserProfile{}, decimal.Zero, ErrProfileNotFound
		}
		return payment.UserProfile{}, decimal.Zero, fmt.Errorf("accrue interest: %w", err)
	}

	if interest.IsPositive() {
		s.metrics.RecordInterest(interest)
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"uid":      uid,
			"interest": interest.String(),
			"balance":  p.Balance.String(),
		}).Info("Interest credited")
	}
	return p, interest, nil
}

// accrueLegacy is a read-compute-write without any guard; concurrent loads
// can credit the same days twice.
func (s *Service) accrueLegacy(ctx context.Context, uid string) (payment.UserProfile, decimal.Decimal, error) {
	p, err := s.store.GetUser(ctx, uid)
	if err != nil {
		return payment.UserProfile{}, decimal.Zero, err
	}

	now := s.now()
	interest, days := payment.AccrueInterest(p.Balance, s.settings.InterestRate, p.LastInterestAt, now)
	if days < 1 {
		return p, decimal.Zero, nil
	}

	balance := p.Balance.Add(interest)
	p, err = s.store.UpdateUser(ctx, uid, payment.ProfileUpdate{Balance: &balance, LastInterestAt: &now})
	if err != nil {
		return payment.UserProfile{}, decimal.Zero, err
	}
	return p, interest, nil
}

// LoadProfile bootstraps the caller's profile and applies pending interest.
// It runs on every profile load.
func (s *Service) LoadProfile(ctx context.Context, id payment.Identity) (Session, error) {
	p, created, err := s.Bootstrap(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if created {
		return Session{Profile: p, Created: true, Interest: decimal.Zero}, nil
	}

	p, interest, err := s.AccrueInterest(ctx, p.UID)
	if err != nil {
		return Session{}, err
	}
	return Session{Profile: p, Interest: interest}, nil
}

// Profile returns the stored profile for uid without side effects.
func (s *Service) Profile(ctx context.Context, uid string) (payment.UserProfile, error) {
	p, err := s.store.GetUser(ctx, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return payment.UserProfile{}, ErrProfileNotFound
	}
	return p, err
}

// ListUsers returns every profile. Callers must restrict it to admins.
func (s *Service) ListUsers(ctx context.Context) ([]payment.UserProfile, error) {
	return s.store.ListUsers(ctx)
}
