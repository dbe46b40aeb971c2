package wallet

import (
	"context"
	"fmt"
	"sort"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
)

// History returns the caller's transactions among the most recent
// HistoryWindow records system-wide, newest first. Filtering happens after
// the window is applied, so a busy system can push a user's older transfers
// out of view.
func (s *Service) History(ctx context.Context, uid string) ([]payment.Transaction, error) {
	recent, err := s.store.ListRecentTransactions(ctx, s.settings.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return filterHistory(recent, uid), nil
}

// RecentActivity returns the newest limit transactions uid took part in,
// regardless of the history window. limit <= 0 returns all of them.
func (s *Service) RecentActivity(ctx context.Context, uid string, limit int) ([]payment.Transaction, error) {
	txs, err := s.store.ListTransactionsFor(ctx, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", uid, err)
	}
	return txs, nil
}

func filterHistory(txs []payment.Transaction, uid string) []payment.Transaction {
	out := make([]payment.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Involves(uid) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// WatchHistory streams the caller's history. The first value is the current
// snapshot; a new snapshot follows every transaction written to the store.
// The channel is closed when ctx is done or the change feed ends.
func (s *Service) WatchHistory(ctx context.Context, uid string) (<-chan []payment.Transaction, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Subscribe before reading the snapshot so no change falls in between.
	feed, err := s.store.WatchTransactions(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch transactions: %w", err)
	}
	snapshot, err := s.History(ctx, uid)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan []payment.Transaction, 1)
	out <- snapshot

	go func() {
		defer close(out)
		defer cancel()
		for range feed {
			txs, err := s.History(ctx, uid)
			if err != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("History refresh failed")
				continue
			}
			if !sendLatest(ctx, out, txs) {
				return
			}
		}
	}()
	return out, nil
}

// WatchProfile streams the caller's profile, starting with the current one.
func (s *Service) WatchProfile(ctx context.Context, uid string) (<-chan payment.UserProfile, error) {
	ctx, cancel := context.WithCancel(ctx)

	feed, err := s.store.WatchUser(ctx, uid)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch profile: %w", err)
	}
	snapshot, err := s.Profile(ctx, uid)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan payment.UserProfile, 1)
	out <- snapshot

	go func() {
		defer close(out)
		defer cancel()
		for p := range feed {
			if !sendLatest(ctx, out, p) {
				return
			}
		}
	}()
	return out, nil
}

// sendLatest replaces any unread value in out with v. Slow consumers only
// ever see the newest snapshot.
func sendLatest[T any](ctx context.Context, out chan T, v T) bool {
	select {
	case <-out:
	default:
	}
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
