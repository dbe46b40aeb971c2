// Package supabase implements storage.Store on a hosted Supabase project:
// PostgREST for documents, RPC functions for ledger operations and Realtime
// for change notifications.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/storage"
	"github.com/R3E-Network/swiftpay/supabase/client"
)

const (
	usersTable        = "swiftpay_users"
	transactionsTable = "swiftpay_transactions"

	transferFn = "swiftpay_transfer"
	interestFn = "swiftpay_apply_interest"

	handleKey = "swiftpay_users_handle_key"

	// SQLSTATEs raised by the ledger functions.
	codeInsufficientFunds = "SP001"
	codeUserNotFound      = "SP002"
	codeIntentReused      = "SP003"

	feedBuffer = 16
)

// Store implements storage.Store over Supabase.
type Store struct {
	db       *client.Client
	realtime *client.RealtimeClient
}

var _ storage.Store = (*Store)(nil)

// New creates a store. realtime may be nil, in which case watching fails.
func New(db *client.Client, realtime *client.RealtimeClient) *Store {
	return &Store{db: db, realtime: realtime}
}

func (s *Store) Close() error {
	if s.realtime != nil {
		return s.realtime.Close()
	}
	return nil
}

// --- UserStore ----------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, p payment.UserProfile) (payment.UserProfile, error) {
	p.Handle = payment.NormalizeHandle(p.Handle)
	resp, err := s.db.From(usersTable).ExecuteInsert(ctx, p)
	if err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	var rows []payment.UserProfile
	if err := resp.JSON(&rows); err != nil {
		return payment.UserProfile{}, err
	}
	if len(rows) == 0 {
		return p, nil
	}
	return rows[0], nil
}

func (s *Store) GetUser(ctx context.Context, uid string) (payment.UserProfile, error) {
	return s.getUserBy(ctx, "uid", uid)
}

func (s *Store) GetUserByHandle(ctx context.Context, handle string) (payment.UserProfile, error) {
	return s.getUserBy(ctx, "handle", payment.NormalizeHandle(handle))
}

func (s *Store) getUserBy(ctx context.Context, column, value string) (payment.UserProfile, error) {
	var rows []payment.UserProfile
	err := s.db.From(usersTable).Select("*").Eq(column, value).Limit(1).ExecuteInto(ctx, &rows)
	if err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	if len(rows) == 0 {
		return payment.UserProfile{}, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) UpdateUser(ctx context.Context, uid string, update payment.ProfileUpdate) (payment.UserProfile, error) {
	resp, err := s.db.From(usersTable).Eq("uid", uid).ExecuteUpdate(ctx, update)
	if err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	var rows []payment.UserProfile
	if err := resp.JSON(&rows); err != nil {
		return payment.UserProfile{}, err
	}
	if len(rows) == 0 {
		return payment.UserProfile{}, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) ListUsers(ctx context.Context) ([]payment.UserProfile, error) {
	var rows []payment.UserProfile
	if err := s.db.From(usersTable).Select("*").Order("joined_at", true).ExecuteInto(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// --- TransactionStore -----------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	if tx.ID == "" {
		return payment.Transaction{}, fmt.Errorf("transaction id is required")
	}
	if _, err := s.db.From(transactionsTable).ExecuteInsert(ctx, tx); err != nil {
		return payment.Transaction{}, mapError(err)
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	var rows []payment.Transaction
	if err := s.db.From(transactionsTable).Select("*").Eq("id", id).Limit(1).ExecuteInto(ctx, &rows); err != nil {
		return payment.Transaction{}, mapError(err)
	}
	if len(rows) == 0 {
		return payment.Transaction{}, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) ListRecentTransactions(ctx context.Context, limit int) ([]payment.Transaction, error) {
	var rows []payment.Transaction
	q := s.db.From(transactionsTable).Select("*").Order("timestamp", false)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

func (s *Store) ListTransactionsFor(ctx context.Context, uid string, limit int) ([]payment.Transaction, error) {
	var rows []payment.Transaction
	q := s.db.From(transactionsTable).Select("*").
		Or(`sender_uid.eq."`+uid+`"`, `receiver_uid.eq."`+uid+`"`).
		Order("timestamp", false)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// --- LedgerStore ------------------------------------------------------------------

type transferResult struct {
	Replayed    bool                `json:"replayed"`
	Transaction payment.Transaction `json:"transaction"`
}

func (s *Store) ExecuteTransfer(ctx context.Context, order payment.TransferOrder) (payment.Transaction, bool, error) {
	resp, err := s.db.RPC(ctx, transferFn, map[string]any{
		"p_intent_id":    order.IntentID,
		"p_sender_uid":   order.SenderUID,
		"p_receiver_uid": order.ReceiverUID,
		"p_amount":       order.Amount,
		"p_note":         order.Note,
		"p_at":           order.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return payment.Transaction{}, false, mapError(err)
	}

	var out transferResult
	if err := resp.JSON(&out); err != nil {
		return payment.Transaction{}, false, err
	}
	return out.Transaction, out.Replayed, nil
}

type interestResult struct {
	Profile  payment.UserProfile `json:"profile"`
	Interest decimal.Decimal     `json:"interest"`
}

func (s *Store) ApplyInterest(ctx context.Context, uid string, dailyRate decimal.Decimal, now time.Time) (payment.UserProfile, decimal.Decimal, error) {
	resp, err := s.db.RPC(ctx, interestFn, map[string]any{
		"p_uid":  uid,
		"p_rate": dailyRate,
		"p_now":  now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return payment.UserProfile{}, decimal.Zero, mapError(err)
	}

	var out interestResult
	if err := resp.JSON(&out); err != nil {
		return payment.UserProfile{}, decimal.Zero, err
	}
	return out.Profile, out.Interest, nil
}

// --- ChangeFeed -------------------------------------------------------------------

func (s *Store) WatchUser(ctx context.Context, uid string) (<-chan payment.UserProfile, error) {
	out := make(chan payment.UserProfile, feedBuffer)
	err := s.watch(ctx, client.PostgresChangesConfig{
		Event:  "*",
		Table:  usersTable,
		Filter: "uid=eq." + uid,
	}, func(c client.Change) {
		var p payment.UserProfile
		if err := json.Unmarshal(c.Record, &p); err != nil || p.UID != uid {
			return
		}
		select {
		case out <- p:
		default:
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) WatchTransactions(ctx context.Context) (<-chan payment.Transaction, error) {
	out := make(chan payment.Transaction, feedBuffer)
	err := s.watch(ctx, client.PostgresChangesConfig{
		Event: "INSERT",
		Table: transactionsTable,
	}, func(c client.Change) {
		var tx payment.Transaction
		if err := json.Unmarshal(c.Record, &tx); err != nil {
			return
		}
		select {
		case out <- tx:
		default:
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// watch subscribes handler and runs done once the subscription ends, either
// because ctx finished or the connection dropped.
func (s *Store) watch(ctx context.Context, cfg client.PostgresChangesConfig, handler client.ChangeHandler, done func()) error {
	if s.realtime == nil {
		return fmt.Errorf("supabase realtime is not configured")
	}

	// handler may run concurrently with the shutdown below; finished keeps it
	// from sending after done has closed the output channel.
	var (
		mu       sync.Mutex
		finished bool
	)
	guarded := func(c client.Change) {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			handler(c)
		}
	}

	ch, err := s.realtime.SubscribeToPostgresChanges(ctx, cfg, guarded)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Table, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Unsubscribe()
		case <-ch.Done():
		}
		mu.Lock()
		finished = true
		done()
		mu.Unlock()
	}()
	return nil
}

// --- errors -------------------------------------------------------------------------

func mapError(err error) error {
	e, ok := client.AsError(err)
	if !ok {
		return err
	}
	switch {
	case e.Code == client.CodeUniqueViolation && e.Mentions(handleKey):
		return storage.ErrHandleTaken
	case e.Code == client.CodeUniqueViolation:
		return storage.ErrAlreadyExists
	case e.Code == client.CodeNoRows, e.StatusCode == http.StatusNotFound:
		return storage.ErrNotFound
	case e.Code == codeInsufficientFunds:
		return storage.ErrInsufficientFunds
	case e.Code == codeUserNotFound:
		return storage.ErrNotFound
	case e.Code == codeIntentReused:
		return storage.ErrDuplicateIntent
	}
	return err
}
