// Package postgres implements storage.Store on PostgreSQL with sqlx and
// lib/pq. Ledger operations run inside row-locking transactions and the
// change feed is driven by LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/storage"
)

const (
	usersTable        = "swiftpay_users"
	transactionsTable = "swiftpay_transactions"

	userColumns = `uid, email, display_name, photo_url, handle, balance, last_interest_at, joined_at`
	txColumns   = `id, sender_uid, sender_name, sender_handle, receiver_uid, receiver_name, receiver_handle, amount, "timestamp", note, status`

	uniqueViolation = "23505"
	usersPKey       = "swiftpay_users_pkey"
	handleKey       = "swiftpay_users_handle_key"
	transactionPKey = "swiftpay_transactions_pkey"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	dsn string
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, dsn), nil
}

// New wraps an existing handle. dsn is only used to open change-feed
// listeners and may be empty when watching is not needed.
func New(db *sqlx.DB, dsn string) *Store {
	return &Store{db: db, dsn: dsn}
}

// DB exposes the underlying handle, e.g. for migrations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- UserStore ----------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, p payment.UserProfile) (payment.UserProfile, error) {
	p.Handle = payment.NormalizeHandle(p.Handle)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO swiftpay_users (`+userColumns+`)
		VALUES (:uid, :email, :display_name, :photo_url, :handle, :balance, :last_interest_at, :joined_at)
	`, p)
	if err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	return p, nil
}

func (s *Store) GetUser(ctx context.Context, uid string) (payment.UserProfile, error) {
	var p payment.UserProfile
	err := s.db.GetContext(ctx, &p, `SELECT `+userColumns+` FROM swiftpay_users WHERE uid = $1`, uid)
	if err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	return p, nil
}

func (s *Store) GetUserByHandle(ctx context.Context, handle string) (payment.UserProfile, error) {
	var p payment.UserProfile
	err := s.db.GetContext(ctx, &p, `SELECT `+userColumns+` FROM swiftpay_users WHERE handle = $1`, payment.NormalizeHandle(handle))
	if err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	return p, nil
}

func (s *Store) UpdateUser(ctx context.Context, uid string, update payment.ProfileUpdate) (payment.UserProfile, error) {
	sets, args := updateClauses(update)
	if len(sets) == 0 {
		return s.GetUser(ctx, uid)
	}
	args = append(args, uid)
	query := fmt.Sprintf(`UPDATE swiftpay_users SET %s WHERE uid = $%d RETURNING `+userColumns,
		strings.Join(sets, ", "), len(args))

	var p payment.UserProfile
	if err := s.db.GetContext(ctx, &p, query, args...); err != nil {
		return payment.UserProfile{}, mapError(err)
	}
	return p, nil
}

func updateClauses(u payment.ProfileUpdate) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Balance != nil {
		add("balance", *u.Balance)
	}
	if u.LastInterestAt != nil {
		add("last_interest_at", *u.LastInterestAt)
	}
	if u.DisplayName != nil {
		add("display_name", *u.DisplayName)
	}
	if u.PhotoURL != nil {
		add("photo_url", *u.PhotoURL)
	}
	return sets, args
}

func (s *Store) ListUsers(ctx context.Context) ([]payment.UserProfile, error) {
	var users []payment.UserProfile
	if err := s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM swiftpay_users ORDER BY joined_at`); err != nil {
		return nil, err
	}
	return users, nil
}

// --- TransactionStore -----------------------------------------------------------

const insertTransaction = `
	INSERT INTO swiftpay_transactions (` + txColumns + `)
	VALUES (:id, :sender_uid, :sender_name, :sender_handle, :receiver_uid, :receiver_name, :receiver_handle,
		:amount, :timestamp, :note, :status)
`

func (s *Store) CreateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	if tx.ID == "" {
		return payment.Transaction{}, fmt.Errorf("transaction id is required")
	}
	if _, err := s.db.NamedExecContext(ctx, insertTransaction, tx); err != nil {
		return payment.Transaction{}, mapError(err)
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	var tx payment.Transaction
	if err := s.db.GetContext(ctx, &tx, `SELECT `+txColumns+` FROM swiftpay_transactions WHERE id = $1`, id); err != nil {
		return payment.Transaction{}, mapError(err)
	}
	return tx, nil
}

func (s *Store) ListRecentTransactions(ctx context.Context, limit int) ([]payment.Transaction, error) {
	var txs []payment.Transaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+txColumns+`
		FROM swiftpay_transactions
		ORDER BY "timestamp" DESC
		LIMIT NULLIF($1::int, 0)
	`, limit)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) ListTransactionsFor(ctx context.Context, uid string, limit int) ([]payment.Transaction, error) {
	var txs []payment.Transaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+txColumns+`
		FROM swiftpay_transactions
		WHERE sender_uid = $1 OR receiver_uid = $1
		ORDER BY "timestamp" DESC
		LIMIT NULLIF($2::int, 0)
	`, uid, limit)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// --- LedgerStore ------------------------------------------------------------------

func (s *Store) ExecuteTransfer(ctx context.Context, order payment.TransferOrder) (payment.Transaction, bool, error) {
	tx, replayed, err := s.executeTransfer(ctx, order)
	if errors.Is(err, errIntentRace) {
		// A concurrent request with the same intent committed first.
		existing, getErr := s.GetTransaction(ctx, order.IntentID)
		if getErr != nil {
			return payment.Transaction{}, false, getErr
		}
		if existing.SenderUID != order.SenderUID {
			return payment.Transaction{}, false, storage.ErrDuplicateIntent
		}
		return existing, true, nil
	}
	return tx, replayed, err
}

var errIntentRace = errors.New("intent inserted concurrently")

func (s *Store) executeTransfer(ctx context.Context, order payment.TransferOrder) (result payment.Transaction, replayed bool, err error) {
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return payment.Transaction{}, false, err
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback()
		}
	}()

	var existing payment.Transaction
	err = dbtx.GetContext(ctx, &existing, `SELECT `+txColumns+` FROM swiftpay_transactions WHERE id = $1`, order.IntentID)
	switch {
	case err == nil:
		if existing.SenderUID != order.SenderUID {
			return payment.Transaction{}, false, storage.ErrDuplicateIntent
		}
		if err = dbtx.Commit(); err != nil {
			return payment.Transaction{}, false, err
		}
		return existing, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return payment.Transaction{}, false, err
	}

	var parties []payment.UserProfile
	err = dbtx.SelectContext(ctx, &parties, `
		SELECT `+userColumns+`
		FROM swiftpay_users
		WHERE uid = ANY($1)
		ORDER BY uid
		FOR UPDATE
	`, pq.Array([]string{order.SenderUID, order.ReceiverUID}))
	if err != nil {
		return payment.Transaction{}, false, err
	}

	var sender, receiver *payment.UserProfile
	for i := range parties {
		switch parties[i].UID {
		case order.SenderUID:
			sender = &parties[i]
		case order.ReceiverUID:
			receiver = &parties[i]
		}
	}
	if sender == nil || receiver == nil {
		err = storage.ErrNotFound
		return payment.Transaction{}, false, err
	}
	if sender.Balance.LessThan(order.Amount) {
		err = storage.ErrInsufficientFunds
		return payment.Transaction{}, false, err
	}

	if _, err = dbtx.ExecContext(ctx, `UPDATE swiftpay_users SET balance = balance - $1 WHERE uid = $2`, order.Amount, sender.UID); err != nil {
		return payment.Transaction{}, false, err
	}
	if _, err = dbtx.ExecContext(ctx, `UPDATE swiftpay_users SET balance = balance + $1 WHERE uid = $2`, order.Amount, receiver.UID); err != nil {
		return payment.Transaction{}, false, err
	}

	record := payment.NewTransaction(order.IntentID, payment.PartyOf(*sender), payment.PartyOf(*receiver), order.Amount, order.Note, order.At)
	if _, err = dbtx.NamedExecContext(ctx, insertTransaction, record); err != nil {
		if isUniqueViolation(err, transactionPKey) {
			err = errIntentRace
		}
		return payment.Transaction{}, false, err
	}

	if err = dbtx.Commit(); err != nil {
		return payment.Transaction{}, false, err
	}
	return record, false, nil
}

func (s *Store) ApplyInterest(ctx context.Context, uid string, dailyRate decimal.Decimal, now time.Time) (p payment.UserProfile, interest decimal.Decimal, err error) {
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return payment.UserProfile{}, decimal.Zero, err
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback()
		}
	}()

	if err = dbtx.GetContext(ctx, &p, `SELECT `+userColumns+` FROM swiftpay_users WHERE uid = $1 FOR UPDATE`, uid); err != nil {
		err = mapError(err)
		return payment.UserProfile{}, decimal.Zero, err
	}

	interest, days := payment.AccrueInterest(p.Balance, dailyRate, p.LastInterestAt, now)
	if days >= 1 {
		err = dbtx.GetContext(ctx, &p, `
			UPDATE swiftpay_users
			SET balance = $1, last_interest_at = $2
			WHERE uid = $3
			RETURNING `+userColumns, p.Balance.Add(interest), now, uid)
		if err != nil {
			return payment.UserProfile{}, decimal.Zero, err
		}
	}

	if err = dbtx.Commit(); err != nil {
		return payment.UserProfile{}, decimal.Zero, err
	}
	return p, interest, nil
}

// --- errors -------------------------------------------------------------------------

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		switch pqErr.Constraint {
		case handleKey:
			return storage.ErrHandleTaken
		case usersPKey, transactionPKey:
			return storage.ErrAlreadyExists
		}
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation && pqErr.Constraint == constraint
}
