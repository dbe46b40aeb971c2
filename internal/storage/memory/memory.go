package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/storage"
)

// subscriberBuffer bounds each watch channel. A subscriber that falls this far
// behind misses intermediate snapshots.
const subscriberBuffer = 16

// Store is an in-memory implementation of storage.Store. It is safe for
// concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu           sync.RWMutex
	users        map[string]payment.UserProfile
	handles      map[string]string // handle -> uid
	transactions []payment.Transaction
	txByID       map[string]int

	subMu     sync.Mutex
	nextSubID int
	userSubs  map[string]map[int]chan payment.UserProfile
	txSubs    map[int]chan payment.Transaction
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]payment.UserProfile),
		handles:  make(map[string]string),
		txByID:   make(map[string]int),
		userSubs: make(map[string]map[int]chan payment.UserProfile),
		txSubs:   make(map[int]chan payment.Transaction),
	}
}

// Close releases nothing; it exists to satisfy storage.Store.
func (s *Store) Close() error { return nil }

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, p payment.UserProfile) (payment.UserProfile, error) {
	s.mu.Lock()
	if _, exists := s.users[p.UID]; exists {
		s.mu.Unlock()
		return payment.UserProfile{}, storage.ErrAlreadyExists
	}
	handle := payment.NormalizeHandle(p.Handle)
	if _, taken := s.handles[handle]; taken {
		s.mu.Unlock()
		return payment.UserProfile{}, storage.ErrHandleTaken
	}
	p.Handle = handle
	s.users[p.UID] = p
	s.handles[handle] = p.UID
	s.mu.Unlock()

	s.publishUser(p)
	return p, nil
}

func (s *Store) GetUser(_ context.Context, uid string) (payment.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.users[uid]
	if !ok {
		return payment.UserProfile{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetUserByHandle(_ context.Context, handle string) (payment.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uid, ok := s.handles[payment.NormalizeHandle(handle)]
	if !ok {
		return payment.UserProfile{}, storage.ErrNotFound
	}
	return s.users[uid], nil
}

func (s *Store) UpdateUser(_ context.Context, uid string, update payment.ProfileUpdate) (payment.UserProfile, error) {
	s.mu.Lock()
	p, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return payment.UserProfile{}, storage.ErrNotFound
	}
	p = update.Apply(p)
	s.users[uid] = p
	s.mu.Unlock()

	s.publishUser(p)
	return p, nil
}

func (s *Store) ListUsers(_ context.Context) ([]payment.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.UserProfile, 0, len(s.users))
	for _, p := range s.users {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	s.mu.Lock()
	tx, err := s.insertTransactionLocked(tx)
	s.mu.Unlock()
	if err != nil {
		return payment.Transaction{}, err
	}

	s.publishTransaction(tx)
	return tx, nil
}

func (s *Store) insertTransactionLocked(tx payment.Transaction) (payment.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	} else if _, exists := s.txByID[tx.ID]; exists {
		return payment.Transaction{}, storage.ErrAlreadyExists
	}
	s.txByID[tx.ID] = len(s.transactions)
	s.transactions = append(s.transactions, tx)
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.txByID[id]
	if !ok {
		return payment.Transaction{}, storage.ErrNotFound
	}
	return s.transactions[idx], nil
}

func (s *Store) ListRecentTransactions(_ context.Context, limit int) ([]payment.Transaction, error) {
	s.mu.RLock()
	result := make([]payment.Transaction, len(s.transactions))
	copy(result, s.transactions)
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListTransactionsFor(_ context.Context, uid string, limit int) ([]payment.Transaction, error) {
	s.mu.RLock()
	var result []payment.Transaction
	for _, tx := range s.transactions {
		if tx.Involves(uid) {
			result = append(result, tx)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) ExecuteTransfer(_ context.Context, order payment.TransferOrder) (payment.Transaction, bool, error) {
	s.mu.Lock()

	if idx, ok := s.txByID[order.IntentID]; ok {
		existing := s.transactions[idx]
		s.mu.Unlock()
		if existing.SenderUID != order.SenderUID {
			return payment.Transaction{}, false, storage.ErrDuplicateIntent
		}
		return existing, true, nil
	}

	sender, ok := s.users[order.SenderUID]
	if !ok {
		s.mu.Unlock()
		return payment.Transaction{}, false, storage.ErrNotFound
	}
	receiver, ok := s.users[order.ReceiverUID]
	if !ok {
		s.mu.Unlock()
		return payment.Transaction{}, false, storage.ErrNotFound
	}
	if sender.Balance.LessThan(order.Amount) {
		s.mu.Unlock()
		return payment.Transaction{}, false, storage.ErrInsufficientFunds
	}

	sender.Balance = sender.Balance.Sub(order.Amount)
	receiver.Balance = receiver.Balance.Add(order.Amount)
	tx := payment.NewTransaction(order.IntentID, payment.PartyOf(sender), payment.PartyOf(receiver), order.Amount, order.Note, order.At)
	tx, err := s.insertTransactionLocked(tx)
	if err != nil {
		s.mu.Unlock()
		return payment.Transaction{}, false, err
	}
	s.users[sender.UID] = sender
	s.users[receiver.UID] = receiver
	s.mu.Unlock()

	s.publishUser(sender)
	s.publishUser(receiver)
	s.publishTransaction(tx)
	return tx, false, nil
}

func (s *Store) ApplyInterest(_ context.Context, uid string, dailyRate decimal.Decimal, now time.Time) (payment.UserProfile, decimal.Decimal, error) {
	s.mu.Lock()
	p, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return payment.UserProfile{}, decimal.Zero, storage.ErrNotFound
	}
	interest, days := payment.AccrueInterest(p.Balance, dailyRate, p.LastInterestAt, now)
	if days < 1 {
		s.mu.Unlock()
		return p, decimal.Zero, nil
	}
	p.Balance = p.Balance.Add(interest)
	p.LastInterestAt = now
	s.users[uid] = p
	s.mu.Unlock()

	s.publishUser(p)
	return p, interest, nil
}

// ChangeFeed implementation ---------------------------------------------------

func (s *Store) WatchUser(ctx context.Context, uid string) (<-chan payment.UserProfile, error) {
	ch := make(chan payment.UserProfile, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	if s.userSubs[uid] == nil {
		s.userSubs[uid] = make(map[int]chan payment.UserProfile)
	}
	s.userSubs[uid][id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.userSubs[uid], id)
		if len(s.userSubs[uid]) == 0 {
			delete(s.userSubs, uid)
		}
		close(ch)
		s.subMu.Unlock()
	}()
	return ch, nil
}

func (s *Store) WatchTransactions(ctx context.Context) (<-chan payment.Transaction, error) {
	ch := make(chan payment.Transaction, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.txSubs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.txSubs, id)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch, nil
}

func (s *Store) publishUser(p payment.UserProfile) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.userSubs[p.UID] {
		select {
		case ch <- p:
		default:
		}
	}
}

func (s *Store) publishTransaction(tx payment.Transaction) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.txSubs {
		select {
		case ch <- tx:
		default:
		}
	}
}
