package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	feedBuffer           = 16
)

// listen opens a dedicated LISTEN connection on channel and forwards raw
// notification payloads until ctx is done.
func (s *Store) listen(ctx context.Context, channel string) (<-chan string, error) {
	if s.dsn == "" {
		return nil, fmt.Errorf("postgres change feed requires a DSN")
	}

	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, nil)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan string, feedBuffer)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil after a reconnect; the next change carries the full row
				if n == nil {
					continue
				}
				select {
				case out <- n.Extra:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) WatchUser(ctx context.Context, uid string) (<-chan payment.UserProfile, error) {
	raw, err := s.listen(ctx, usersTable)
	if err != nil {
		return nil, err
	}

	out := make(chan payment.UserProfile, feedBuffer)
	go func() {
		defer close(out)
		for payload := range raw {
			var p payment.UserProfile
			if err := json.Unmarshal([]byte(payload), &p); err != nil || p.UID != uid {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) WatchTransactions(ctx context.Context) (<-chan payment.Transaction, error) {
	raw, err := s.listen(ctx, transactionsTable)
	if err != nil {
		return nil, err
	}

	out := make(chan payment.Transaction, feedBuffer)
	go func() {
		defer close(out)
		for payload := range raw {
			var tx payment.Transaction
			if err := json.Unmarshal([]byte(payload), &tx); err != nil {
				continue
			}
			select {
			case out <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
