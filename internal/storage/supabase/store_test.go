package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/storage"
	"github.com/R3E-Network/swiftpay/supabase/client"
)

func newTestStore(t *testing.T, h http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := client.New(client.Config{URL: srv.URL, APIKey: "service"})
	require.NoError(t, err)
	return New(c, nil)
}

func TestGetUserByHandle(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/swiftpay_users", r.URL.Path)
		assert.Equal(t, "eq.asha100@swiftpay", r.URL.Query().Get("handle"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[{"uid":"u1","handle":"asha100@swiftpay","balance":30,"last_interest_at":"2024-03-01T10:00:00+00:00","joined_at":"2024-03-01T10:00:00+00:00"}]`)
	})

	p, err := s.GetUserByHandle(context.Background(), " Asha100@SwiftPay")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UID)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(30)))
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	_, err := s.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateUser_HandleTaken(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"23505","message":"duplicate key value violates unique constraint \"swiftpay_users_handle_key\""}`)
	})
	_, err := s.CreateUser(context.Background(), payment.UserProfile{UID: "u2", Handle: "x@swiftpay"})
	assert.ErrorIs(t, err, storage.ErrHandleTaken)
}

func TestCreateUser_UIDExists(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"23505","message":"duplicate key value violates unique constraint \"swiftpay_users_pkey\""}`)
	})
	_, err := s.CreateUser(context.Background(), payment.UserProfile{UID: "u1", Handle: "x@swiftpay"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestUpdateUser_SendsOnlySetFields(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.u1", r.URL.Query().Get("uid"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body, 1)
		assert.Contains(t, body, "balance")
		_, _ = io.WriteString(w, `[{"uid":"u1","balance":"12.5"}]`)
	})

	bal := decimal.RequireFromString("12.5")
	p, err := s.UpdateUser(context.Background(), "u1", payment.ProfileUpdate{Balance: &bal})
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(bal))
}

func TestListRecentTransactions(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "timestamp.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[{"id":"t2","amount":5,"timestamp":"2024-03-02T00:00:00Z","status":"SUCCESS"},{"id":"t1","amount":1,"timestamp":"2024-03-01T00:00:00Z","status":"SUCCESS"}]`)
	})

	txs, err := s.ListRecentTransactions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "t2", txs[0].ID)
}

func TestListTransactionsFor(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, `(sender_uid.eq."u1",receiver_uid.eq."u1")`, q.Get("or"))
		assert.Equal(t, "timestamp.desc", q.Get("order"))
		assert.Equal(t, "5", q.Get("limit"))
		_, _ = io.WriteString(w, `[{"id":"t1","sender_uid":"u1","amount":1,"timestamp":"2024-03-01T00:00:00Z","status":"SUCCESS"}]`)
	})

	txs, err := s.ListTransactionsFor(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "t1", txs[0].ID)
}

func TestExecuteTransfer(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/swiftpay_transfer", r.URL.Path)
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "intent-1", params["p_intent_id"])
		assert.Equal(t, "b", params["p_receiver_uid"])
		_, _ = io.WriteString(w, `{"replayed":true,"transaction":{"id":"intent-1","sender_uid":"a","receiver_uid":"b","amount":20,"timestamp":"2024-03-01T00:00:00Z","status":"SUCCESS"}}`)
	})

	tx, replayed, err := s.ExecuteTransfer(context.Background(), payment.TransferOrder{
		IntentID: "intent-1", SenderUID: "a", ReceiverUID: "b", Amount: decimal.NewFromInt(20), At: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(20)))
}

func TestExecuteTransfer_ErrorCodes(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{codeInsufficientFunds, storage.ErrInsufficientFunds},
		{codeUserNotFound, storage.ErrNotFound},
		{codeIntentReused, storage.ErrDuplicateIntent},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"code":"`+tt.code+`","message":"rejected"}`)
			})
			_, _, err := s.ExecuteTransfer(context.Background(), payment.TransferOrder{IntentID: "i", Amount: decimal.NewFromInt(1)})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestApplyInterest(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/swiftpay_apply_interest", r.URL.Path)
		_, _ = io.WriteString(w, `{"profile":{"uid":"a","balance":100.03},"interest":0.03}`)
	})

	p, interest, err := s.ApplyInterest(context.Background(), "a", payment.DefaultInterestRate, time.Now())
	require.NoError(t, err)
	assert.True(t, interest.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, p.Balance.Equal(decimal.RequireFromString("100.03")))
}

func TestWatchWithoutRealtime(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := s.WatchUser(context.Background(), "u1")
	assert.Error(t, err)
}
