package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/swiftpay/internal/assistant"
	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/httputil"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/internal/metrics"
	"github.com/R3E-Network/swiftpay/internal/middleware"
	"github.com/R3E-Network/swiftpay/internal/storage/memory"
	"github.com/R3E-Network/swiftpay/internal/wallet"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

type harness struct {
	store   *memory.Store
	handler http.Handler
}

func newHarness(t *testing.T, admins ...string) *harness {
	t.Helper()
	return newHarnessWithModel(t, nil, admins...)
}

func newHarnessWithModel(t *testing.T, model assistant.Model, admins ...string) *harness {
	t.Helper()
	logger := logging.NewDiscard()
	m := metrics.New(false)
	store := memory.New()
	svc := wallet.New(store, nil, wallet.Options{Settings: payment.DefaultSettings()}, logger, m)
	advisor := assistant.NewAdvisor(model, svc.Settings(), logger, m)
	auth := middleware.NewAuthMiddleware(testSecret, nil, admins, logger, nil)

	srv := New(svc, advisor, auth, m, logger, Options{
		Version:       "test",
		StorageDriver: "memory",
		CORSOrigins:   []string{"*"},
		RateLimit:     1000,
	})
	return &harness{store: store, handler: srv.Handler()}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	claims := &middleware.Claims{
		Email:        uid + "@example.com",
		Role:         "authenticated",
		UserMetadata: map[string]any{"full_name": "User " + uid},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) seed(t *testing.T, uid, handle, balance string) payment.UserProfile {
	t.Helper()
	p := payment.NewProfile(uid, uid+"@example.com", "User "+uid, "", handle, decimal.RequireFromString(balance), time.Now())
	p, err := h.store.CreateUser(context.Background(), p)
	require.NoError(t, err)
	return p
}

func (h *harness) do(t *testing.T, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, uid))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndInfo(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[map[string]any](t, rec)
	assert.Equal(t, "atomic", info["consistency"])
	assert.Equal(t, "memory", info["storage_driver"])
	assert.Contains(t, info, "process")

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swiftpay_http_requests_total")
}

func TestAPIRequiresAuth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionCreatesThenLoads(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/session", "asha", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[wallet.Session](t, rec)
	assert.True(t, first.Created)
	assert.True(t, first.Profile.Balance.Equal(payment.DefaultBonusAmount))
	assert.True(t, strings.HasPrefix(first.Profile.Handle, "asha"))
	assert.Equal(t, "User asha", first.Profile.DisplayName)

	rec = h.do(t, http.MethodPost, "/api/v1/session", "asha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[wallet.Session](t, rec)
	assert.False(t, second.Created)
	assert.Equal(t, first.Profile.Handle, second.Profile.Handle)

	rec = h.do(t, http.MethodGet, "/api/v1/profile", "asha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.Profile.Handle, decode[wallet.Session](t, rec).Profile.Handle)
}

func TestTransferAndHistory(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", "a100@swiftpay", "50")
	h.seed(t, "b", "b200@swiftpay", "10")

	rec := h.do(t, http.MethodPost, "/api/v1/transfers", "a", map[string]any{
		"handle": "B200@SwiftPay ",
		"amount": 20,
		"note":   "lunch",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[wallet.TransferResult](t, rec)
	assert.Equal(t, wallet.MsgPaymentSuccessful, res.Message)
	assert.Equal(t, "b", res.Transaction.ReceiverUID)
	assert.Equal(t, payment.StatusSuccess, res.Transaction.Status)

	a, _ := h.store.GetUser(context.Background(), "a")
	b, _ := h.store.GetUser(context.Background(), "b")
	assert.Equal(t, "30", a.Balance.String())
	assert.Equal(t, "30", b.Balance.String())

	rec = h.do(t, http.MethodGet, "/api/v1/transactions", "b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Transactions []payment.Transaction `json:"transactions"`
		Count        int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Equal(t, 1, hist.Count)
	assert.Equal(t, "lunch", hist.Transactions[0].Note)
}

func TestTransferReplaysIntent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", "a100@swiftpay", "50")
	h.seed(t, "b", "b200@swiftpay", "0")

	body := map[string]any{"handle": "b200@swiftpay", "amount": "50", "intent_id": "intent-1"}
	rec := h.do(t, http.MethodPost, "/api/v1/transfers", "a", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[wallet.TransferResult](t, rec)

	rec = h.do(t, http.MethodPost, "/api/v1/transfers", "a", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[wallet.TransferResult](t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)

	b, _ := h.store.GetUser(context.Background(), "b")
	assert.Equal(t, "50", b.Balance.String())
}

func TestTransferRejections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"non-numeric amount", `{"handle":"b200@swiftpay","amount":"abc"}`, http.StatusBadRequest, wallet.MsgInvalidInput},
		{"missing amount", `{"handle":"b200@swiftpay"}`, http.StatusBadRequest, wallet.MsgInvalidInput},
		{"zero amount", `{"handle":"b200@swiftpay","amount":0}`, http.StatusBadRequest, wallet.MsgInvalidInput},
		{"negative amount", `{"handle":"b200@swiftpay","amount":-5}`, http.StatusBadRequest, wallet.MsgInvalidInput},
		{"empty handle", `{"handle":"","amount":5}`, http.StatusBadRequest, wallet.MsgInvalidInput},
		{"over balance", `{"handle":"b200@swiftpay","amount":51}`, http.StatusConflict, wallet.MsgInsufficientFunds},
		{"unknown handle", `{"handle":"zz@swiftpay","amount":5}`, http.StatusNotFound, wallet.MsgReceiverNotFound},
		{"self", `{"handle":"a100@swiftpay","amount":5}`, http.StatusBadRequest, wallet.MsgSelfTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "a", "a100@swiftpay", "50")
			h.seed(t, "b", "b200@swiftpay", "10")

			rec := h.do(t, http.MethodPost, "/api/v1/transfers", "a", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.message, decode[httputil.ErrorResponse](t, rec).Message)

			txs, err := h.store.ListRecentTransactions(context.Background(), 0)
			require.NoError(t, err)
			assert.Empty(t, txs)
			a, _ := h.store.GetUser(context.Background(), "a")
			assert.Equal(t, "50", a.Balance.String())
		})
	}
}

func TestTransferRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", "a100@swiftpay", "50")
	rec := h.do(t, http.MethodPost, "/api/v1/transfers", "a", `{"handle":"b@swiftpay","amount":1,"pin":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveAndScan(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", "a100@swiftpay", "50")
	h.seed(t, "b", "b200@swiftpay", "10")

	rec := h.do(t, http.MethodGet, "/api/v1/receive", "b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recv := decode[ReceiveResponse](t, rec)
	assert.Equal(t, "b200@swiftpay", recv.Handle)
	assert.True(t, strings.HasPrefix(recv.PaymentURI, "upi://pay?"))

	rec = h.do(t, http.MethodPost, "/api/v1/scan", "a", ScanBody{Payload: recv.PaymentURI})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	scan := decode[ScanResponse](t, rec)
	assert.Equal(t, "b200@swiftpay", scan.Handle)
	require.NotNil(t, scan.Receiver)
	assert.Equal(t, "b", scan.Receiver.UID)

	rec = h.do(t, http.MethodPost, "/api/v1/scan", "a", ScanBody{Payload: "nobody@swiftpay"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[ScanResponse](t, rec).Receiver)

	rec = h.do(t, http.MethodPost, "/api/v1/scan", "a", ScanBody{Payload: "https://example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveUnknownProfile(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/receive", "ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssistantFallbacks(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", "a100@swiftpay", "50")

	rec := h.do(t, http.MethodGet, "/api/v1/assistant/greeting", "a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, assistant.Greeting("User a"), decode[map[string]string](t, rec)["text"])

	rec = h.do(t, http.MethodPost, "/api/v1/assistant/advice", "a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, assistant.AdviceFallback, decode[map[string]string](t, rec)["advice"])

	history := []assistant.Message{{Role: assistant.RoleModel, Text: "Hi"}}
	rec = h.do(t, http.MethodPost, "/api/v1/assistant/chat", "a", ChatBody{History: history, Message: "Can I afford a bike?"})
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decode[assistant.Reply](t, rec)
	assert.Equal(t, assistant.ChatFallback, reply.Text)
	require.Len(t, reply.History, 3)
	assert.Equal(t, "Hi", reply.History[0].Text)
	assert.Equal(t, "Can I afford a bike?", reply.History[1].Text)

	rec = h.do(t, http.MethodPost, "/api/v1/assistant/chat", "a", ChatBody{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// recordingModel answers every prompt with a fixed text and keeps the last
// prompt it saw.
type recordingModel struct {
	prompt string
}

func (m *recordingModel) Generate(_ context.Context, prompt string) (string, error) {
	m.prompt = prompt
	return "Keep saving.", nil
}

func (m *recordingModel) Chat(_ context.Context, _ string, _ []assistant.Message, message string) (string, error) {
	m.prompt = message
	return "Sure.", nil
}

func TestAdviceUsesCallersOwnTransactions(t *testing.T) {
	model := &recordingModel{}
	h := newHarnessWithModel(t, model)
	h.seed(t, "me", "me100@swiftpay", "50")
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		tx := payment.NewTransaction(fmt.Sprintf("mine-%d", i), payment.Party{UID: "me"}, payment.Party{UID: "b"},
			decimal.NewFromInt(1), "", base.Add(time.Duration(i)*time.Minute))
		_, err := h.store.CreateTransaction(ctx, tx)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		tx := payment.NewTransaction(fmt.Sprintf("other-%d", i), payment.Party{UID: "a"}, payment.Party{UID: "b"},
			decimal.NewFromInt(1), "", base.Add(30*time.Minute+time.Duration(i)*time.Minute))
		_, err := h.store.CreateTransaction(ctx, tx)
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/assistant/advice", "me", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Keep saving.", decode[map[string]string](t, rec)["advice"])
	assert.Contains(t, model.prompt, "mine-2")
	assert.Contains(t, model.prompt, "mine-0")
	assert.NotContains(t, model.prompt, "other-")
}

func TestAdminUsers(t *testing.T) {
	h := newHarness(t, "root")
	h.seed(t, "a", "a100@swiftpay", "50")
	h.seed(t, "b", "b200@swiftpay", "10")

	rec := h.do(t, http.MethodGet, "/api/v1/admin/users", "a", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/admin/users", "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Users []payment.UserProfile `json:"users"`
		Count int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/transfers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWatchProfileStreamsUpdates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", "a100@swiftpay", "50")
	h.seed(t, "b", "b200@swiftpay", "10")

	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/profile/watch?access_token=" + token(t, "b")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	readProfile := func() payment.UserProfile {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame struct {
			Type string              `json:"type"`
			Data payment.UserProfile `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, "profile", frame.Type)
		return frame.Data
	}

	assert.Equal(t, "10", readProfile().Balance.String())

	rec := h.do(t, http.MethodPost, "/api/v1/transfers", "a", map[string]any{"handle": "b200@swiftpay", "amount": 15})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "25", readProfile().Balance.String())
}

func TestWatchRequiresToken(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/transactions/watch"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`12.5`, "12.5", true},
		{`"7"`, "7", true},
		{`" 3.25 "`, "3.25", true},
		{`"abc"`, "", false},
		{`null`, "", false},
		{``, "", false},
		{`true`, "", false},
	}
	for _, tt := range tests {
		got, err := parseAmount(json.RawMessage(tt.raw))
		if !tt.ok {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got.String())
	}
}
