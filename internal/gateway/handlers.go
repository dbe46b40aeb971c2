package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/assistant"
	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	svcerrors "github.com/R3E-Network/swiftpay/internal/errors"
	"github.com/R3E-Network/swiftpay/internal/httputil"
	"github.com/R3E-Network/swiftpay/internal/middleware"
	"github.com/R3E-Network/swiftpay/internal/wallet"
)

// TransferBody is the JSON body of POST /api/v1/transfers. Amount is kept raw
// so that a non-numeric value is reported like any other invalid amount.
type TransferBody struct {
	Handle        string           `json:"handle"`
	Amount        json.RawMessage  `json:"amount"`
	Note          string           `json:"note,omitempty"`
	IntentID      string           `json:"intent_id,omitempty"`
	CachedBalance *decimal.Decimal `json:"cached_balance,omitempty"`
}

// ScanBody is the JSON body of POST /api/v1/scan.
type ScanBody struct {
	Payload string `json:"payload"`
}

// ChatBody is the JSON body of POST /api/v1/assistant/chat.
type ChatBody struct {
	History []assistant.Message `json:"history"`
	Message string              `json:"message"`
}

// ReceiveResponse carries what a receive code encodes.
type ReceiveResponse struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	PaymentURI  string `json:"payment_uri"`
}

// ScanResponse is the decoded payment code. Receiver is nil when the handle
// does not belong to any user.
type ScanResponse struct {
	Handle   string         `json:"handle"`
	Receiver *payment.Party `json:"receiver,omitempty"`
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (payment.Identity, bool) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok || id.UID == "" {
		httputil.WriteServiceError(w, r, svcerrors.Unauthorized(""))
		return payment.Identity{}, false
	}
	return id, true
}

// handleSession bootstraps the caller's wallet and applies pending interest.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	sess, err := s.wallet.LoadProfile(r.Context(), id)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	status := http.StatusOK
	if sess.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, sess)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	sess, err := s.wallet.LoadProfile(r.Context(), id)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body TransferBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		s.writeWalletError(w, r, wallet.ErrInvalidInput)
		return
	}

	res, err := s.wallet.Transfer(r.Context(), wallet.TransferRequest{
		SenderUID:     id.UID,
		Handle:        body.Handle,
		Amount:        amount,
		Note:          body.Note,
		IntentID:      strings.TrimSpace(body.IntentID),
		CachedBalance: body.CachedBalance,
	})
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return decimal.Decimal{}, errors.New("amount is required")
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, err
		}
		text = strings.TrimSpace(s)
	}
	return decimal.NewFromString(text)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	txs, err := s.wallet.History(r.Context(), id.UID)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	p, err := s.wallet.Profile(r.Context(), id.UID)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ReceiveResponse{
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		PaymentURI:  payment.PaymentURI(p),
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	var body ScanBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	handle, err := payment.ParsePaymentURI(body.Payload)
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.InvalidFormat("payment code", err.Error()))
		return
	}

	resp := ScanResponse{Handle: handle}
	receiver, err := s.wallet.ResolveHandle(r.Context(), handle)
	switch {
	case err == nil:
		party := payment.PartyOf(receiver)
		resp.Receiver = &party
	case !errors.Is(err, wallet.ErrReceiverNotFound):
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	name := id.DisplayName
	if p, err := s.wallet.Profile(r.Context(), id.UID); err == nil && p.DisplayName != "" {
		name = p.DisplayName
	}
	if name == "" {
		name = "there"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"text": assistant.Greeting(name)})
}

func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	p, err := s.wallet.Profile(r.Context(), id.UID)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	txs, err := s.wallet.RecentActivity(r.Context(), id.UID, assistant.AdviceWindow)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"advice": s.advisor.Advice(r.Context(), p.Balance, txs),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	var body ChatBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("message is required"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.advisor.Chat(r.Context(), body.History, body.Message))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.wallet.ListUsers(r.Context())
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// serviceError maps a wallet error to its HTTP rendering.
func serviceError(err error) *svcerrors.ServiceError {
	switch {
	case errors.Is(err, wallet.ErrInvalidInput):
		return svcerrors.BadRequest(wallet.MsgInvalidInput)
	case errors.Is(err, wallet.ErrSelfTransfer):
		return svcerrors.BadRequest(wallet.MsgSelfTransfer)
	case errors.Is(err, wallet.ErrReceiverNotFound):
		return svcerrors.NotFound(wallet.MsgReceiverNotFound)
	case errors.Is(err, wallet.ErrProfileNotFound):
		return svcerrors.NotFound("Profile not found")
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return svcerrors.Conflict(wallet.MsgInsufficientFunds)
	case errors.Is(err, wallet.ErrTransferInProgress):
		return svcerrors.Conflict("Transfer already in progress")
	case errors.Is(err, wallet.ErrIntentReused):
		return svcerrors.Conflict("Intent id already used for a different transfer")
	case errors.Is(err, wallet.ErrHandlesExhausted):
		return svcerrors.ServiceUnavailable("Could not allocate a payment handle", err)
	case errors.Is(err, wallet.ErrTransferFailed):
		return svcerrors.Upstream(wallet.MsgTransferFailed, err)
	default:
		return svcerrors.Internal("Internal server error", err)
	}
}

func (s *Server) writeWalletError(w http.ResponseWriter, r *http.Request, err error) {
	se := serviceError(err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	httputil.WriteServiceError(w, r, se)
}
