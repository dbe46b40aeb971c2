// Package assistant produces spending advice and chat replies from a
// generative model. Model failures never reach the caller; they are replaced
// with fixed fallback texts.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/internal/metrics"
)

// Fallback texts.
const (
	AdviceFallback = "I'm currently unable to analyze your finances. Try again later!"
	EmptyAdvice    = "No data yet."
	ChatFallback   = "Something went wrong in my cognitive core. Please try again."
)

// Chat roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// AdviceWindow is how many recent transactions seed the advice prompt.
const AdviceWindow = 5

// Message is one chat turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Reply is the assistant's answer plus the conversation to send back on the
// next turn.
type Reply struct {
	Text    string    `json:"text"`
	History []Message `json:"history"`
}

// Model is a generative text backend.
type Model interface {
	// Generate answers a single prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// Chat continues history with message under a system instruction.
	Chat(ctx context.Context, system string, history []Message, message string) (string, error)
}

// Advisor wraps a Model with the SwiftPay prompts.
type Advisor struct {
	model    Model
	settings payment.Settings
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewAdvisor creates an advisor. model may be nil, in which case every call
// answers with its fallback.
func NewAdvisor(model Model, settings payment.Settings, logger *logging.Logger, m *metrics.Metrics) *Advisor {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Advisor{model: model, settings: settings, logger: logger, metrics: m}
}

// Greeting is the first message shown in a new conversation.
func Greeting(name string) string {
	return fmt.Sprintf("Hi %s! I'm your SwiftPay AI assistant. How can I help you today?", name)
}

// AdvicePrompt renders the advice prompt for balance and the most recent
// transactions in txs.
func AdvicePrompt(balance decimal.Decimal, txs []payment.Transaction) string {
	recent := make([]payment.Transaction, len(txs))
	copy(recent, txs)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Timestamp.Before(recent[j].Timestamp) })
	if len(recent) > AdviceWindow {
		recent = recent[len(recent)-AdviceWindow:]
	}

	data, err := json.Marshal(recent)
	if err != nil {
		data = []byte("[]")
	}

	return "As a financial assistant for SwiftPay UPI, analyze this data:\n" +
		"Current Balance: ₹" + balance.String() + "\n" +
		"Recent Transactions: " + string(data) + "\n" +
		"Provide a 2-sentence summary of spending habits and 1 tip for saving. Keep it encouraging."
}

// SystemInstruction renders the chat persona for the configured rate and bonus.
func SystemInstruction(s payment.Settings) string {
	return "You are SwiftPay Assistant, a friendly financial helper. " +
		"Help users with payments, budgeting, and general queries about the app. " +
		"SwiftPay offers " + s.InterestRate.Mul(decimal.NewFromInt(100)).String() + "% daily interest and ₹" +
		s.BonusAmount.String() + " joining bonus."
}

// Advice summarizes spending habits for the user holding balance.
func (a *Advisor) Advice(ctx context.Context, balance decimal.Decimal, txs []payment.Transaction) string {
	if a.model == nil {
		a.metrics.RecordAssistant("advice", false)
		return AdviceFallback
	}

	text, err := a.model.Generate(ctx, AdvicePrompt(balance, txs))
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).Warn("Advice generation failed")
		a.metrics.RecordAssistant("advice", false)
		return AdviceFallback
	}
	a.metrics.RecordAssistant("advice", true)

	if strings.TrimSpace(text) == "" {
		return EmptyAdvice
	}
	return text
}

// Chat answers message given the prior turns. The returned history holds the
// prior turns, message and the reply, even when the model failed.
func (a *Advisor) Chat(ctx context.Context, history []Message, message string) Reply {
	prior := make([]Message, 0, len(history)+2)
	for _, m := range history {
		if m.Role != RoleUser && m.Role != RoleModel {
			m.Role = RoleUser
		}
		prior = append(prior, m)
	}

	text, ok := ChatFallback, false
	if a.model != nil {
		out, err := a.model.Chat(ctx, SystemInstruction(a.settings), prior, message)
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).Warn("Chat completion failed")
		} else {
			text, ok = out, true
		}
	}
	a.metrics.RecordAssistant("chat", ok)

	next := append(prior,
		Message{Role: RoleUser, Text: message},
		Message{Role: RoleModel, Text: text},
	)
	return Reply{Text: text, History: next}
}
