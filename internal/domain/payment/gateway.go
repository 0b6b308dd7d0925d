package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/shopspring/decimal"
)

// Result is a gateway's verdict on a transaction.
type Result string

const (
	ResultSuccess Result = "success"
	ResultPending Result = "pending"
	ResultFailed  Result = "failed"
)

// GatewayResult is a verdict plus the payload it arrived in.
type GatewayResult struct {
	Result Result
	Raw    json.RawMessage
}

type IntentRequest struct {
	InvoiceID      int64
	InvoiceNumber  string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type Intent struct {
	ClientHandle string
	Reference    string
	Raw          json.RawMessage
	Simulated    bool
}

type PushRequest struct {
	InvoiceNumber string
	Amount        decimal.Decimal
	Destination   string
}

type Push struct {
	Reference      string
	CustomerPrompt string
	Raw            json.RawMessage
	Simulated      bool
}

type RefundRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Reason    string
}

type RefundResult struct {
	Reference string
	Raw       json.RawMessage
	Simulated bool
}

// StatusQuerier asks a gateway for the current verdict on a reference.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (GatewayResult, error)
}

type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// CardGateway is a channel where the client confirms an intent itself.
type CardGateway interface {
	Method() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// Cancel abandons an intent the client has not confirmed. It fails if the
	// payment already went through.
	Cancel(ctx context.Context, reference string) error
	StatusQuerier
	Refunder
}

// PushGateway is a channel that prompts the payer's device.
type PushGateway interface {
	Method() string
	InitiatePush(ctx context.Context, req PushRequest) (*Push, error)
	StatusQuerier
}

// isTimeout reports whether err means the gateway did not answer in time, as
// opposed to answering with a refusal.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
