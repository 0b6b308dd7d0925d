package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/binding"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Channel tags stored in payment_method.
const (
	MethodCard  = "stripe"
	MethodMpesa = "mpesa"
	MethodCash  = "cash"

	RefundSuffix = "_refund"
)

// provisionalPrefix marks a reference assigned locally before the gateway
// answered. Such transactions cannot be polled and are expired by age.
const provisionalPrefix = "pending-"

// Transaction is one attempt, or refund, to move money against an invoice.
// Status only ever moves from pending to completed or failed.
type Transaction struct {
	ID               int64           `json:"id"`
	InvoiceID        int64           `json:"invoice_id"`
	PatientID        int64           `json:"patient_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethod    string          `json:"payment_method"`
	GatewayReference string          `json:"gateway_reference"`
	Destination      string          `json:"destination,omitempty"`
	Status           Status          `json:"status"`
	GatewayResponse  json.RawMessage `json:"gateway_response"`
	OriginalID       *int64          `json:"original_id,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
}

func (t *Transaction) IsRefund() bool {
	return strings.HasSuffix(t.PaymentMethod, RefundSuffix)
}

func (t *Transaction) IsProvisional() bool {
	return strings.HasPrefix(t.GatewayReference, provisionalPrefix)
}

// Filter narrows a transaction listing. Zero values match everything.
type Filter struct {
	Status        Status
	PaymentMethod string
	PatientID     *int64
	InvoiceID     *int64
}

type CreateIntentRequest struct {
	InvoiceID *int64           `json:"invoice_id" validate:"required,gt=0"`
	Amount    *decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type InitiatePushRequest struct {
	InvoiceID   *int64           `json:"invoice_id" validate:"required,gt=0"`
	PhoneNumber string           `json:"phone_number" validate:"required,max=32"`
	Amount      *decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

// ConfirmRequest completes an existing transaction when TransactionID is set,
// otherwise records a completed manual payment against InvoiceID.
type ConfirmRequest struct {
	TransactionID *int64           `json:"transaction_id" validate:"omitempty,gt=0"`
	InvoiceID     *int64           `json:"invoice_id" validate:"omitempty,gt=0"`
	PaymentMethod string           `json:"payment_method" validate:"omitempty,max=24"`
	Amount        *decimal.Decimal `json:"amount" validate:"omitempty,gt=0"`
}

type RefundTransactionRequest struct {
	TransactionID *int64           `json:"transaction_id" validate:"required,gt=0"`
	Amount        *decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Reason        string           `json:"reason" validate:"max=255"`
}

var (
	invoiceAliases = binding.Aliases{
		"invoice_id": {"invoiceId"},
	}
	pushAliases = binding.Aliases{
		"invoice_id":   {"invoiceId"},
		"phone_number": {"phoneNumber", "phone"},
	}
	confirmAliases = binding.Aliases{
		"transaction_id": {"transactionId"},
		"invoice_id":     {"invoiceId"},
		"payment_method": {"paymentMethod", "method"},
	}
	refundAliases = binding.Aliases{
		"transaction_id": {"transactionId"},
		"amount":         {"refund_amount", "refundAmount"},
	}
)

type IntentResponse struct {
	ClientSecret     string `json:"client_secret"`
	TransactionID    int64  `json:"transaction_id"`
	GatewayReference string `json:"gateway_reference"`
	Status           Status `json:"status"`
	Simulated        bool   `json:"simulated"`
}

type PushResponse struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerPrompt    string `json:"customer_prompt"`
	TransactionID     int64  `json:"transaction_id"`
	Destination       string `json:"destination"`
	Status            Status `json:"status"`
	Simulated         bool   `json:"simulated"`
}

type TransactionResponse struct {
	TransactionID int64        `json:"transaction_id"`
	Transaction   *Transaction `json:"transaction"`
}

type StatusResponse struct {
	Status      Status       `json:"status"`
	Message     string       `json:"message,omitempty"`
	Transaction *Transaction `json:"transaction"`
}

type ListResponse struct {
	Transactions []*Transaction `json:"transactions"`
	Total        int            `json:"total"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
	HasMore      bool           `json:"has_more"`
}
