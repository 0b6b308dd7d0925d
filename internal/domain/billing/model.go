package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/binding"
)

const (
	StatusPending = "Pending"
	StatusPaid    = "Paid"
)

// DefaultPageSize is the invoice list page size when none is requested.
const DefaultPageSize = 10

// DefaultSettleMethod is recorded when a manual settlement names no method.
const DefaultSettleMethod = "Unknown"

// Invoice is the billable summary of services for one visit.
type Invoice struct {
	ID            int64                      `json:"id"`
	InvoiceNumber string                     `json:"invoice_number"`
	PatientID     int64                      `json:"patient_id"`
	VisitID       int64                      `json:"visit_id"`
	TotalAmount   decimal.Decimal            `json:"total_amount"`
	Currency      string                     `json:"currency"`
	Services      map[string]decimal.Decimal `json:"services"`
	Status        string                     `json:"status"`
	PaymentMethod *string                    `json:"payment_method"`
	GeneratedBy   string                     `json:"generated_by"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	PaidAt        *time.Time                 `json:"paid_at"`
}

// IsPaid reports whether the invoice has been settled.
func (i *Invoice) IsPaid() bool { return i.Status == StatusPaid }

// InvoiceNumber derives the number for an invoice issued for visitID at
// issuedAt. Numbers for the same visit differ by issuance second.
func InvoiceNumber(visitID int64, issuedAt time.Time) string {
	return fmt.Sprintf("INV-%d-%d", visitID, issuedAt.Unix())
}

type CreateRequest struct {
	PatientID   *int64                     `json:"patient_id" validate:"required,gt=0"`
	VisitID     *int64                     `json:"visit_id" validate:"required,gt=0"`
	TotalAmount *decimal.Decimal           `json:"total_amount" validate:"required,gt=0"`
	Services    map[string]decimal.Decimal `json:"services" validate:"omitempty,dive,keys,required,endkeys,gte=0"`
}

var createAliases = binding.Aliases{
	"patient_id":   {"patientId"},
	"visit_id":     {"visitId"},
	"total_amount": {"totalAmount"},
}

type PayRequest struct {
	PaymentMethod string `json:"payment_method" validate:"omitempty,max=32"`
}

var payAliases = binding.Aliases{
	"payment_method": {"paymentMethod"},
}

// ListFilter narrows an invoice listing.
type ListFilter struct {
	PatientID *int64
}
