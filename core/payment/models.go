package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/DICKSON39/elearning/core"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Payment is one ledger entry for a payment attempt. Entries are append-only:
// a pending entry is transitioned to paid or failed exactly once and never deleted.
type Payment struct {
	ID                int             `json:"id"`
	UserID            int             `json:"user_id"`
	CourseID          int             `json:"course_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            Status          `json:"status"`
	PaymentDate       time.Time       `json:"payment_date"` // UTC
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
}

func (p *Payment) IsFinal() bool {
	return p.Status == StatusPaid || p.Status == StatusFailed
}

// Info is a Payment joined with its course title, for listings.
type Info struct {
	Payment
	CourseTitle string `json:"course_title"`
}

// Student identifies the authenticated caller of the payment entry points.
// Supplied by the identity middleware from JWT claims.
type Student struct {
	ID    int
	Email string
}

// CardIntent is the provider-side intent handed back to the client for
// out-of-band card confirmation.
type CardIntent struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
}

// CardConfirmation is the provider's verdict on a card intent.
type CardConfirmation struct {
	Succeeded bool
	Amount    decimal.Decimal
}

// STKCallback is the business payload of a mobile-money confirmation callback.
// ResultCode 0 means the customer completed the payment.
type STKCallback struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
}

// CardPaymentRequest starts the two-phase card flow.
type CardPaymentRequest struct {
	CourseID int `json:"course_id" validate:"required"`
}

func (r *CardPaymentRequest) Validate() error { return core.Validate.Struct(r) }

// CardConfirmRequest finalizes a card payment after client-side confirmation.
type CardConfirmRequest struct {
	CourseID int    `json:"course_id" validate:"required"`
	IntentID string `json:"intent_id" validate:"required"`
}

func (r *CardConfirmRequest) Validate() error {
	r.IntentID = core.CleanString(r.IntentID)
	return core.Validate.Struct(r)
}

// MobilePaymentRequest starts an STK-push payment.
type MobilePaymentRequest struct {
	CourseID int             `json:"course_id" validate:"required"`
	Phone    string          `json:"phone" validate:"required,kephone"`
	Amount   decimal.Decimal `json:"amount"`
}

func (r *MobilePaymentRequest) Validate() error {
	r.Phone = core.CleanString(r.Phone)
	if err := core.Validate.Struct(r); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return core.NewValidationError(nil, core.FieldError{Field: "amount", Error: "must be greater than 0"})
	}
	return nil
}

type QueryFilter struct {
	UserID   int    `query:"user_id"`
	CourseID int    `query:"course_id"`
	Status   Status `query:"status"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.UserID == 0 && qf.CourseID == 0 && qf.Status == ""
}

type GetFilter struct {
	ID                int
	CheckoutRequestID string
}
