package payment

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/course"
	"github.com/DICKSON39/elearning/core/enrollment"
)

var (
	// errors
	ErrNotFound     = errors.New("payment not found")
	ErrAlreadyPaid  = errors.New("course already paid for")
	ErrAlreadyFinal = errors.New("payment already in a terminal state")

	errAmountMismatch = "amount does not match the course price"
)

type (
	Repository interface {
		CreatePayment(ctx context.Context, pmt Payment, exec ...core.DBExecutor) (Payment, error)
		// GetPayment looks a payment up by ID or by checkout request ID.
		GetPayment(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (Payment, error)
		PaidPaymentExists(ctx context.Context, userID, courseID int, exec ...core.DBExecutor) (bool, error)
		// MarkTerminal transitions a pending payment to paid or failed. Returns
		// ErrAlreadyFinal when the record is no longer pending so double
		// deliveries can be absorbed.
		MarkTerminal(ctx context.Context, id int, status Status, exec ...core.DBExecutor) (Payment, error)
		QueryPayments(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Info, error)
	}

	ServiceInterface interface {
		StartCardPayment(ctx context.Context, student Student, courseID int) (CardIntent, error)
		ConfirmCardPayment(ctx context.Context, student Student, courseID int, intentID string) (Payment, error)
		StartMobileMoneyPayment(ctx context.Context, student Student, courseID int, phone string, amount decimal.Decimal) (Payment, error)
		HandleMobileMoneyCallback(ctx context.Context, cb STKCallback) error
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Info, error)
	}

	Service struct {
		db        core.DB
		repo      Repository
		courseSvc course.ServiceInterface
		enrollSvc *enrollment.Service
		card      CardProvider
		mobile    MobileMoneyProvider
		mailSvc   core.EmailService
	}
)

var _ ServiceInterface = (*Service)(nil)

func NewService(
	db core.DB,
	repo Repository,
	courseSvc course.ServiceInterface,
	enrollSvc *enrollment.Service,
	card CardProvider,
	mobile MobileMoneyProvider,
	mailSvc core.EmailService,
) *Service {
	return &Service{
		db:        db,
		repo:      repo,
		courseSvc: courseSvc,
		enrollSvc: enrollSvc,
		card:      card,
		mobile:    mobile,
		mailSvc:   mailSvc,
	}
}

// StartCardPayment creates a provider intent for the course price and returns
// it for client-side confirmation. No ledger entry is written until
// ConfirmCardPayment reports the intent succeeded.
func (svc *Service) StartCardPayment(ctx context.Context, student Student, courseID int) (CardIntent, error) {
	price, err := svc.courseSvc.GetPriceByID(ctx, courseID)
	if err != nil {
		return CardIntent{}, err
	}
	if err = svc.checkNotPaid(ctx, student.ID, courseID); err != nil {
		return CardIntent{}, err
	}

	meta := map[string]string{
		"user_id":   strconv.Itoa(student.ID),
		"course_id": strconv.Itoa(courseID),
	}
	intent, err := svc.card.CreateIntent(ctx, minorUnits(price), core.Conf.Stripe.Currency, meta)
	if err != nil {
		return CardIntent{}, pkgerrors.Wrap(err, "creating payment intent")
	}
	return intent, nil
}

// ConfirmCardPayment verifies the intent with the provider and, if it
// succeeded, records the paid ledger entry and the enrollment in one
// transaction. A concurrent duplicate confirmation loses the paid-uniqueness
// race and gets ErrAlreadyPaid; a provider "not succeeded" leaves no trace and
// is retryable.
func (svc *Service) ConfirmCardPayment(ctx context.Context, student Student, courseID int, intentID string) (Payment, error) {
	conf, err := svc.card.VerifyIntent(ctx, intentID)
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "verifying payment intent")
	}
	if !conf.Succeeded {
		return Payment{}, ErrNotConfirmed
	}

	pmt := Payment{
		UserID:      student.ID,
		CourseID:    courseID,
		Amount:      conf.Amount,
		Status:      StatusPaid,
		PaymentDate: time.Now().UTC(),
	}

	tx, err := svc.db.BeginTxx(ctx, nil)
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if pmt, err = svc.repo.CreatePayment(ctx, pmt, tx); err != nil {
		return Payment{}, err // ErrAlreadyPaid on paid-uniqueness violation
	}
	if _, err = svc.enrollSvc.EnsureEnrolled(ctx, student.ID, courseID, tx); err != nil {
		return Payment{}, pkgerrors.Wrap(err, "ensuring enrollment")
	}
	if err = tx.Commit(); err != nil {
		return Payment{}, pkgerrors.Wrap(err, "committing transaction")
	}

	svc.sendReceipt(student, pmt)
	return pmt, nil
}

// StartMobileMoneyPayment initiates an STK push and records a pending ledger
// entry keyed by the returned checkout request ID. Confirmation arrives later
// via HandleMobileMoneyCallback.
func (svc *Service) StartMobileMoneyPayment(
	ctx context.Context,
	student Student,
	courseID int,
	phone string,
	amount decimal.Decimal,
) (Payment, error) {
	price, err := svc.courseSvc.GetPriceByID(ctx, courseID)
	if err != nil {
		return Payment{}, err
	}
	if !amount.Equal(price) {
		return Payment{}, core.NewValidationError(nil, core.FieldError{Field: "amount", Error: errAmountMismatch})
	}
	if err = svc.checkNotPaid(ctx, student.ID, courseID); err != nil {
		return Payment{}, err
	}

	checkoutRequestID, err := svc.mobile.InitiatePush(ctx, phone, amount)
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "initiating STK push")
	}

	pmt := Payment{
		UserID:            student.ID,
		CourseID:          courseID,
		Amount:            amount,
		Status:            StatusPending,
		PaymentDate:       time.Now().UTC(),
		CheckoutRequestID: checkoutRequestID,
	}
	if pmt, err = svc.repo.CreatePayment(ctx, pmt); err != nil {
		return Payment{}, pkgerrors.Wrap(err, "recording pending payment")
	}
	return pmt, nil
}

// HandleMobileMoneyCallback applies a provider confirmation to the pending
// payment it refers to. Unknown tokens return ErrNotFound and never fabricate
// a record; repeated deliveries of a terminal payment are no-ops. The terminal
// transition and the enrollment ride in one transaction, with MarkTerminal's
// pending-only guard as the serialization point.
func (svc *Service) HandleMobileMoneyCallback(ctx context.Context, cb STKCallback) error {
	pmt, err := svc.repo.GetPayment(ctx, GetFilter{CheckoutRequestID: cb.CheckoutRequestID})
	if err != nil {
		return err
	}
	if pmt.IsFinal() {
		return nil
	}

	status := StatusFailed
	if cb.ResultCode == 0 {
		status = StatusPaid
	}

	tx, err := svc.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if pmt, err = svc.repo.MarkTerminal(ctx, pmt.ID, status, tx); err != nil {
		if pkgerrors.Cause(err) == ErrAlreadyFinal {
			return nil // a concurrent delivery won the race
		}
		return err
	}
	if status == StatusPaid {
		if _, err = svc.enrollSvc.EnsureEnrolled(ctx, pmt.UserID, pmt.CourseID, tx); err != nil {
			return pkgerrors.Wrap(err, "ensuring enrollment")
		}
	}
	if err = tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "committing transaction")
	}
	return nil
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Info, error) {
	return svc.repo.QueryPayments(ctx, filter, ordering)
}

func (svc *Service) checkNotPaid(ctx context.Context, userID, courseID int) error {
	exists, err := svc.repo.PaidPaymentExists(ctx, userID, courseID)
	if err != nil {
		return pkgerrors.Wrap(err, "checking for prior payment")
	}
	if exists {
		return ErrAlreadyPaid
	}
	return nil
}

func (svc *Service) sendReceipt(student Student, pmt Payment) {
	if svc.mailSvc == nil || student.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Address: student.Email}},
		Subject: "Payment received",
		BodyStr: fmt.Sprintf(
			"We received your payment of %s for course #%d. You are now enrolled.",
			pmt.Amount.StringFixed(2), pmt.CourseID,
		),
	})
}

// minorUnits converts a decimal amount to the integer minor units card
// providers expect (e.g. 500.00 -> 50000).
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
