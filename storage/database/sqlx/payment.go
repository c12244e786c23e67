package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/payment"
)

type paymentRow struct {
	ID                int             `db:"id"`
	UserID            int             `db:"user_id"`
	CourseID          int             `db:"course_id"`
	Amount            decimal.Decimal `db:"amount"`
	Status            string          `db:"status"`
	PaymentDate       time.Time       `db:"payment_date"`
	CheckoutRequestID null.String     `db:"checkout_request_id"`
}

type paymentInfoRow struct {
	paymentRow
	CourseTitle string `db:"course_title"`
}

type paymentRepository struct {
	exec core.DBExecutor
}

var _ payment.Repository = (*paymentRepository)(nil) // interface compliance check

func NewPaymentRepository(exec core.DBExecutor) *paymentRepository {
	return &paymentRepository{exec: exec}
}

func (repo paymentRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

func (repo paymentRepository) fromRow(row paymentRow) payment.Payment {
	return payment.Payment{
		ID:                row.ID,
		UserID:            row.UserID,
		CourseID:          row.CourseID,
		Amount:            row.Amount,
		Status:            payment.Status(row.Status),
		PaymentDate:       row.PaymentDate.UTC(),
		CheckoutRequestID: row.CheckoutRequestID.String,
	}
}

// trapNoRowsErr maps psql "no rows" err to payment.ErrNotFound
func (repo paymentRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return payment.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// trapUniqueErr maps a paid-uniqueness violation to payment.ErrAlreadyPaid.
// The partial unique index on (user_id, course_id) WHERE status = 'paid' is
// the serialization point for concurrent duplicate confirmations.
func (repo paymentRepository) trapUniqueErr(err error, msg string) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return payment.ErrAlreadyPaid
	}
	return errors.Wrap(err, msg)
}

func (repo paymentRepository) CreatePayment(ctx context.Context, pmt payment.Payment, exec ...core.DBExecutor) (payment.Payment, error) {
	const q = `
		INSERT INTO payment (user_id, course_id, amount, status, payment_date, checkout_request_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	checkoutRequestID := null.NewString(pmt.CheckoutRequestID, pmt.CheckoutRequestID != "")
	err := repo.getExec(exec).GetContext(
		ctx, &pmt.ID, q,
		pmt.UserID, pmt.CourseID, pmt.Amount, string(pmt.Status), pmt.PaymentDate.UTC(), checkoutRequestID,
	)
	if err != nil {
		return payment.Payment{}, repo.trapUniqueErr(err, "inserting payment")
	}
	return pmt, nil
}

func (repo paymentRepository) GetPayment(ctx context.Context, filter payment.GetFilter, exec ...core.DBExecutor) (payment.Payment, error) {
	var row paymentRow
	var err error
	exe := repo.getExec(exec)

	const cols = "id, user_id, course_id, amount, status, payment_date, checkout_request_id"
	if filter.ID != 0 {
		err = exe.GetContext(ctx, &row, "SELECT "+cols+" FROM payment WHERE id = $1", filter.ID)
		if err != nil {
			return payment.Payment{}, repo.trapNoRowsErr(err, "finding payment by ID")
		}
	} else {
		err = exe.GetContext(ctx, &row, "SELECT "+cols+" FROM payment WHERE checkout_request_id = $1", filter.CheckoutRequestID)
		if err != nil {
			return payment.Payment{}, repo.trapNoRowsErr(err, "finding payment by checkout request ID")
		}
	}

	return repo.fromRow(row), nil
}

func (repo paymentRepository) PaidPaymentExists(ctx context.Context, userID, courseID int, exec ...core.DBExecutor) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM payment WHERE user_id = $1 AND course_id = $2 AND status = 'paid')`

	var exists bool
	if err := repo.getExec(exec).GetContext(ctx, &exists, q, userID, courseID); err != nil {
		return false, errors.Wrap(err, "checking paid payment")
	}
	return exists, nil
}

func (repo paymentRepository) MarkTerminal(ctx context.Context, id int, status payment.Status, exec ...core.DBExecutor) (payment.Payment, error) {
	// the pending-only guard makes repeated confirmations a detectable no-op
	const q = `
		UPDATE payment SET status = $1
		WHERE id = $2 AND status = 'pending'
		RETURNING id, user_id, course_id, amount, status, payment_date, checkout_request_id`

	var row paymentRow
	if err := repo.getExec(exec).GetContext(ctx, &row, q, string(status), id); err != nil {
		if err == sql.ErrNoRows {
			return payment.Payment{}, payment.ErrAlreadyFinal
		}
		return payment.Payment{}, errors.Wrap(err, "marking payment terminal")
	}
	return repo.fromRow(row), nil
}

func (repo paymentRepository) QueryPayments(ctx context.Context, filter *payment.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]payment.Info, error) {
	q := `
		SELECT p.id, p.user_id, p.course_id, p.amount, p.status, p.payment_date, p.checkout_request_id,
		       c.title AS course_title
		FROM payment p
		JOIN course c ON p.course_id = c.id`

	var clauses []string
	var args []interface{}
	if filter != nil {
		if filter.UserID != 0 {
			args = append(args, filter.UserID)
			clauses = append(clauses, fmt.Sprintf("p.user_id = $%d", len(args)))
		}
		if filter.CourseID != 0 {
			args = append(args, filter.CourseID)
			clauses = append(clauses, fmt.Sprintf("p.course_id = $%d", len(args)))
		}
		if filter.Status != "" {
			args = append(args, string(filter.Status))
			clauses = append(clauses, fmt.Sprintf("p.status = $%d", len(args)))
		}
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}

	if len(ordering) > 0 {
		orderList := make([]string, 0, len(ordering))
		for _, ord := range ordering {
			orderList = append(orderList, "p."+ord.String())
		}
		q += " ORDER BY " + strings.Join(orderList, ", ")
	} else {
		q += " ORDER BY p.payment_date DESC"
	}

	var rows []paymentInfoRow
	if err := repo.getExec(exec).SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}

	infos := make([]payment.Info, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, payment.Info{Payment: repo.fromRow(row.paymentRow), CourseTitle: row.CourseTitle})
	}
	return infos, nil
}
