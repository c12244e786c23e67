package payment

import (
	"context"
	"database/sql"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/course"
	"github.com/DICKSON39/elearning/core/enrollment"
	emailsvc "github.com/DICKSON39/elearning/services/email"
)

// ------------------------------------------------- fakes

type fakeTx struct{ fakeExecutor }

func (tx *fakeTx) Commit() error   { return nil }
func (tx *fakeTx) Rollback() error { return nil }

type fakeExecutor struct{}

func (fakeExecutor) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (fakeExecutor) GetContext(context.Context, interface{}, string, ...interface{}) error {
	return nil
}
func (fakeExecutor) SelectContext(context.Context, interface{}, string, ...interface{}) error {
	return nil
}

type fakeDB struct{ fakeExecutor }

func (db *fakeDB) BeginTxx(context.Context, *sql.TxOptions) (core.DBTransactor, error) {
	return &fakeTx{}, nil
}

type fakeCourseSvc struct {
	prices map[int]decimal.Decimal
}

func (svc *fakeCourseSvc) GetByID(ctx context.Context, id int) (course.Course, error) {
	price, ok := svc.prices[id]
	if !ok {
		return course.Course{}, course.ErrNotFound
	}
	return course.Course{ID: id, Price: price}, nil
}

func (svc *fakeCourseSvc) GetPriceByID(ctx context.Context, id int) (decimal.Decimal, error) {
	price, ok := svc.prices[id]
	if !ok {
		return decimal.Decimal{}, course.ErrNotFound
	}
	return price, nil
}

// fakeEnrollmentRepo upserts on the (student, course) key, like the partial
// unique index does in Postgres.
type fakeEnrollmentRepo struct {
	mu     sync.Mutex
	nextID int
	rows   map[[2]int]enrollment.Enrollment
}

func newFakeEnrollmentRepo() *fakeEnrollmentRepo {
	return &fakeEnrollmentRepo{rows: make(map[[2]int]enrollment.Enrollment)}
}

func (r *fakeEnrollmentRepo) EnsureEnrollment(ctx context.Context, enr enrollment.Enrollment, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]int{enr.StudentID, enr.CourseID}
	if existing, ok := r.rows[key]; ok {
		return existing, nil
	}
	r.nextID++
	enr.ID = r.nextID
	r.rows[key] = enr
	return enr, nil
}

func (r *fakeEnrollmentRepo) QueryEnrollments(ctx context.Context, studentID int, exec ...core.DBExecutor) ([]enrollment.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var enrs []enrollment.Enrollment
	for _, enr := range r.rows {
		if enr.StudentID == studentID {
			enrs = append(enrs, enr)
		}
	}
	return enrs, nil
}

func (r *fakeEnrollmentRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// fakePaymentRepo mirrors the database guarantees the service leans on: at
// most one paid row per (user, course), and pending-only terminal transitions.
type fakePaymentRepo struct {
	mu     sync.Mutex
	nextID int
	rows   map[int]Payment
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{rows: make(map[int]Payment)}
}

func (r *fakePaymentRepo) CreatePayment(ctx context.Context, pmt Payment, exec ...core.DBExecutor) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pmt.Status == StatusPaid {
		for _, row := range r.rows {
			if row.Status == StatusPaid && row.UserID == pmt.UserID && row.CourseID == pmt.CourseID {
				return Payment{}, ErrAlreadyPaid
			}
		}
	}
	r.nextID++
	pmt.ID = r.nextID
	r.rows[pmt.ID] = pmt
	return pmt, nil
}

func (r *fakePaymentRepo) GetPayment(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if filter.ID != 0 {
		if pmt, ok := r.rows[filter.ID]; ok {
			return pmt, nil
		}
		return Payment{}, ErrNotFound
	}
	for _, pmt := range r.rows {
		if filter.CheckoutRequestID != "" && pmt.CheckoutRequestID == filter.CheckoutRequestID {
			return pmt, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (r *fakePaymentRepo) PaidPaymentExists(ctx context.Context, userID, courseID int, exec ...core.DBExecutor) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pmt := range r.rows {
		if pmt.Status == StatusPaid && pmt.UserID == userID && pmt.CourseID == courseID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakePaymentRepo) MarkTerminal(ctx context.Context, id int, status Status, exec ...core.DBExecutor) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pmt, ok := r.rows[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if pmt.Status != StatusPending {
		return Payment{}, ErrAlreadyFinal
	}
	pmt.Status = status
	r.rows[id] = pmt
	return pmt, nil
}

func (r *fakePaymentRepo) QueryPayments(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var infos []Info
	for _, pmt := range r.rows {
		if filter != nil {
			if filter.UserID != 0 && pmt.UserID != filter.UserID {
				continue
			}
			if filter.CourseID != 0 && pmt.CourseID != filter.CourseID {
				continue
			}
			if filter.Status != "" && pmt.Status != filter.Status {
				continue
			}
		}
		infos = append(infos, Info{Payment: pmt})
	}
	return infos, nil
}

func (r *fakePaymentRepo) countByStatus(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, pmt := range r.rows {
		if pmt.Status == status {
			n++
		}
	}
	return n
}

type fakeCard struct {
	intentErr   error
	verifyErr   error
	succeeded   bool
	amount      decimal.Decimal
	createCalls int32
}

func (c *fakeCard) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (CardIntent, error) {
	atomic.AddInt32(&c.createCalls, 1)
	if c.intentErr != nil {
		return CardIntent{}, c.intentErr
	}
	return CardIntent{IntentID: "pi_test", ClientSecret: "pi_test_secret"}, nil
}

func (c *fakeCard) VerifyIntent(ctx context.Context, intentID string) (CardConfirmation, error) {
	if c.verifyErr != nil {
		return CardConfirmation{}, c.verifyErr
	}
	return CardConfirmation{Succeeded: c.succeeded, Amount: c.amount}, nil
}

type fakeMobile struct {
	err       error
	token     string
	pushCalls int32
}

func (m *fakeMobile) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal) (string, error) {
	atomic.AddInt32(&m.pushCalls, 1)
	if m.err != nil {
		return "", m.err
	}
	return m.token, nil
}

// ------------------------------------------------- harness

type serviceFixture struct {
	svc        *Service
	repo       *fakePaymentRepo
	enrollRepo *fakeEnrollmentRepo
	card       *fakeCard
	mobile     *fakeMobile
	mail       interface{ SentMessages() []core.EmailMessage }
}

func newServiceFixture(prices map[int]decimal.Decimal, card *fakeCard, mobile *fakeMobile) *serviceFixture {
	repo := newFakePaymentRepo()
	enrollRepo := newFakeEnrollmentRepo()
	mail := emailsvc.NewConsoleServiceMock(log.New(os.Stdout, "", 0))
	svc := NewService(
		&fakeDB{},
		repo,
		&fakeCourseSvc{prices: prices},
		enrollment.NewService(enrollRepo),
		card,
		mobile,
		mail,
	)
	return &serviceFixture{svc: svc, repo: repo, enrollRepo: enrollRepo, card: card, mobile: mobile, mail: mail}
}

var (
	testStudent = Student{ID: 7, Email: "student@test.local"}
	testPrice   = decimal.NewFromInt(1500)
)

// ------------------------------------------------- card flow

func TestStartCardPayment(t *testing.T) {
	ctx := context.Background()
	prices := map[int]decimal.Decimal{1: testPrice}

	t.Run("unknown course", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{})
		_, err := fix.svc.StartCardPayment(ctx, testStudent, 99)
		assert.Equal(t, course.ErrNotFound, pkgerrors.Cause(err))
		assert.EqualValues(t, 0, fix.card.createCalls)
	})

	t.Run("already paid", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{})
		_, err := fix.repo.CreatePayment(ctx, Payment{UserID: testStudent.ID, CourseID: 1, Status: StatusPaid})
		require.NoError(t, err)

		_, err = fix.svc.StartCardPayment(ctx, testStudent, 1)
		assert.Equal(t, ErrAlreadyPaid, pkgerrors.Cause(err))
		assert.EqualValues(t, 0, fix.card.createCalls)
	})

	t.Run("success writes nothing", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{})
		intent, err := fix.svc.StartCardPayment(ctx, testStudent, 1)
		require.NoError(t, err)
		assert.Equal(t, "pi_test", intent.IntentID)
		assert.NotEmpty(t, intent.ClientSecret)

		// the ledger records outcomes, not attempts
		assert.Empty(t, fix.repo.rows)
	})

	t.Run("provider error", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{intentErr: ErrProviderUnavailable}, &fakeMobile{})
		_, err := fix.svc.StartCardPayment(ctx, testStudent, 1)
		assert.Equal(t, ErrProviderUnavailable, pkgerrors.Cause(err))
		assert.Empty(t, fix.repo.rows)
	})
}

func TestConfirmCardPayment(t *testing.T) {
	ctx := context.Background()
	prices := map[int]decimal.Decimal{1: testPrice}

	t.Run("not succeeded leaves no trace", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{succeeded: false}, &fakeMobile{})
		_, err := fix.svc.ConfirmCardPayment(ctx, testStudent, 1, "pi_test")
		assert.Equal(t, ErrNotConfirmed, pkgerrors.Cause(err))
		assert.Empty(t, fix.repo.rows)
		assert.Zero(t, fix.enrollRepo.count())
	})

	t.Run("success records payment and enrollment", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{succeeded: true, amount: testPrice}, &fakeMobile{})
		pmt, err := fix.svc.ConfirmCardPayment(ctx, testStudent, 1, "pi_test")
		require.NoError(t, err)

		assert.Equal(t, StatusPaid, pmt.Status)
		assert.True(t, pmt.Amount.Equal(testPrice))
		assert.Equal(t, 1, fix.repo.countByStatus(StatusPaid))
		assert.Equal(t, 1, fix.enrollRepo.count())

		sent := fix.mail.SentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, testStudent.Email, sent[0].To[0].Address)
	})

	t.Run("second confirmation rejected", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{succeeded: true, amount: testPrice}, &fakeMobile{})
		_, err := fix.svc.ConfirmCardPayment(ctx, testStudent, 1, "pi_test")
		require.NoError(t, err)

		_, err = fix.svc.ConfirmCardPayment(ctx, testStudent, 1, "pi_test")
		assert.Equal(t, ErrAlreadyPaid, pkgerrors.Cause(err))
		assert.Equal(t, 1, fix.repo.countByStatus(StatusPaid))
		assert.Equal(t, 1, fix.enrollRepo.count())
	})

	t.Run("concurrent confirmations record exactly one payment", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{succeeded: true, amount: testPrice}, &fakeMobile{})

		const workers = 8
		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := fix.svc.ConfirmCardPayment(ctx, testStudent, 1, "pi_test")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var succeeded int
		for err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.Equal(t, ErrAlreadyPaid, pkgerrors.Cause(err))
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, fix.repo.countByStatus(StatusPaid))
		assert.Equal(t, 1, fix.enrollRepo.count())
	})
}

// ------------------------------------------------- mobile-money flow

func TestStartMobileMoneyPayment(t *testing.T) {
	ctx := context.Background()
	prices := map[int]decimal.Decimal{1: testPrice}
	phone := "0712345678"

	t.Run("amount mismatch", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		_, err := fix.svc.StartMobileMoneyPayment(ctx, testStudent, 1, phone, decimal.NewFromInt(100))

		var vErr *core.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.EqualValues(t, 0, fix.mobile.pushCalls)
		assert.Empty(t, fix.repo.rows)
	})

	t.Run("already paid", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		_, err := fix.repo.CreatePayment(ctx, Payment{UserID: testStudent.ID, CourseID: 1, Status: StatusPaid})
		require.NoError(t, err)

		_, err = fix.svc.StartMobileMoneyPayment(ctx, testStudent, 1, phone, testPrice)
		assert.Equal(t, ErrAlreadyPaid, pkgerrors.Cause(err))
		assert.EqualValues(t, 0, fix.mobile.pushCalls)
	})

	t.Run("success records pending payment", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		pmt, err := fix.svc.StartMobileMoneyPayment(ctx, testStudent, 1, phone, testPrice)
		require.NoError(t, err)

		assert.Equal(t, StatusPending, pmt.Status)
		assert.Equal(t, "ws_CO_1", pmt.CheckoutRequestID)
		assert.Equal(t, 1, fix.repo.countByStatus(StatusPending))
		assert.Zero(t, fix.enrollRepo.count())
	})

	t.Run("provider error records nothing", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{err: ErrProviderUnavailable})
		_, err := fix.svc.StartMobileMoneyPayment(ctx, testStudent, 1, phone, testPrice)
		assert.Equal(t, ErrProviderUnavailable, pkgerrors.Cause(err))
		assert.Empty(t, fix.repo.rows)
	})
}

func TestHandleMobileMoneyCallback(t *testing.T) {
	ctx := context.Background()
	prices := map[int]decimal.Decimal{1: testPrice}

	startPending := func(t *testing.T, fix *serviceFixture) Payment {
		pmt, err := fix.svc.StartMobileMoneyPayment(ctx, testStudent, 1, "0712345678", testPrice)
		require.NoError(t, err)
		return pmt
	}

	t.Run("success marks paid and enrolls", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		startPending(t, fix)

		err := fix.svc.HandleMobileMoneyCallback(ctx, STKCallback{CheckoutRequestID: "ws_CO_1"})
		require.NoError(t, err)

		pmt, err := fix.repo.GetPayment(ctx, GetFilter{CheckoutRequestID: "ws_CO_1"})
		require.NoError(t, err)
		assert.Equal(t, StatusPaid, pmt.Status)
		assert.Equal(t, 1, fix.enrollRepo.count())
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		startPending(t, fix)

		cb := STKCallback{CheckoutRequestID: "ws_CO_1"}
		require.NoError(t, fix.svc.HandleMobileMoneyCallback(ctx, cb))
		require.NoError(t, fix.svc.HandleMobileMoneyCallback(ctx, cb))

		assert.Equal(t, 1, fix.repo.countByStatus(StatusPaid))
		assert.Equal(t, 1, fix.enrollRepo.count())
	})

	t.Run("failure marks failed without enrollment", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		startPending(t, fix)

		err := fix.svc.HandleMobileMoneyCallback(ctx, STKCallback{
			CheckoutRequestID: "ws_CO_1",
			ResultCode:        1032,
			ResultDesc:        "Request cancelled by user",
		})
		require.NoError(t, err)

		pmt, err := fix.repo.GetPayment(ctx, GetFilter{CheckoutRequestID: "ws_CO_1"})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, pmt.Status)
		assert.Zero(t, fix.enrollRepo.count())
	})

	t.Run("failed attempt does not block a retry", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		startPending(t, fix)
		require.NoError(t, fix.svc.HandleMobileMoneyCallback(ctx, STKCallback{
			CheckoutRequestID: "ws_CO_1", ResultCode: 1,
		}))

		fix.mobile.token = "ws_CO_2"
		pmt, err := fix.svc.StartMobileMoneyPayment(ctx, testStudent, 1, "0712345678", testPrice)
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_2", pmt.CheckoutRequestID)

		require.NoError(t, fix.svc.HandleMobileMoneyCallback(ctx, STKCallback{CheckoutRequestID: "ws_CO_2"}))
		assert.Equal(t, 1, fix.repo.countByStatus(StatusPaid))
		assert.Equal(t, 1, fix.repo.countByStatus(StatusFailed))
		assert.Equal(t, 1, fix.enrollRepo.count())
	})

	t.Run("unknown token mutates nothing", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		startPending(t, fix)

		err := fix.svc.HandleMobileMoneyCallback(ctx, STKCallback{CheckoutRequestID: "ws_CO_unknown"})
		assert.Equal(t, ErrNotFound, pkgerrors.Cause(err))
		assert.Equal(t, 1, fix.repo.countByStatus(StatusPending))
		assert.Zero(t, fix.enrollRepo.count())
	})

	t.Run("concurrent deliveries enroll once", func(t *testing.T) {
		fix := newServiceFixture(prices, &fakeCard{}, &fakeMobile{token: "ws_CO_1"})
		startPending(t, fix)

		const deliveries = 8
		var wg sync.WaitGroup
		for i := 0; i < deliveries; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, fix.svc.HandleMobileMoneyCallback(ctx, STKCallback{CheckoutRequestID: "ws_CO_1"}))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, fix.repo.countByStatus(StatusPaid))
		assert.Equal(t, 1, fix.enrollRepo.count())
	})
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	fix := newServiceFixture(map[int]decimal.Decimal{1: testPrice}, &fakeCard{}, &fakeMobile{})

	for _, pmt := range []Payment{
		{UserID: 7, CourseID: 1, Status: StatusPaid},
		{UserID: 7, CourseID: 2, Status: StatusFailed},
		{UserID: 8, CourseID: 1, Status: StatusPaid},
	} {
		_, err := fix.repo.CreatePayment(ctx, pmt)
		require.NoError(t, err)
	}

	infos, err := fix.svc.Query(ctx, &QueryFilter{UserID: 7}, nil)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	infos, err = fix.svc.Query(ctx, &QueryFilter{Status: StatusPaid}, nil)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}
