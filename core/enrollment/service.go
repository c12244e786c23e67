package enrollment

import (
	"context"
	"errors"

	"github.com/DICKSON39/elearning/core"
)

var ErrNotFound = errors.New("enrollment not found")

type (
	Repository interface {
		// EnsureEnrollment inserts the enrollment if absent and returns the stored
		// record either way. Implementations must rely on the (student, course)
		// uniqueness constraint (insert-if-absent), not a read-then-write check,
		// so concurrent duplicate calls stay correct.
		EnsureEnrollment(ctx context.Context, enr Enrollment, exec ...core.DBExecutor) (Enrollment, error)
		QueryEnrollments(ctx context.Context, studentID int, exec ...core.DBExecutor) ([]Enrollment, error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// EnsureEnrolled returns the existing enrollment for (student, course) or creates one.
// Safe to call any number of times with identical arguments.
func (svc *Service) EnsureEnrolled(ctx context.Context, studentID, courseID int, exec ...core.DBExecutor) (Enrollment, error) {
	return svc.repo.EnsureEnrollment(ctx, Enrollment{StudentID: studentID, CourseID: courseID}, exec...)
}

func (svc *Service) QueryByStudent(ctx context.Context, studentID int) ([]Enrollment, error) {
	return svc.repo.QueryEnrollments(ctx, studentID)
}
