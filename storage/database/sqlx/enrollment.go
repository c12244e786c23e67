package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/enrollment"
)

type enrollmentRepository struct {
	exec core.DBExecutor
}

var _ enrollment.Repository = (*enrollmentRepository)(nil) // interface compliance check

func NewEnrollmentRepository(exec core.DBExecutor) *enrollmentRepository {
	return &enrollmentRepository{exec: exec}
}

func (repo enrollmentRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

func (repo enrollmentRepository) EnsureEnrollment(ctx context.Context, enr enrollment.Enrollment, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	// single conditional insert; the unique (student_id, course_id) constraint
	// absorbs concurrent duplicate calls without a check-then-act race
	const insertQ = `
		INSERT INTO enrollment (student_id, course_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, course_id) DO NOTHING
		RETURNING id`

	exe := repo.getExec(exec)
	err := exe.GetContext(ctx, &enr.ID, insertQ, enr.StudentID, enr.CourseID)
	if err == nil {
		return enr, nil
	}
	if err != sql.ErrNoRows {
		return enrollment.Enrollment{}, errors.Wrap(err, "inserting enrollment")
	}

	// conflict: the enrollment already exists, return it
	const selectQ = `SELECT id FROM enrollment WHERE student_id = $1 AND course_id = $2`
	if err = exe.GetContext(ctx, &enr.ID, selectQ, enr.StudentID, enr.CourseID); err != nil {
		return enrollment.Enrollment{}, errors.Wrap(err, "finding enrollment")
	}
	return enr, nil
}

func (repo enrollmentRepository) QueryEnrollments(ctx context.Context, studentID int, exec ...core.DBExecutor) ([]enrollment.Enrollment, error) {
	const q = `SELECT id, student_id, course_id FROM enrollment WHERE student_id = $1 ORDER BY id`

	var rows []struct {
		ID        int `db:"id"`
		StudentID int `db:"student_id"`
		CourseID  int `db:"course_id"`
	}
	if err := repo.getExec(exec).SelectContext(ctx, &rows, q, studentID); err != nil {
		return nil, errors.Wrap(err, "querying enrollments")
	}

	enrs := make([]enrollment.Enrollment, 0, len(rows))
	for _, row := range rows {
		enrs = append(enrs, enrollment.Enrollment{ID: row.ID, StudentID: row.StudentID, CourseID: row.CourseID})
	}
	return enrs, nil
}
