package course

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/DICKSON39/elearning/core"
)

var ErrNotFound = errors.New("course not found")

type (
	Repository interface {
		GetCourseByID(ctx context.Context, id int, exec ...core.DBExecutor) (Course, error)
	}

	ServiceInterface interface {
		GetByID(ctx context.Context, id int) (Course, error)
		GetPriceByID(ctx context.Context, id int) (decimal.Decimal, error)
	}

	Service struct {
		repo Repository
	}
)

var _ ServiceInterface = (*Service)(nil)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (svc *Service) GetByID(ctx context.Context, id int) (Course, error) {
	return svc.repo.GetCourseByID(ctx, id)
}

func (svc *Service) GetPriceByID(ctx context.Context, id int) (decimal.Decimal, error) {
	crs, err := svc.repo.GetCourseByID(ctx, id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return crs.Price, nil
}
