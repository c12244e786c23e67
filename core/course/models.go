package course

import "github.com/shopspring/decimal"

type Course struct {
	ID          int             `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	TeacherID   int             `json:"teacher_id"`
	ImageURL    string          `json:"image_url,omitempty"`
}
