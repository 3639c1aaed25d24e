package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BoletoIssuedEvent is published after a slip and its PDF are stored, so that the
// notification side can deliver the document to the student.
type BoletoIssuedEvent struct {
	BoletoID           uuid.UUID       `json:"boleto_id"`
	StudentID          uuid.UUID       `json:"student_id"`
	CourseID           uuid.UUID       `json:"course_id"`
	Number             string          `json:"number"`
	Amount             decimal.Decimal `json:"amount"`
	DueDate            string          `json:"due_date"`
	PixDiscountEnabled bool            `json:"pix_discount_enabled"`
	FilePath           string          `json:"file_path"`
	IssuedAt           time.Time       `json:"issued_at"`
}

// PaymentStatusEvent is emitted by the payment side when a slip is settled, expires or is canceled.
type PaymentStatusEvent struct {
	EventID      string           `json:"event_id"`
	EventType    string           `json:"event_type"`
	BoletoNumber string           `json:"boleto_number"`
	Status       string           `json:"status"`
	PaidAmount   *decimal.Decimal `json:"paid_amount,omitempty"`
	Reason       string           `json:"reason"`
	OccurredAt   time.Time        `json:"occurred_at"`
}
