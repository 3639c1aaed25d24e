/**
 * @description
 * This file defines the core domain models for the boleto-service. Students, courses and
 * enrollments are mirrored from the LMS by the sync job and are read-only here; boletos
 * (financial slips) are created by the ingestion engine.
 *
 * @notes
 * - Amounts use shopspring/decimal so that percentage discounts can be rounded exactly.
 * - A boleto number is globally unique and never reused, even after cancellation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnrollmentStatus is the mirrored LMS state of a matrícula.
type EnrollmentStatus string

const (
	EnrollmentActive   EnrollmentStatus = "active"
	EnrollmentInactive EnrollmentStatus = "inactive"
)

// BoletoStatus is the lifecycle state of a financial slip.
type BoletoStatus string

const (
	BoletoPending  BoletoStatus = "pending"
	BoletoPaid     BoletoStatus = "paid"
	BoletoOverdue  BoletoStatus = "overdue"
	BoletoCanceled BoletoStatus = "canceled"
)

// Student is keyed by CPF (TaxID, digits only) and owned by the LMS sync job.
type Student struct {
	ID           uuid.UUID  `json:"id"`
	TaxID        string     `json:"tax_id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	CampusID     uuid.UUID  `json:"campus_id"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Course maps a local course to its LMS counterpart.
type Course struct {
	ID         uuid.UUID `json:"id"`
	CampusID   uuid.UUID `json:"campus_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
}

// Enrollment is unique per (StudentID, CourseID). A missing row means the pair was never
// observed by the sync job; an inactive row means it was observed and is not current.
type Enrollment struct {
	StudentID uuid.UUID        `json:"student_id"`
	CourseID  uuid.UUID        `json:"course_id"`
	Status    EnrollmentStatus `json:"status"`
	SyncedAt  time.Time        `json:"synced_at"`
}

// Boleto is the financial slip row. It maps directly to the `boletos` table.
type Boleto struct {
	ID                 uuid.UUID        `json:"id"`
	StudentID          uuid.UUID        `json:"student_id"`
	CourseID           uuid.UUID        `json:"course_id"`
	Number             string           `json:"number"`
	Amount             decimal.Decimal  `json:"amount"`
	DueDate            time.Time        `json:"due_date"`
	Description        *string          `json:"description,omitempty"`
	Status             BoletoStatus     `json:"status"`
	PaidAmount         *decimal.Decimal `json:"paid_amount,omitempty"`
	PixDiscountEnabled bool             `json:"pix_discount_enabled"`
	FilePath           string           `json:"file_path"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// DiscountType selects how a PIX discount is computed.
type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// EligibilityCondition restricts when a discount may be used.
type EligibilityCondition string

const (
	EligibleUntilDueDate EligibilityCondition = "until_due_date"
)

// DiscountConfig is the per-campus PIX discount rule.
type DiscountConfig struct {
	ID                uuid.UUID            `json:"id"`
	CampusID          uuid.UUID            `json:"campus_id"`
	DiscountType      DiscountType         `json:"discount_type"`
	FixedAmount       decimal.Decimal      `json:"fixed_amount"`
	Percentage        decimal.Decimal      `json:"percentage"`
	MinimumSlipAmount decimal.Decimal      `json:"minimum_slip_amount"`
	Condition         EligibilityCondition `json:"eligibility_condition"`
	Active            bool                 `json:"active"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// DiscountDecision is what ingestion records for a slip. Amount stays zero at ingestion time;
// the monetary value depends on the payment date and is quoted separately.
type DiscountDecision struct {
	Enabled bool            `json:"enabled"`
	Amount  decimal.Decimal `json:"amount"`
}

// DiscountQuote is the payment-time view of a slip's PIX discount.
type DiscountQuote struct {
	BoletoNumber string          `json:"boleto_number"`
	AsOf         time.Time       `json:"as_of"`
	Eligible     bool            `json:"eligible"`
	Discount     decimal.Decimal `json:"discount"`
	AmountDue    decimal.Decimal `json:"amount_due"`
	Reason       string          `json:"reason,omitempty"`
}
