package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
)

// DiscountEngine decides PIX discount eligibility. At ingestion time it only records whether the
// slip is eligible; the monetary amount depends on the payment date and is quoted on demand.
type DiscountEngine struct {
	repo store.Repository
}

func NewDiscountEngine(repo store.Repository) *DiscountEngine {
	return &DiscountEngine{repo: repo}
}

// Evaluate applies the ingestion rules in order: operator opt-out, campus config, minimum
// amount, due-date window. The decision's Amount is always zero.
func (e *DiscountEngine) Evaluate(ctx context.Context, campusID uuid.UUID, amount decimal.Decimal, dueDate time.Time, requested bool, asOf time.Time) (domain.DiscountDecision, error) {
	disabled := domain.DiscountDecision{Enabled: false, Amount: decimal.Zero}
	if !requested {
		return disabled, nil
	}

	cfg, err := e.repo.FindActiveDiscountConfig(ctx, campusID)
	if err != nil {
		if errors.Is(err, store.ErrDiscountConfigNotFound) {
			return disabled, nil
		}
		return disabled, fmt.Errorf("failed to load discount config: %w", err)
	}

	if !eligible(cfg, amount, dueDate, asOf) {
		return disabled, nil
	}
	return domain.DiscountDecision{Enabled: true, Amount: decimal.Zero}, nil
}

// Quote computes the payment-time discount for the slip with the given number as of asOf.
// It returns store.ErrBoletoNotFound for unknown numbers.
func (e *DiscountEngine) Quote(ctx context.Context, number string, asOf time.Time) (domain.DiscountQuote, error) {
	boleto, err := e.repo.FindBoletoByNumber(ctx, number)
	if err != nil {
		return domain.DiscountQuote{}, err
	}
	course, err := e.repo.FindCourseByID(ctx, boleto.CourseID)
	if err != nil {
		return domain.DiscountQuote{}, fmt.Errorf("failed to load course of boleto %s: %w", number, err)
	}
	cfg, err := e.repo.FindActiveDiscountConfig(ctx, course.CampusID)
	if err != nil {
		if !errors.Is(err, store.ErrDiscountConfigNotFound) {
			return domain.DiscountQuote{}, fmt.Errorf("failed to load discount config: %w", err)
		}
		cfg = nil
	}
	return QuoteDiscount(cfg, boleto, asOf), nil
}

// QuoteDiscount is the pure payment-time rule. cfg may be nil.
// Fixed discounts never exceed the slip amount; percentages round half-up to cents.
func QuoteDiscount(cfg *domain.DiscountConfig, boleto *domain.Boleto, asOf time.Time) domain.DiscountQuote {
	quote := domain.DiscountQuote{
		BoletoNumber: boleto.Number,
		AsOf:         asOf,
		Discount:     decimal.Zero,
		AmountDue:    boleto.Amount,
	}

	switch {
	case !boleto.PixDiscountEnabled:
		quote.Reason = "PIX discount disabled for this slip"
	case boleto.Status != domain.BoletoPending:
		quote.Reason = fmt.Sprintf("slip is %s", boleto.Status)
	case cfg == nil:
		quote.Reason = "campus has no active discount configuration"
	case boleto.Amount.LessThan(cfg.MinimumSlipAmount):
		quote.Reason = "slip amount below the campus minimum"
	case afterDay(asOf, boleto.DueDate):
		quote.Reason = "due date has passed"
	default:
		discount := discountAmount(cfg, boleto.Amount)
		quote.Eligible = discount.IsPositive()
		quote.Discount = discount
		quote.AmountDue = boleto.Amount.Sub(discount)
		if !quote.Eligible {
			quote.Reason = "configured discount is zero"
		}
	}
	return quote
}

func eligible(cfg *domain.DiscountConfig, amount decimal.Decimal, dueDate, asOf time.Time) bool {
	if amount.LessThan(cfg.MinimumSlipAmount) {
		return false
	}
	switch cfg.Condition {
	case domain.EligibleUntilDueDate, "":
		return !afterDay(asOf, dueDate)
	default:
		return false
	}
}

func discountAmount(cfg *domain.DiscountConfig, amount decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch cfg.DiscountType {
	case domain.DiscountFixed:
		discount = decimal.Min(cfg.FixedAmount, amount)
	case domain.DiscountPercentage:
		discount = amount.Mul(cfg.Percentage).Div(decimal.NewFromInt(100)).Round(2)
		discount = decimal.Min(discount, amount)
	default:
		return decimal.Zero
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

// afterDay reports whether a falls on a later calendar day than b. a is read in b's zone so the
// answer does not depend on the zone of the clock that produced it.
func afterDay(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).After(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC))
}
