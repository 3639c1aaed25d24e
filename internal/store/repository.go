/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the boleto-service. Students, courses, enrollments
 * and discount configurations are read-only mirrors; boletos and the number reservation
 * ledger are written by the ingestion engine.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid, github.com/shopspring/decimal: identifiers and amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/domain"
)

var (
	ErrStudentNotFound        = errors.New("student not found")
	ErrCourseNotFound         = errors.New("course not found")
	ErrDiscountConfigNotFound = errors.New("discount config not found")
	ErrBoletoNotFound         = errors.New("boleto not found")
	ErrDuplicateBoletoNumber  = errors.New("boleto number already exists")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Ping verifies that the database is reachable.
	Ping(ctx context.Context) error

	// LMS mirror (read-only)
	FindStudentByTaxID(ctx context.Context, taxID string) (*domain.Student, error)
	FindCourseByID(ctx context.Context, courseID uuid.UUID) (*domain.Course, error)
	// ListEnrollmentsForCampus returns every enrollment of the student in courses of the campus.
	ListEnrollmentsForCampus(ctx context.Context, studentID uuid.UUID, campusID uuid.UUID) ([]domain.Enrollment, error)

	// Discount configuration
	FindActiveDiscountConfig(ctx context.Context, campusID uuid.UUID) (*domain.DiscountConfig, error)

	// Number reservation ledger. ReserveBoletoNumber returns false when the number was
	// already reserved; reservations are never released.
	ReserveBoletoNumber(ctx context.Context, number string) (bool, error)
	// FindHighestBoletoNumber returns the greatest reserved number starting with prefix, or "".
	FindHighestBoletoNumber(ctx context.Context, prefix string) (string, error)

	// Boletos
	CreateBoleto(ctx context.Context, boleto *domain.Boleto) error
	DeleteBoleto(ctx context.Context, boletoID uuid.UUID) error
	FindBoletoByNumber(ctx context.Context, number string) (*domain.Boleto, error)
	UpdateBoletoStatus(ctx context.Context, boletoID uuid.UUID, status domain.BoletoStatus, paidAmount *decimal.Decimal) error
}
