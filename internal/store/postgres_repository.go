/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL used by the boleto-service: lookups against the LMS mirror
 * tables, the boleto number reservation ledger and the `boletos` table itself.
 *
 * @dependencies
 * - context, errors, strings: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Ping checks connectivity with a trivial round trip.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// FindStudentByTaxID retrieves a mirrored student by CPF (digits only).
func (r *PostgresRepository) FindStudentByTaxID(ctx context.Context, taxID string) (*domain.Student, error) {
	var student domain.Student
	query := `SELECT id, tax_id, name, email, campus_id, last_synced_at FROM students WHERE tax_id = $1`
	err := r.db.QueryRow(ctx, query, taxID).Scan(
		&student.ID,
		&student.TaxID,
		&student.Name,
		&student.Email,
		&student.CampusID,
		&student.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return &student, nil
}

// FindCourseByID retrieves a mirrored course.
func (r *PostgresRepository) FindCourseByID(ctx context.Context, courseID uuid.UUID) (*domain.Course, error) {
	var course domain.Course
	query := `SELECT id, campus_id, external_id, name, active FROM courses WHERE id = $1`
	err := r.db.QueryRow(ctx, query, courseID).Scan(
		&course.ID,
		&course.CampusID,
		&course.ExternalID,
		&course.Name,
		&course.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	return &course, nil
}

// ListEnrollmentsForCampus returns the student's enrollments restricted to courses of one campus.
func (r *PostgresRepository) ListEnrollmentsForCampus(ctx context.Context, studentID uuid.UUID, campusID uuid.UUID) ([]domain.Enrollment, error) {
	query := `
		SELECT e.student_id, e.course_id, e.status, e.synced_at
		FROM enrollments e
		JOIN courses c ON c.id = e.course_id
		WHERE e.student_id = $1 AND c.campus_id = $2
		ORDER BY e.synced_at DESC
	`
	rows, err := r.db.Query(ctx, query, studentID, campusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []domain.Enrollment
	for rows.Next() {
		var enrollment domain.Enrollment
		if err := rows.Scan(&enrollment.StudentID, &enrollment.CourseID, &enrollment.Status, &enrollment.SyncedAt); err != nil {
			return nil, err
		}
		enrollments = append(enrollments, enrollment)
	}
	return enrollments, rows.Err()
}

// FindActiveDiscountConfig returns the campus's active PIX discount rule. When more than one
// is active the most recently updated wins, ties broken by the lowest id.
func (r *PostgresRepository) FindActiveDiscountConfig(ctx context.Context, campusID uuid.UUID) (*domain.DiscountConfig, error) {
	var cfg domain.DiscountConfig
	query := `
		SELECT id, campus_id, discount_type, fixed_amount, percentage, minimum_slip_amount,
		       eligibility_condition, active, updated_at
		FROM discount_configs
		WHERE campus_id = $1 AND active = true
		ORDER BY updated_at DESC, id ASC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, campusID).Scan(
		&cfg.ID,
		&cfg.CampusID,
		&cfg.DiscountType,
		&cfg.FixedAmount,
		&cfg.Percentage,
		&cfg.MinimumSlipAmount,
		&cfg.Condition,
		&cfg.Active,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiscountConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// ReserveBoletoNumber inserts the number into the reservation ledger if absent.
// The primary key makes this a single atomic conditional insert.
func (r *PostgresRepository) ReserveBoletoNumber(ctx context.Context, number string) (bool, error) {
	query := `INSERT INTO boleto_numbers (number, reserved_at) VALUES ($1, NOW()) ON CONFLICT (number) DO NOTHING`
	result, err := r.db.Exec(ctx, query, number)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FindHighestBoletoNumber returns the greatest reserved number with the given prefix.
func (r *PostgresRepository) FindHighestBoletoNumber(ctx context.Context, prefix string) (string, error) {
	var number *string
	query := `SELECT MAX(number) FROM boleto_numbers WHERE number LIKE $1 AND length(number) = $2`
	if err := r.db.QueryRow(ctx, query, likePrefixPattern(prefix), len(prefix)+4).Scan(&number); err != nil {
		return "", err
	}
	if number == nil {
		return "", nil
	}
	return *number, nil
}

// CreateBoleto inserts a new slip. A unique violation on the number maps to ErrDuplicateBoletoNumber.
func (r *PostgresRepository) CreateBoleto(ctx context.Context, boleto *domain.Boleto) error {
	query := `
		INSERT INTO boletos (
			id,
			student_id,
			course_id,
			number,
			amount,
			due_date,
			description,
			status,
			paid_amount,
			pix_discount_enabled,
			file_path
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		boleto.ID,
		boleto.StudentID,
		boleto.CourseID,
		boleto.Number,
		boleto.Amount,
		boleto.DueDate,
		boleto.Description,
		boleto.Status,
		nullDecimal(boleto.PaidAmount),
		boleto.PixDiscountEnabled,
		boleto.FilePath,
	).Scan(&boleto.CreatedAt, &boleto.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateBoletoNumber
		}
		return err
	}
	return nil
}

// DeleteBoleto removes a slip row. It is only used to compensate a failed file placement;
// the number stays reserved in boleto_numbers.
func (r *PostgresRepository) DeleteBoleto(ctx context.Context, boletoID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM boletos WHERE id = $1`, boletoID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBoletoNotFound
	}
	return nil
}

// FindBoletoByNumber retrieves a slip by its number.
func (r *PostgresRepository) FindBoletoByNumber(ctx context.Context, number string) (*domain.Boleto, error) {
	var boleto domain.Boleto
	var paid decimal.NullDecimal
	query := `
		SELECT id, student_id, course_id, number, amount, due_date, description, status,
		       paid_amount, pix_discount_enabled, file_path, created_at, updated_at
		FROM boletos
		WHERE number = $1
	`
	err := r.db.QueryRow(ctx, query, number).Scan(
		&boleto.ID,
		&boleto.StudentID,
		&boleto.CourseID,
		&boleto.Number,
		&boleto.Amount,
		&boleto.DueDate,
		&boleto.Description,
		&boleto.Status,
		&paid,
		&boleto.PixDiscountEnabled,
		&boleto.FilePath,
		&boleto.CreatedAt,
		&boleto.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBoletoNotFound
		}
		return nil, err
	}
	if paid.Valid {
		boleto.PaidAmount = &paid.Decimal
	}
	return &boleto, nil
}

// UpdateBoletoStatus records a payment-side status change.
func (r *PostgresRepository) UpdateBoletoStatus(ctx context.Context, boletoID uuid.UUID, status domain.BoletoStatus, paidAmount *decimal.Decimal) error {
	query := `
		UPDATE boletos
		SET status = $2, paid_amount = COALESCE($3, paid_amount), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, boletoID, status, nullDecimal(paidAmount))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBoletoNotFound
	}
	return nil
}

// likePrefixPattern escapes LIKE wildcards in prefix and matches anything after it.
func likePrefixPattern(prefix string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix) + "%"
}

func nullDecimal(value *decimal.Decimal) decimal.NullDecimal {
	if value == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *value, Valid: true}
}
