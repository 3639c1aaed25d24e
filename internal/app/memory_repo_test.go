package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
)

// memoryRepo is an in-memory store.Repository with the same uniqueness rules as the schema:
// boleto_numbers and boletos.number are unique and reservations are never released.
type memoryRepo struct {
	mu sync.Mutex

	pingErr     error
	createErr   error
	studentErr  error
	students    map[string]*domain.Student
	courses     map[uuid.UUID]*domain.Course
	enrollments []domain.Enrollment
	discounts   []domain.DiscountConfig
	reserved    map[string]bool
	boletos     map[uuid.UUID]*domain.Boleto

	studentLookups int
	deletes        int
}

var _ store.Repository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		students: make(map[string]*domain.Student),
		courses:  make(map[uuid.UUID]*domain.Course),
		reserved: make(map[string]bool),
		boletos:  make(map[uuid.UUID]*domain.Boleto),
	}
}

func (r *memoryRepo) Ping(ctx context.Context) error {
	return r.pingErr
}

func (r *memoryRepo) FindStudentByTaxID(ctx context.Context, taxID string) (*domain.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.studentLookups++
	if r.studentErr != nil {
		return nil, r.studentErr
	}
	student, ok := r.students[taxID]
	if !ok {
		return nil, store.ErrStudentNotFound
	}
	clone := *student
	return &clone, nil
}

func (r *memoryRepo) FindCourseByID(ctx context.Context, courseID uuid.UUID) (*domain.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	course, ok := r.courses[courseID]
	if !ok {
		return nil, store.ErrCourseNotFound
	}
	clone := *course
	return &clone, nil
}

func (r *memoryRepo) ListEnrollmentsForCampus(ctx context.Context, studentID uuid.UUID, campusID uuid.UUID) ([]domain.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Enrollment
	for _, enrollment := range r.enrollments {
		course, ok := r.courses[enrollment.CourseID]
		if enrollment.StudentID == studentID && ok && course.CampusID == campusID {
			out = append(out, enrollment)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindActiveDiscountConfig(ctx context.Context, campusID uuid.UUID) (*domain.DiscountConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []domain.DiscountConfig
	for _, cfg := range r.discounts {
		if cfg.CampusID == campusID && cfg.Active {
			candidates = append(candidates, cfg)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrDiscountConfigNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
	return &candidates[0], nil
}

func (r *memoryRepo) ReserveBoletoNumber(ctx context.Context, number string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved[number] {
		return false, nil
	}
	r.reserved[number] = true
	return true, nil
}

func (r *memoryRepo) FindHighestBoletoNumber(ctx context.Context, prefix string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	highest := ""
	for number := range r.reserved {
		if strings.HasPrefix(number, prefix) && len(number) == len(prefix)+4 && number > highest {
			highest = number
		}
	}
	return highest, nil
}

func (r *memoryRepo) CreateBoleto(ctx context.Context, boleto *domain.Boleto) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.boletos {
		if existing.Number == boleto.Number {
			return store.ErrDuplicateBoletoNumber
		}
	}
	clone := *boleto
	r.boletos[boleto.ID] = &clone
	return nil
}

func (r *memoryRepo) DeleteBoleto(ctx context.Context, boletoID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	if _, ok := r.boletos[boletoID]; !ok {
		return store.ErrBoletoNotFound
	}
	delete(r.boletos, boletoID)
	return nil
}

func (r *memoryRepo) FindBoletoByNumber(ctx context.Context, number string) (*domain.Boleto, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, boleto := range r.boletos {
		if boleto.Number == number {
			clone := *boleto
			return &clone, nil
		}
	}
	return nil, store.ErrBoletoNotFound
}

func (r *memoryRepo) UpdateBoletoStatus(ctx context.Context, boletoID uuid.UUID, status domain.BoletoStatus, paidAmount *decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	boleto, ok := r.boletos[boletoID]
	if !ok {
		return store.ErrBoletoNotFound
	}
	boleto.Status = status
	if paidAmount != nil {
		paid := *paidAmount
		boleto.PaidAmount = &paid
	}
	return nil
}

func (r *memoryRepo) boletoRows() []domain.Boleto {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]domain.Boleto, 0, len(r.boletos))
	for _, boleto := range r.boletos {
		rows = append(rows, *boleto)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Number < rows[j].Number })
	return rows
}

func (r *memoryRepo) setStudentSynced(taxID string, syncedAt *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if student, ok := r.students[taxID]; ok {
		student.LastSyncedAt = syncedAt
	}
}
