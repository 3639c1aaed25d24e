/**
 * @description
 * EnrollmentResolver answers "can this CPF be billed for this course on this campus, and if
 * not, why". The diagnosis is ordered so operators can tell missing sync data apart from a
 * student who is simply not enrolled.
 *
 * @notes
 * - A stale student may trigger one on-demand resync followed by exactly one re-check.
 * - A resync that fails, times out or is throttled yields StudentNotSynced, never an error.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
)

// SnapshotFetcher asks the LMS sync collaborator to refresh the mirror rows for a CPF on a campus.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, cpf string, campusID uuid.UUID) error
}

// ResyncThrottle bounds how often a resync may be triggered for the same student and campus.
type ResyncThrottle interface {
	AllowResync(ctx context.Context, cpf string, campusID uuid.UUID) (allowed bool, retryAfter time.Duration, err error)
}

// EnrollmentQuery identifies the enrollment being checked.
type EnrollmentQuery struct {
	CPF         string
	CampusID    uuid.UUID
	CourseID    uuid.UUID
	AllowResync bool
}

// EnrollmentResolverConfig tunes staleness and the on-demand resync.
type EnrollmentResolverConfig struct {
	MaxSyncAge    time.Duration
	ResyncEnabled bool
	ResyncTimeout time.Duration
}

type EnrollmentResolver struct {
	repo     store.Repository
	fetcher  SnapshotFetcher
	throttle ResyncThrottle
	metrics  *Metrics
	cfg      EnrollmentResolverConfig
	now      func() time.Time
}

// NewEnrollmentResolver builds a resolver. fetcher and throttle may be nil.
func NewEnrollmentResolver(repo store.Repository, fetcher SnapshotFetcher, throttle ResyncThrottle, metrics *Metrics, cfg EnrollmentResolverConfig) *EnrollmentResolver {
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = 10 * time.Second
	}
	return &EnrollmentResolver{
		repo:     repo,
		fetcher:  fetcher,
		throttle: throttle,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Resolve returns the diagnosis for q. The returned error is reserved for persistence failures.
func (r *EnrollmentResolver) Resolve(ctx context.Context, q EnrollmentQuery) (domain.Diagnosis, error) {
	cpf := NormalizeCPF(q.CPF)

	student, err := r.findStudent(ctx, cpf)
	if err != nil {
		return domain.Diagnosis{}, err
	}
	if student == nil {
		return domain.Diagnosis{
			Code:    domain.DiagnosisStudentNotFound,
			Message: fmt.Sprintf("no student with CPF %s in the local mirror", cpf),
		}, nil
	}

	resynced := false
	if r.isStale(student) {
		if !q.AllowResync || !r.cfg.ResyncEnabled || r.fetcher == nil {
			return r.notSynced(student, false, "student data is stale and no resync was requested"), nil
		}

		reason, ok := r.resync(ctx, cpf, q.CampusID)
		if !ok {
			return r.notSynced(student, false, reason), nil
		}
		resynced = true

		student, err = r.findStudent(ctx, cpf)
		if err != nil {
			return domain.Diagnosis{}, err
		}
		if student == nil {
			return domain.Diagnosis{
				Code:     domain.DiagnosisStudentNotFound,
				Message:  fmt.Sprintf("no student with CPF %s after resync", cpf),
				Resynced: true,
			}, nil
		}
		if r.isStale(student) {
			return r.notSynced(student, true, "student data is still stale after resync"), nil
		}
	}

	enrollments, err := r.repo.ListEnrollmentsForCampus(ctx, student.ID, q.CampusID)
	if err != nil {
		return domain.Diagnosis{}, fmt.Errorf("failed to list enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return domain.Diagnosis{
			Code:     domain.DiagnosisNoEnrollments,
			Message:  "student has no enrollments on this campus",
			Student:  student,
			Resynced: resynced,
		}, nil
	}

	var inactive *domain.Enrollment
	for i := range enrollments {
		enrollment := enrollments[i]
		if enrollment.CourseID != q.CourseID {
			continue
		}
		if enrollment.Status == domain.EnrollmentActive {
			return domain.Diagnosis{
				Code:       domain.DiagnosisOK,
				Message:    "active enrollment found",
				Student:    student,
				Enrollment: &enrollment,
				Resynced:   resynced,
			}, nil
		}
		inactive = &enrollment
	}

	message := fmt.Sprintf("student has %d enrollment(s) on this campus but none active for the course", len(enrollments))
	if inactive != nil {
		message = "student's enrollment in this course is inactive"
	}
	return domain.Diagnosis{
		Code:       domain.DiagnosisNotEnrolledInCourse,
		Message:    message,
		Student:    student,
		Enrollment: inactive,
		Resynced:   resynced,
	}, nil
}

func (r *EnrollmentResolver) findStudent(ctx context.Context, cpf string) (*domain.Student, error) {
	student, err := r.repo.FindStudentByTaxID(ctx, cpf)
	if err != nil {
		if errors.Is(err, store.ErrStudentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find student: %w", err)
	}
	return student, nil
}

func (r *EnrollmentResolver) isStale(student *domain.Student) bool {
	if student.LastSyncedAt == nil {
		return true
	}
	if r.cfg.MaxSyncAge <= 0 {
		return false
	}
	return r.now().Sub(*student.LastSyncedAt) > r.cfg.MaxSyncAge
}

// resync runs the single on-demand refresh. It reports a reason when the refresh did not happen.
func (r *EnrollmentResolver) resync(ctx context.Context, cpf string, campusID uuid.UUID) (string, bool) {
	if r.throttle != nil {
		allowed, retryAfter, err := r.throttle.AllowResync(ctx, cpf, campusID)
		if err != nil {
			// Throttle outages must not block resyncs.
			log.Printf("level=warn component=enrollment msg=\"resync throttle unavailable\" err=%v", err)
		} else if !allowed {
			r.metrics.observeResync(ResyncThrottled)
			if retryAfter > 0 {
				return fmt.Sprintf("a resync for this student was requested recently; try again in %ds", int(retryAfter.Seconds())), false
			}
			return "a resync for this student was requested recently; try again later", false
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.ResyncTimeout)
	defer cancel()

	if err := r.fetcher.FetchSnapshot(fetchCtx, cpf, campusID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			r.metrics.observeResync(ResyncTimedOut)
			log.Printf("level=warn component=enrollment campus_id=%s msg=\"resync timed out\" timeout=%s", campusID, r.cfg.ResyncTimeout)
			return fmt.Sprintf("resync did not finish within %s", r.cfg.ResyncTimeout), false
		}
		r.metrics.observeResync(ResyncFailed)
		log.Printf("level=warn component=enrollment campus_id=%s msg=\"resync failed\" err=%v", campusID, err)
		return "resync with the LMS failed", false
	}

	r.metrics.observeResync(ResyncSucceeded)
	return "", true
}

func (r *EnrollmentResolver) notSynced(student *domain.Student, resynced bool, message string) domain.Diagnosis {
	return domain.Diagnosis{
		Code:     domain.DiagnosisStudentNotSynced,
		Message:  message,
		Student:  student,
		Resynced: resynced,
	}
}
