package app

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/pkg/filestore"
)

var fixtureNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

const (
	cpfAna   = "52998224725"
	cpfBruno = "11144477735"
	cpfCarla = "39053344705"
)

type recordingPublisher struct {
	mu     sync.Mutex
	issued []domain.BoletoIssuedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishBoletoIssued(ctx context.Context, event domain.BoletoIssuedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued = append(p.issued, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.issued)
}

// failingPromoteStore simulates a storage outage after the row has been inserted.
type failingPromoteStore struct {
	*filestore.Store
	err error
}

func (s *failingPromoteStore) Promote(stagedPath, relPath string) (string, error) {
	return "", s.err
}

type ingestionFixture struct {
	repo      *memoryRepo
	fs        afero.Fs
	files     *filestore.Store
	publisher *recordingPublisher
	resolver  *EnrollmentResolver
	svc       *IngestionService
	campusID  uuid.UUID
	courseID  uuid.UUID
}

func newIngestionFixture(t *testing.T) *ingestionFixture {
	t.Helper()

	repo := newMemoryRepo()
	fs := afero.NewMemMapFs()
	files, err := filestore.New(fs, "/data/boletos")
	if err != nil {
		t.Fatalf("filestore.New returned error: %v", err)
	}

	campusID := uuid.New()
	courseID := uuid.New()
	repo.courses[courseID] = &domain.Course{ID: courseID, CampusID: campusID, ExternalID: "lms-101", Name: "Pedagogia", Active: true}

	resolver := NewEnrollmentResolver(repo, nil, nil, nil, EnrollmentResolverConfig{MaxSyncAge: 24 * time.Hour})
	resolver.now = func() time.Time { return fixtureNow }

	publisher := &recordingPublisher{}
	svc := NewIngestionService(repo, resolver, files, publisher, NewMetrics(), IngestionConfig{
		MaxFileBytes:  1 << 20,
		MaxBatchFiles: 50,
		Workers:       4,
	})
	svc.now = func() time.Time { return fixtureNow }
	svc.sequence.now = func() time.Time { return fixtureNow }

	return &ingestionFixture{
		repo:      repo,
		fs:        fs,
		files:     files,
		publisher: publisher,
		resolver:  resolver,
		svc:       svc,
		campusID:  campusID,
		courseID:  courseID,
	}
}

// enrollStudent mirrors a synced student with an enrollment of the given status in courseID.
func (f *ingestionFixture) enrollStudent(cpf string, courseID uuid.UUID, status domain.EnrollmentStatus) *domain.Student {
	student := f.addStudent(cpf, ptrTime(fixtureNow.Add(-time.Hour)))
	f.repo.enrollments = append(f.repo.enrollments, domain.Enrollment{
		StudentID: student.ID,
		CourseID:  courseID,
		Status:    status,
		SyncedAt:  fixtureNow.Add(-time.Hour),
	})
	return student
}

func (f *ingestionFixture) addStudent(cpf string, syncedAt *time.Time) *domain.Student {
	student := &domain.Student{
		ID:           uuid.New(),
		TaxID:        cpf,
		Name:         "Aluno " + cpf[:3],
		CampusID:     f.campusID,
		LastSyncedAt: syncedAt,
	}
	f.repo.students[cpf] = student
	return student
}

func (f *ingestionFixture) addCourse(campusID uuid.UUID, active bool) uuid.UUID {
	id := uuid.New()
	f.repo.courses[id] = &domain.Course{ID: id, CampusID: campusID, ExternalID: "lms-" + id.String()[:4], Name: "Curso", Active: active}
	return id
}

func (f *ingestionFixture) singleRequest(cpf, number string) domain.SingleIngestionRequest {
	return domain.SingleIngestionRequest{
		File:               pdfUpload(cpf+"_"+number+".pdf", "%PDF-1.7 slip"),
		CPF:                cpf,
		CampusID:           f.campusID,
		CourseID:           f.courseID,
		Number:             number,
		Amount:             decimal.RequireFromString("350.00"),
		DueDate:            time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		Description:        "Mensalidade fevereiro",
		PixDiscountEnabled: true,
	}
}

func pdfUpload(name, content string) domain.UploadedFile {
	return domain.UploadedFile{
		Filename: name,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
