/**
 * @description
 * This file contains the boleto ingestion orchestrator. The `IngestionService` accepts the three
 * submission shapes (single item, many items for one student, many files named
 * `<cpf>_<number>.pdf`) and drives every item through the same pipeline:
 *
 *   file check -> identity -> enrollment -> number reservation -> discount -> store
 *
 * Key features:
 * - Per-item failures are recorded with a machine-readable code and never stop the batch.
 * - Items of one submission run on a bounded worker pool; results keep submission order.
 * - A slip row is only kept if its PDF reached permanent storage (compensating delete).
 * - The whole submission is rejected up front when the database is unreachable.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: Bounded worker pool.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/filestore, pkg/rabbitmq: PDF placement and event publishing.
 */

package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
	"github.com/unipolo/boleto-service/pkg/filestore"
	"github.com/unipolo/boleto-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

var pdfMagic = []byte("%PDF-")

// FileStore places uploaded PDFs. Stage writes to a temporary location; Promote renames the
// staged file to its permanent relative path and refuses to overwrite.
type FileStore interface {
	Stage(r io.Reader, maxBytes int64) (string, error)
	Promote(stagedPath, relPath string) (string, error)
	Discard(stagedPath string) error
}

// IngestionConfig bounds a submission.
type IngestionConfig struct {
	MaxFileBytes  int64
	MaxBatchFiles int
	Workers       int
}

// IngestionService provides the boleto ingestion use cases.
type IngestionService struct {
	repo          store.Repository
	resolver      *EnrollmentResolver
	guard         *NumberGuard
	sequence      *SequenceGenerator
	discounts     *DiscountEngine
	files         FileStore
	eventProducer rabbitmq.Publisher
	metrics       *Metrics
	cfg           IngestionConfig
	now           func() time.Time
}

// NewIngestionService creates a new ingestion service instance.
func NewIngestionService(repo store.Repository, resolver *EnrollmentResolver, files FileStore, producer rabbitmq.Publisher, metrics *Metrics, cfg IngestionConfig) *IngestionService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &IngestionService{
		repo:          repo,
		resolver:      resolver,
		guard:         NewNumberGuard(repo),
		sequence:      NewSequenceGenerator(repo),
		discounts:     NewDiscountEngine(repo),
		files:         files,
		eventProducer: producer,
		metrics:       metrics,
		cfg:           cfg,
		now:           time.Now,
	}
}

// itemSpec is everything the pipeline needs for one file.
type itemSpec struct {
	index       int
	file        domain.UploadedFile
	cpf         string
	campusID    uuid.UUID
	courseID    uuid.UUID
	number      string
	amount      decimal.Decimal
	dueDate     time.Time
	description string
	pix         bool

	// identityErr is set when identity could not be derived before the pipeline started.
	identityErr *ItemError
	// shared holds an enrollment resolution reused by every item of a student batch.
	shared *sharedResolution
}

type sharedResolution struct {
	diagnosis domain.Diagnosis
	err       error
}

// IngestSingle stores one slip with every field supplied by the caller.
// The returned error is only set when the submission was rejected as a whole.
func (s *IngestionService) IngestSingle(ctx context.Context, req domain.SingleIngestionRequest) (domain.IngestionItem, error) {
	started := s.now()
	if err := s.preflight(ctx, req.CampusID, req.CourseID, 1); err != nil {
		return domain.IngestionItem{}, err
	}
	ctx = context.WithoutCancel(ctx)

	item := s.process(ctx, domain.ModeSingle, itemSpec{
		index:       0,
		file:        req.File,
		cpf:         req.CPF,
		campusID:    req.CampusID,
		courseID:    req.CourseID,
		number:      strings.TrimSpace(req.Number),
		amount:      req.Amount,
		dueDate:     req.DueDate,
		description: req.Description,
		pix:         req.PixDiscountEnabled,
	})
	s.metrics.observeBatch(domain.ModeSingle, s.now().Sub(started))
	return item, nil
}

// IngestManyForStudent stores many slips for one student. Enrollment is resolved once and reused.
// Items without a number get one from the sequence generator; items without a due date get
// monthly dates starting at header.FirstDueDate.
func (s *IngestionService) IngestManyForStudent(ctx context.Context, header domain.StudentBatchHeader, items []domain.StudentBatchItem) (*domain.BatchResult, error) {
	started := s.now()
	if err := s.preflight(ctx, header.CampusID, header.CourseID, len(items)); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	shared := &sharedResolution{}
	cpf := NormalizeCPF(header.CPF)
	var identityErr *ItemError
	if !ValidateCPF(cpf) {
		identityErr = itemFailure(domain.FailureInvalidCpf, fmt.Sprintf("CPF %q fails checksum validation", header.CPF), nil)
	} else {
		shared.diagnosis, shared.err = s.resolver.Resolve(ctx, EnrollmentQuery{
			CPF:         cpf,
			CampusID:    header.CampusID,
			CourseID:    header.CourseID,
			AllowResync: true,
		})
	}

	generated, numberErr := s.generatedNumbers(ctx, items)
	var dueDates []time.Time
	if header.FirstDueDate != nil {
		dueDates = GenerateDueDates(*header.FirstDueDate, len(items))
	}

	specs := make([]itemSpec, len(items))
	for i, in := range items {
		spec := itemSpec{
			index:       i,
			file:        in.File,
			cpf:         cpf,
			campusID:    header.CampusID,
			courseID:    header.CourseID,
			number:      strings.TrimSpace(in.Number),
			amount:      in.Amount,
			dueDate:     in.DueDate,
			description: in.Description,
			pix:         in.PixDiscountEnabled,
			identityErr: identityErr,
			shared:      shared,
		}
		if spec.number == "" {
			if numberErr != nil {
				if spec.identityErr == nil {
					spec.identityErr = numberErr
				}
			} else {
				spec.number = generated[i]
			}
		}
		if spec.dueDate.IsZero() && dueDates != nil {
			spec.dueDate = dueDates[i]
		}
		specs[i] = spec
	}

	result := s.run(ctx, domain.ModeStudentBatch, specs)
	s.metrics.observeBatch(domain.ModeStudentBatch, s.now().Sub(started))
	return result, nil
}

// IngestBatchByFilename stores one slip per file; each filename carries the student's CPF and
// the slip number. Enrollment is resolved per item.
func (s *IngestionService) IngestBatchByFilename(ctx context.Context, header domain.FilenameBatchHeader, files []domain.UploadedFile) (*domain.BatchResult, error) {
	started := s.now()
	if err := s.preflight(ctx, header.CampusID, header.CourseID, len(files)); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	specs := make([]itemSpec, len(files))
	for i, file := range files {
		spec := itemSpec{
			index:       i,
			file:        file,
			campusID:    header.CampusID,
			courseID:    header.CourseID,
			amount:      header.Amount,
			dueDate:     header.DueDate,
			description: header.Description,
			pix:         header.PixDiscountEnabled,
		}
		parsed, err := ParseBoletoFilename(file.Filename)
		switch {
		case errors.Is(err, ErrInvalidCpfSegment):
			spec.identityErr = itemFailure(domain.FailureInvalidCpf, "CPF segment of the filename is not 11 digits", err)
		case err != nil:
			spec.identityErr = itemFailure(domain.FailureMalformedName, "filename must be <cpf>_<number>.pdf", err)
		default:
			spec.cpf = parsed.CPF
			spec.number = parsed.BoletoNumber
		}
		specs[i] = spec
	}

	result := s.run(ctx, domain.ModeFilenameBatch, specs)
	s.metrics.observeBatch(domain.ModeFilenameBatch, s.now().Sub(started))
	return result, nil
}

// run processes specs on the worker pool. Every item is recorded at its submission index.
func (s *IngestionService) run(ctx context.Context, mode domain.IngestionMode, specs []itemSpec) *domain.BatchResult {
	result := &domain.BatchResult{Items: make([]domain.IngestionItem, len(specs))}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i := range specs {
		g.Go(func() error {
			result.Items[i] = s.process(ctx, mode, specs[i])
			return nil
		})
	}
	_ = g.Wait()

	result.Tally()
	log.Printf("level=info component=ingestion mode=%s items=%d succeeded=%d failed=%d msg=\"submission processed\"",
		mode, len(result.Items), result.SuccessCount, result.FailureCount)
	return result
}

// process runs the pipeline for one item and converts the outcome into an IngestionItem.
func (s *IngestionService) process(ctx context.Context, mode domain.IngestionMode, spec itemSpec) (item domain.IngestionItem) {
	item = domain.IngestionItem{
		Index:              spec.index,
		Filename:           spec.file.Filename,
		CPF:                spec.cpf,
		Number:             spec.number,
		Amount:             spec.amount,
		Description:        spec.description,
		PixDiscountEnabled: spec.pix,
		Outcome:            domain.OutcomePending,
	}
	if !spec.dueDate.IsZero() {
		due := spec.dueDate
		item.DueDate = &due
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=ingestion class=infrastructure mode=%s index=%d msg=\"item panicked\" panic=%v", mode, spec.index, r)
			s.fail(&item, itemFailure(domain.FailurePersistenceError, "unexpected internal error", fmt.Errorf("panic: %v", r)))
		}
		s.metrics.observeItem(mode, item)
	}()

	if failure := s.pipeline(ctx, spec, &item); failure != nil {
		s.fail(&item, failure)
		if failure.Code.IsInfrastructure() {
			log.Printf("level=error component=ingestion class=infrastructure mode=%s index=%d filename=%q number=%s outcome=failed code=%s msg=%q err=%v",
				mode, spec.index, spec.file.Filename, item.Number, failure.Code, failure.Message, failure.Err)
		} else {
			log.Printf("level=info component=ingestion mode=%s index=%d filename=%q number=%s outcome=failed code=%s msg=%q",
				mode, spec.index, spec.file.Filename, item.Number, failure.Code, failure.Message)
		}
		return item
	}

	item.Outcome = domain.OutcomeSucceeded
	log.Printf("level=info component=ingestion mode=%s index=%d number=%s boleto_id=%s outcome=succeeded", mode, spec.index, item.Number, item.BoletoID)
	return item
}

func (s *IngestionService) fail(item *domain.IngestionItem, failure *ItemError) {
	item.Outcome = domain.OutcomeFailed
	item.FailureCode = failure.Code
	item.FailureMessage = failure.Message
	item.BoletoID = nil
	item.FilePath = ""
}

func (s *IngestionService) pipeline(ctx context.Context, spec itemSpec, item *domain.IngestionItem) *ItemError {
	// (a) file
	if failure := s.checkFile(spec.file); failure != nil {
		return failure
	}

	// (b) identity and fields
	if spec.identityErr != nil {
		return spec.identityErr
	}
	if !ValidateCPF(spec.cpf) {
		return itemFailure(domain.FailureInvalidCpf, fmt.Sprintf("CPF %q fails checksum validation", spec.cpf), nil)
	}
	if err := ValidateBoletoNumber(spec.number); err != nil {
		return itemFailure(domain.FailureInvalidInput, err.Error(), nil)
	}
	if !spec.amount.IsPositive() {
		return itemFailure(domain.FailureInvalidInput, "amount must be greater than zero", nil)
	}
	if spec.dueDate.IsZero() {
		return itemFailure(domain.FailureInvalidInput, "due date is required", nil)
	}

	// (c) enrollment
	var diagnosis domain.Diagnosis
	var err error
	if spec.shared != nil {
		diagnosis, err = spec.shared.diagnosis, spec.shared.err
	} else {
		diagnosis, err = s.resolver.Resolve(ctx, EnrollmentQuery{
			CPF:         spec.cpf,
			CampusID:    spec.campusID,
			CourseID:    spec.courseID,
			AllowResync: true,
		})
	}
	if err != nil {
		return itemFailure(domain.FailurePersistenceError, "enrollment lookup failed", err)
	}
	if !diagnosis.OK() {
		return itemFailure(diagnosis.FailureCode(), diagnosis.Message, nil)
	}
	studentID, courseID := diagnosis.Student.ID, spec.courseID
	item.StudentID = &studentID
	item.CourseID = &courseID

	// (d) number
	if err := s.guard.Reserve(ctx, spec.number); err != nil {
		if errors.Is(err, ErrNumberConflict) {
			return itemFailure(domain.FailureNumberConflict, fmt.Sprintf("boleto number %s is already in use", spec.number), err)
		}
		return itemFailure(domain.FailurePersistenceError, "number reservation failed", err)
	}

	// (e) discount
	decision, err := s.discounts.Evaluate(ctx, spec.campusID, spec.amount, spec.dueDate, spec.pix, s.now().UTC())
	if err != nil {
		return itemFailure(domain.FailurePersistenceError, "discount evaluation failed", err)
	}
	item.PixDiscountEnabled = decision.Enabled

	// (f) row + file
	boleto := &domain.Boleto{
		ID:                 uuid.New(),
		StudentID:          studentID,
		CourseID:           courseID,
		Number:             spec.number,
		Amount:             spec.amount,
		DueDate:            dateOnly(spec.dueDate),
		Status:             domain.BoletoPending,
		PixDiscountEnabled: decision.Enabled,
		FilePath:           filestore.RelativePath(spec.campusID, spec.number),
	}
	if desc := strings.TrimSpace(spec.description); desc != "" {
		boleto.Description = &desc
	}
	if failure := s.persist(ctx, spec.file, boleto); failure != nil {
		return failure
	}

	item.BoletoID = &boleto.ID
	item.FilePath = boleto.FilePath
	s.publishIssued(ctx, boleto)
	return nil
}

// checkFile accepts non-empty files with a .pdf extension whose content starts with %PDF-.
func (s *IngestionService) checkFile(file domain.UploadedFile) *ItemError {
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		return itemFailure(domain.FailureInvalidFile, "file must have a .pdf extension", nil)
	}
	if file.Size <= 0 {
		return itemFailure(domain.FailureInvalidFile, "file is empty", nil)
	}
	if s.cfg.MaxFileBytes > 0 && file.Size > s.cfg.MaxFileBytes {
		return itemFailure(domain.FailureInvalidFile, fmt.Sprintf("file exceeds the %d byte limit", s.cfg.MaxFileBytes), nil)
	}
	if file.Open == nil {
		return itemFailure(domain.FailureInvalidFile, "file content is unavailable", nil)
	}

	rc, err := file.Open()
	if err != nil {
		return itemFailure(domain.FailureInvalidFile, "file could not be read", err)
	}
	defer rc.Close()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(rc, head); err != nil || !bytes.Equal(head, pdfMagic) {
		return itemFailure(domain.FailureInvalidFile, "file is not a PDF document", nil)
	}
	return nil
}

// persist stages the PDF, inserts the row and then moves the PDF into place. When the move fails
// the row is deleted again; the number stays reserved.
func (s *IngestionService) persist(ctx context.Context, file domain.UploadedFile, boleto *domain.Boleto) *ItemError {
	rc, err := file.Open()
	if err != nil {
		return itemFailure(domain.FailureStorageError, "file could not be re-read for storage", err)
	}
	stagedPath, err := s.files.Stage(rc, s.cfg.MaxFileBytes)
	rc.Close()
	if err != nil {
		if errors.Is(err, filestore.ErrFileTooLarge) {
			return itemFailure(domain.FailureInvalidFile, fmt.Sprintf("file exceeds the %d byte limit", s.cfg.MaxFileBytes), err)
		}
		return itemFailure(domain.FailureStorageError, "file could not be staged", err)
	}

	if err := s.repo.CreateBoleto(ctx, boleto); err != nil {
		s.discard(stagedPath)
		if errors.Is(err, store.ErrDuplicateBoletoNumber) {
			return itemFailure(domain.FailureNumberConflict, fmt.Sprintf("boleto number %s is already in use", boleto.Number), err)
		}
		return itemFailure(domain.FailurePersistenceError, "slip could not be saved", err)
	}

	if _, err := s.files.Promote(stagedPath, boleto.FilePath); err != nil {
		s.discard(stagedPath)
		if delErr := s.repo.DeleteBoleto(ctx, boleto.ID); delErr != nil {
			log.Printf("level=error component=ingestion class=infrastructure boleto_id=%s number=%s msg=\"compensating delete failed; slip has no file\" err=%v",
				boleto.ID, boleto.Number, delErr)
		}
		return itemFailure(domain.FailureStorageError, "file could not be moved into permanent storage", err)
	}
	return nil
}

func (s *IngestionService) discard(stagedPath string) {
	if err := s.files.Discard(stagedPath); err != nil {
		log.Printf("level=warn component=storage path=%q msg=\"failed to discard staged file\" err=%v", stagedPath, err)
	}
}

func (s *IngestionService) publishIssued(ctx context.Context, boleto *domain.Boleto) {
	event := domain.BoletoIssuedEvent{
		BoletoID:           boleto.ID,
		StudentID:          boleto.StudentID,
		CourseID:           boleto.CourseID,
		Number:             boleto.Number,
		Amount:             boleto.Amount,
		DueDate:            boleto.DueDate.Format("2006-01-02"),
		PixDiscountEnabled: boleto.PixDiscountEnabled,
		FilePath:           boleto.FilePath,
		IssuedAt:           s.now().UTC(),
	}
	if err := s.eventProducer.PublishBoletoIssued(ctx, event); err != nil {
		log.Printf("level=warn component=ingestion boleto_id=%s number=%s msg=\"failed to publish boleto issued event\" err=%v", boleto.ID, boleto.Number, err)
	}
}

// generatedNumbers proposes numbers for every item that has none. The slice is indexed like items.
func (s *IngestionService) generatedNumbers(ctx context.Context, items []domain.StudentBatchItem) ([]string, *ItemError) {
	missing := 0
	for _, item := range items {
		if strings.TrimSpace(item.Number) == "" {
			missing++
		}
	}
	if missing == 0 {
		return nil, nil
	}

	proposals, err := s.sequence.NextNumbers(ctx, missing)
	if err != nil {
		if errors.Is(err, ErrSequenceExhausted) {
			return nil, itemFailure(domain.FailureInvalidInput, "no boleto numbers left for today; supply numbers explicitly", err)
		}
		return nil, itemFailure(domain.FailurePersistenceError, "boleto number generation failed", err)
	}

	generated := make([]string, len(items))
	next := 0
	for i, item := range items {
		if strings.TrimSpace(item.Number) == "" {
			generated[i] = proposals[next]
			next++
		}
	}
	return generated, nil
}

// preflight rejects a submission before any item is touched.
func (s *IngestionService) preflight(ctx context.Context, campusID, courseID uuid.UUID, files int) error {
	if files == 0 {
		return ErrEmptySubmission
	}
	if s.cfg.MaxBatchFiles > 0 && files > s.cfg.MaxBatchFiles {
		return fmt.Errorf("%w: %d files, limit %d", ErrTooManyFiles, files, s.cfg.MaxBatchFiles)
	}
	if campusID == uuid.Nil {
		return headerError("campus_id is required")
	}
	if courseID == uuid.Nil {
		return headerError("course_id is required")
	}

	if err := s.repo.Ping(ctx); err != nil {
		log.Printf("level=error component=ingestion class=infrastructure msg=\"persistence unavailable; submission rejected\" err=%v", err)
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	course, err := s.repo.FindCourseByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrCourseNotFound) {
			return ErrCourseNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if course.CampusID != campusID {
		return ErrCourseCampusMismatch
	}
	if !course.Active {
		return ErrCourseInactive
	}
	return nil
}

// SequencePreview is what the admin UI shows before a student batch is submitted.
type SequencePreview struct {
	Numbers  []string `json:"numbers"`
	DueDates []string `json:"due_dates,omitempty"`
}

// PreviewSequence proposes count numbers and, when baseDueDate is set, monthly due dates.
// Nothing is reserved.
func (s *IngestionService) PreviewSequence(ctx context.Context, count int, baseDueDate *time.Time) (*SequencePreview, error) {
	if s.cfg.MaxBatchFiles > 0 && count > s.cfg.MaxBatchFiles {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyFiles, s.cfg.MaxBatchFiles)
	}
	numbers, err := s.sequence.NextNumbers(ctx, count)
	if err != nil {
		return nil, err
	}
	preview := &SequencePreview{Numbers: numbers}
	if baseDueDate != nil {
		for _, due := range GenerateDueDates(*baseDueDate, count) {
			preview.DueDates = append(preview.DueDates, due.Format("2006-01-02"))
		}
	}
	return preview, nil
}

// DiagnoseEnrollment exposes the enrollment resolver to operators.
func (s *IngestionService) DiagnoseEnrollment(ctx context.Context, q EnrollmentQuery) (domain.Diagnosis, error) {
	if !ValidateCPF(q.CPF) {
		return domain.Diagnosis{}, ErrInvalidCPF
	}
	return s.resolver.Resolve(ctx, q)
}

// QuoteDiscount returns the PIX discount a slip would get if paid on asOf.
func (s *IngestionService) QuoteDiscount(ctx context.Context, number string, asOf time.Time) (domain.DiscountQuote, error) {
	return s.discounts.Quote(ctx, number, asOf)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
