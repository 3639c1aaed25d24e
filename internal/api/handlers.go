/**
 * @description
 * This file contains the HTTP handlers for the boleto-service's API endpoints.
 * Handlers parse multipart uploads and query strings into domain requests, call the
 * ingestion service and write JSON responses. Whole-submission rejections map to HTTP
 * errors; per-item failures are reported inside the result body.
 *
 * @dependencies
 * - encoding/json, log, mime/multipart, net/http: Standard Go libraries.
 * - github.com/shopspring/decimal: Money parsing.
 * - internal/app, internal/domain, internal/store: Service logic, models and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/app"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
)

const (
	multipartMemory = 32 << 20
	formOverhead    = 1 << 20
	dateLayout      = "2006-01-02"
)

// BoletoService is the application surface the handlers depend on.
type BoletoService interface {
	IngestSingle(ctx context.Context, req domain.SingleIngestionRequest) (domain.IngestionItem, error)
	IngestManyForStudent(ctx context.Context, header domain.StudentBatchHeader, items []domain.StudentBatchItem) (*domain.BatchResult, error)
	IngestBatchByFilename(ctx context.Context, header domain.FilenameBatchHeader, files []domain.UploadedFile) (*domain.BatchResult, error)
	PreviewSequence(ctx context.Context, count int, baseDueDate *time.Time) (*app.SequencePreview, error)
	DiagnoseEnrollment(ctx context.Context, q app.EnrollmentQuery) (domain.Diagnosis, error)
	QuoteDiscount(ctx context.Context, number string, asOf time.Time) (domain.DiscountQuote, error)
}

// BoletoHandlers holds the application service that handlers will use.
type BoletoHandlers struct {
	service        BoletoService
	maxUploadBytes int64
	maxBatchFiles  int
	now            func() time.Time
}

// NewBoletoHandlers creates a new instance of BoletoHandlers.
func NewBoletoHandlers(service BoletoService, maxUploadBytes int64, maxBatchFiles int) *BoletoHandlers {
	return &BoletoHandlers{
		service:        service,
		maxUploadBytes: maxUploadBytes,
		maxBatchFiles:  maxBatchFiles,
		now:            time.Now,
	}
}

// studentBatchItemForm is one entry of the optional `items` JSON field of a student batch.
type studentBatchItemForm struct {
	Number             string           `json:"number"`
	Amount             *decimal.Decimal `json:"amount"`
	DueDate            string           `json:"due_date"`
	Description        *string          `json:"description"`
	PixDiscountEnabled *bool            `json:"pix_discount_enabled"`
}

// IngestSingleHandler handles the upload of one slip with every field explicit.
func (h *BoletoHandlers) IngestSingleHandler(w http.ResponseWriter, r *http.Request) {
	form, ok := h.parseUpload(w, r, "single", 1)
	if !ok {
		return
	}
	defer form.RemoveAll()

	files := form.File["file"]
	if len(files) != 1 {
		h.writeError(w, http.StatusBadRequest, "exactly one file is required in field 'file'")
		return
	}

	campusID, courseID, err := campusAndCourse(form.Value)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(formValue(form.Value, "amount"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dueDate, err := parseOptionalDate(formValue(form.Value, "due_date"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pix, err := parseBool(formValue(form.Value, "pix_discount_enabled"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := domain.SingleIngestionRequest{
		File:               uploadedFile(files[0]),
		CPF:                formValue(form.Value, "cpf"),
		CampusID:           campusID,
		CourseID:           courseID,
		Number:             formValue(form.Value, "number"),
		Amount:             amount,
		Description:        formValue(form.Value, "description"),
		PixDiscountEnabled: pix,
	}
	if dueDate != nil {
		req.DueDate = *dueDate
	}

	item, err := h.service.IngestSingle(r.Context(), req)
	if err != nil {
		h.writeSubmissionError(w, r, "single", err)
		return
	}

	status := http.StatusCreated
	if item.Outcome != domain.OutcomeSucceeded {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, item)
}

// IngestStudentBatchHandler handles many slips for one student.
func (h *BoletoHandlers) IngestStudentBatchHandler(w http.ResponseWriter, r *http.Request) {
	form, ok := h.parseUpload(w, r, "student_batch", h.maxBatchFiles)
	if !ok {
		return
	}
	defer form.RemoveAll()

	campusID, courseID, err := campusAndCourse(form.Value)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	firstDue, err := parseOptionalDate(formValue(form.Value, "first_due_date"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	files := form.File["files"]
	items, err := studentBatchItems(form.Value, files)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	header := domain.StudentBatchHeader{
		CPF:          formValue(form.Value, "cpf"),
		CampusID:     campusID,
		CourseID:     courseID,
		FirstDueDate: firstDue,
	}
	result, err := h.service.IngestManyForStudent(r.Context(), header, items)
	if err != nil {
		h.writeSubmissionError(w, r, "student_batch", err)
		return
	}
	h.logBatch(r, "student_batch", result)
	h.writeJSON(w, http.StatusOK, result)
}

// IngestFilenameBatchHandler handles files named `<cpf>_<number>.pdf` sharing one header.
func (h *BoletoHandlers) IngestFilenameBatchHandler(w http.ResponseWriter, r *http.Request) {
	form, ok := h.parseUpload(w, r, "filename_batch", h.maxBatchFiles)
	if !ok {
		return
	}
	defer form.RemoveAll()

	campusID, courseID, err := campusAndCourse(form.Value)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(formValue(form.Value, "amount"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dueDate, err := parseOptionalDate(formValue(form.Value, "due_date"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dueDate == nil {
		h.writeError(w, http.StatusBadRequest, "due_date is required")
		return
	}
	pix, err := parseBool(formValue(form.Value, "pix_discount_enabled"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	uploads := make([]domain.UploadedFile, 0, len(form.File["files"]))
	for _, fh := range form.File["files"] {
		uploads = append(uploads, uploadedFile(fh))
	}

	header := domain.FilenameBatchHeader{
		CampusID:           campusID,
		CourseID:           courseID,
		Amount:             amount,
		DueDate:            *dueDate,
		Description:        formValue(form.Value, "description"),
		PixDiscountEnabled: pix,
	}
	result, err := h.service.IngestBatchByFilename(r.Context(), header, uploads)
	if err != nil {
		h.writeSubmissionError(w, r, "filename_batch", err)
		return
	}
	h.logBatch(r, "filename_batch", result)
	h.writeJSON(w, http.StatusOK, result)
}

// SequencePreviewHandler proposes boleto numbers and monthly due dates without reserving them.
func (h *BoletoHandlers) SequencePreviewHandler(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("count")))
	if err != nil || count <= 0 {
		h.writeError(w, http.StatusBadRequest, "count must be a positive integer")
		return
	}
	rawBase := r.URL.Query().Get("base_due_date")
	if strings.TrimSpace(rawBase) == "" {
		rawBase = r.URL.Query().Get("first_due_date")
	}
	baseDue, err := parseOptionalDate(rawBase)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	preview, err := h.service.PreviewSequence(r.Context(), count, baseDue)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidCount), errors.Is(err, app.ErrTooManyFiles):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrSequenceExhausted):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api endpoint=sequence_preview outcome=failed err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// PixDiscountHandler quotes the PIX discount a slip would receive if paid on as_of (default today).
func (h *BoletoHandlers) PixDiscountHandler(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		h.writeError(w, http.StatusBadRequest, "Boleto number is required")
		return
	}
	parsed, err := parseOptionalDate(r.URL.Query().Get("as_of"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asOf := h.now()
	if parsed != nil {
		asOf = *parsed
	}

	quote, err := h.service.QuoteDiscount(r.Context(), number, asOf)
	if err != nil {
		if errors.Is(err, store.ErrBoletoNotFound) {
			h.writeError(w, http.StatusNotFound, "Boleto not found")
			return
		}
		log.Printf("level=error component=api endpoint=pix_discount outcome=failed number=%s err=%v", number, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// EnrollmentDiagnosisHandler explains whether a student can be billed for a course.
func (h *BoletoHandlers) EnrollmentDiagnosisHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	campusID, courseID, err := campusAndCourse(query)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resync, err := parseBool(query.Get("resync"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	diagnosis, err := h.service.DiagnoseEnrollment(r.Context(), app.EnrollmentQuery{
		CPF:         app.NormalizeCPF(query.Get("cpf")),
		CampusID:    campusID,
		CourseID:    courseID,
		AllowResync: resync,
	})
	if err != nil {
		if errors.Is(err, app.ErrInvalidCPF) {
			h.writeError(w, http.StatusBadRequest, "Invalid CPF")
			return
		}
		log.Printf("level=error component=api endpoint=enrollment_diagnosis outcome=failed campus_id=%s course_id=%s err=%v", campusID, courseID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, diagnosis)
}

// parseUpload bounds the request body and parses the multipart form.
func (h *BoletoHandlers) parseUpload(w http.ResponseWriter, r *http.Request, endpoint string, maxFiles int) (*multipart.Form, bool) {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes*int64(maxFiles)+formOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			log.Printf("level=warn component=api endpoint=%s outcome=reject reason=body_too_large limit=%d", endpoint, maxErr.Limit)
			h.writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return nil, false
		}
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_multipart err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return nil, false
	}
	return r.MultipartForm, true
}

// writeSubmissionError maps a whole-submission rejection to an HTTP status.
func (h *BoletoHandlers) writeSubmissionError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	subject := ""
	if principal, ok := GetPrincipal(r.Context()); ok {
		subject = principal.Subject
	}

	switch {
	case errors.Is(err, app.ErrPersistenceUnavailable):
		log.Printf("level=error component=api class=infrastructure endpoint=%s outcome=reject subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusServiceUnavailable, "Boleto storage is unavailable; nothing was processed. Try again later.")
		return
	case errors.Is(err, app.ErrTooManyFiles):
		h.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, app.ErrEmptySubmission), errors.Is(err, app.ErrInvalidHeader):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrCourseNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrCourseInactive), errors.Is(err, app.ErrCourseCampusMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	log.Printf("level=warn component=api endpoint=%s outcome=reject subject=%s err=%v", endpoint, subject, err)
}

func (h *BoletoHandlers) logBatch(r *http.Request, endpoint string, result *domain.BatchResult) {
	subject := ""
	if principal, ok := GetPrincipal(r.Context()); ok {
		subject = principal.Subject
	}
	log.Printf("level=info component=api endpoint=%s outcome=processed subject=%s items=%d succeeded=%d failed=%d",
		endpoint, subject, len(result.Items), result.SuccessCount, result.FailureCount)
}

// writeJSON is a helper for writing JSON responses.
func (h *BoletoHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BoletoHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func uploadedFile(fh *multipart.FileHeader) domain.UploadedFile {
	return domain.UploadedFile{
		Filename: fh.Filename,
		Size:     fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// studentBatchItems pairs files with the optional `items` JSON metadata. Fields missing from an
// entry fall back to the form-level amount, description and pix_discount_enabled.
func studentBatchItems(values map[string][]string, files []*multipart.FileHeader) ([]domain.StudentBatchItem, error) {
	var meta []studentBatchItemForm
	if raw := formValue(values, "items"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("items must be a JSON array: %v", err)
		}
		if len(meta) != len(files) {
			return nil, fmt.Errorf("items has %d entries but %d files were uploaded", len(meta), len(files))
		}
	}

	var defaultAmount decimal.Decimal
	if raw := formValue(values, "amount"); raw != "" {
		amount, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		defaultAmount = amount
	}
	defaultPix, err := parseBool(formValue(values, "pix_discount_enabled"))
	if err != nil {
		return nil, err
	}
	defaultDescription := formValue(values, "description")

	items := make([]domain.StudentBatchItem, len(files))
	for i, fh := range files {
		item := domain.StudentBatchItem{
			File:               uploadedFile(fh),
			Amount:             defaultAmount,
			Description:        defaultDescription,
			PixDiscountEnabled: defaultPix,
		}
		if meta != nil {
			m := meta[i]
			item.Number = strings.TrimSpace(m.Number)
			if m.Amount != nil {
				item.Amount = *m.Amount
			}
			if m.Description != nil {
				item.Description = *m.Description
			}
			if m.PixDiscountEnabled != nil {
				item.PixDiscountEnabled = *m.PixDiscountEnabled
			}
			due, err := parseOptionalDate(m.DueDate)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %v", i, err)
			}
			if due != nil {
				item.DueDate = *due
			}
		}
		items[i] = item
	}
	return items, nil
}

func campusAndCourse(values map[string][]string) (uuid.UUID, uuid.UUID, error) {
	campusID, err := uuid.Parse(strings.TrimSpace(formValue(values, "campus_id")))
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.New("campus_id must be a valid UUID")
	}
	courseID, err := uuid.Parse(strings.TrimSpace(formValue(values, "course_id")))
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.New("course_id must be a valid UUID")
	}
	return campusID, courseID, nil
}

func formValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// parseAmount accepts "350.00" and the Brazilian "1.234,56".
func parseAmount(raw string) (decimal.Decimal, error) {
	return app.ParseAmount(raw)
}

func parseOptionalDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("date %q must use the YYYY-MM-DD format", raw)
	}
	return &parsed, nil
}

func parseBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	if raw == "on" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%q is not a valid boolean", raw)
	}
	return v, nil
}
