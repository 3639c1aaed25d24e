package domain

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FailureCode is the machine-readable reason an ingestion item failed.
type FailureCode string

const (
	FailureInvalidFile         FailureCode = "InvalidFile"
	FailureMalformedName       FailureCode = "MalformedName"
	FailureInvalidCpf          FailureCode = "InvalidCpf"
	FailureInvalidInput        FailureCode = "InvalidInput"
	FailureStudentNotFound     FailureCode = "StudentNotFound"
	FailureStudentNotSynced    FailureCode = "StudentNotSynced"
	FailureNoEnrollments       FailureCode = "NoEnrollments"
	FailureNotEnrolledInCourse FailureCode = "NotEnrolledInCourse"
	FailureNumberConflict      FailureCode = "NumberConflict"
	FailureStorageError        FailureCode = "StorageError"
	FailurePersistenceError    FailureCode = "PersistenceError"
)

// IsInfrastructure reports whether the code points at the environment rather than the data.
func (c FailureCode) IsInfrastructure() bool {
	return c == FailureStorageError || c == FailurePersistenceError
}

// IngestionMode identifies the submission shape.
type IngestionMode string

const (
	ModeSingle        IngestionMode = "single"
	ModeStudentBatch  IngestionMode = "student_batch"
	ModeFilenameBatch IngestionMode = "filename_batch"
)

// ItemOutcome is the processing state of one uploaded file.
type ItemOutcome string

const (
	OutcomePending   ItemOutcome = "pending"
	OutcomeSucceeded ItemOutcome = "succeeded"
	OutcomeFailed    ItemOutcome = "failed"
)

// UploadedFile is a file received from the caller. Open may be called more than once.
type UploadedFile struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// SingleIngestionRequest carries one file and every field explicitly.
type SingleIngestionRequest struct {
	File               UploadedFile
	CPF                string
	CampusID           uuid.UUID
	CourseID           uuid.UUID
	Number             string
	Amount             decimal.Decimal
	DueDate            time.Time
	Description        string
	PixDiscountEnabled bool
}

// StudentBatchHeader identifies the single student all items of a student batch belong to.
// FirstDueDate, when set, seeds monthly due dates for items submitted without one.
type StudentBatchHeader struct {
	CPF          string
	CampusID     uuid.UUID
	CourseID     uuid.UUID
	FirstDueDate *time.Time
}

// StudentBatchItem is one slip of a student batch. An empty Number is generated by the engine.
type StudentBatchItem struct {
	File               UploadedFile
	Number             string
	Amount             decimal.Decimal
	DueDate            time.Time
	Description        string
	PixDiscountEnabled bool
}

// FilenameBatchHeader holds the fields shared by every file of a filename batch.
// Student and number come from each `<cpf>_<number>.pdf` filename.
type FilenameBatchHeader struct {
	CampusID           uuid.UUID
	CourseID           uuid.UUID
	Amount             decimal.Decimal
	DueDate            time.Time
	Description        string
	PixDiscountEnabled bool
}

// IngestionItem is the per-file result of a submission.
type IngestionItem struct {
	Index              int             `json:"index"`
	Filename           string          `json:"filename"`
	CPF                string          `json:"cpf,omitempty"`
	StudentID          *uuid.UUID      `json:"student_id,omitempty"`
	CourseID           *uuid.UUID      `json:"course_id,omitempty"`
	Number             string          `json:"number,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	Description        string          `json:"description,omitempty"`
	PixDiscountEnabled bool            `json:"pix_discount_enabled"`
	Outcome            ItemOutcome     `json:"outcome"`
	FailureCode        FailureCode     `json:"failure_code,omitempty"`
	FailureMessage     string          `json:"failure_message,omitempty"`
	BoletoID           *uuid.UUID      `json:"boleto_id,omitempty"`
	FilePath           string          `json:"file_path,omitempty"`
}

// BatchResult lists every item in submission order.
type BatchResult struct {
	Items        []IngestionItem `json:"items"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
}

// Tally recomputes the success and failure counters from Items.
func (r *BatchResult) Tally() {
	r.SuccessCount, r.FailureCount = 0, 0
	for _, item := range r.Items {
		switch item.Outcome {
		case OutcomeSucceeded:
			r.SuccessCount++
		case OutcomeFailed:
			r.FailureCount++
		}
	}
}

// DiagnosisCode is the ordered outcome of enrollment resolution.
type DiagnosisCode string

const (
	DiagnosisOK                  DiagnosisCode = "OK"
	DiagnosisStudentNotFound     DiagnosisCode = "StudentNotFound"
	DiagnosisStudentNotSynced    DiagnosisCode = "StudentNotSynced"
	DiagnosisNoEnrollments       DiagnosisCode = "NoEnrollments"
	DiagnosisNotEnrolledInCourse DiagnosisCode = "NotEnrolledInCourse"
)

// Diagnosis explains whether a student can be billed for a course and, if not, why.
type Diagnosis struct {
	Code       DiagnosisCode `json:"code"`
	Message    string        `json:"message"`
	Student    *Student      `json:"student,omitempty"`
	Enrollment *Enrollment   `json:"enrollment,omitempty"`
	Resynced   bool          `json:"resynced"`
}

// OK reports whether an active enrollment for the exact course was found.
func (d Diagnosis) OK() bool {
	return d.Code == DiagnosisOK
}

// FailureCode maps a non-OK diagnosis onto the ingestion failure taxonomy.
func (d Diagnosis) FailureCode() FailureCode {
	switch d.Code {
	case DiagnosisStudentNotFound:
		return FailureStudentNotFound
	case DiagnosisStudentNotSynced:
		return FailureStudentNotSynced
	case DiagnosisNoEnrollments:
		return FailureNoEnrollments
	case DiagnosisNotEnrolledInCourse:
		return FailureNotEnrolledInCourse
	default:
		return ""
	}
}
