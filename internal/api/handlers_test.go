package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/unipolo/boleto-service/internal/app"
	"github.com/unipolo/boleto-service/internal/domain"
	"github.com/unipolo/boleto-service/internal/store"
)

const testSecret = "test-secret"

type serviceStub struct {
	singleReq     domain.SingleIngestionRequest
	singleItem    domain.IngestionItem
	studentHeader domain.StudentBatchHeader
	studentItems  []domain.StudentBatchItem
	filenameHdr   domain.FilenameBatchHeader
	filenameFiles []domain.UploadedFile
	diagnosisReq  app.EnrollmentQuery
	quoteAsOf     time.Time
	previewBase   *time.Time
	err           error
}

func (s *serviceStub) IngestSingle(ctx context.Context, req domain.SingleIngestionRequest) (domain.IngestionItem, error) {
	s.singleReq = req
	return s.singleItem, s.err
}

func (s *serviceStub) IngestManyForStudent(ctx context.Context, header domain.StudentBatchHeader, items []domain.StudentBatchItem) (*domain.BatchResult, error) {
	s.studentHeader = header
	s.studentItems = items
	if s.err != nil {
		return nil, s.err
	}
	return &domain.BatchResult{Items: make([]domain.IngestionItem, len(items))}, nil
}

func (s *serviceStub) IngestBatchByFilename(ctx context.Context, header domain.FilenameBatchHeader, files []domain.UploadedFile) (*domain.BatchResult, error) {
	s.filenameHdr = header
	s.filenameFiles = files
	if s.err != nil {
		return nil, s.err
	}
	return &domain.BatchResult{Items: make([]domain.IngestionItem, len(files)), SuccessCount: len(files)}, nil
}

func (s *serviceStub) PreviewSequence(ctx context.Context, count int, baseDueDate *time.Time) (*app.SequencePreview, error) {
	s.previewBase = baseDueDate
	if s.err != nil {
		return nil, s.err
	}
	return &app.SequencePreview{Numbers: make([]string, count)}, nil
}

func (s *serviceStub) DiagnoseEnrollment(ctx context.Context, q app.EnrollmentQuery) (domain.Diagnosis, error) {
	s.diagnosisReq = q
	if s.err != nil {
		return domain.Diagnosis{}, s.err
	}
	return domain.Diagnosis{Code: domain.DiagnosisOK}, nil
}

func (s *serviceStub) QuoteDiscount(ctx context.Context, number string, asOf time.Time) (domain.DiscountQuote, error) {
	s.quoteAsOf = asOf
	return domain.DiscountQuote{}, s.err
}

func newTestRouter(svc BoletoService) http.Handler {
	return BoletoRoutes(NewBoletoHandlers(svc, 1<<20, 10), RouterConfig{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"*"},
		Metrics:        app.NewMetrics().Handler(),
	})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func uploaderToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{"sub": "operator-1", "role": "finance", "permissions": []string{PermissionUpload}})
}

type multipartFile struct {
	field, name, content string
}

func multipartBody(t *testing.T, fields map[string]string, files ...multipartFile) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		part, err := writer.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		io.WriteString(part, f.content)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestAuthentication(t *testing.T) {
	router := newTestRouter(&serviceStub{})
	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "role": "admin"}).SignedString([]byte("other"))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Token abc", want: http.StatusUnauthorized},
		{name: "wrong signature", header: "Bearer " + wrongKey, want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "x", "role": "admin", "exp": time.Now().Add(-time.Minute).Unix()}), want: http.StatusUnauthorized},
		{name: "missing permission", header: "Bearer " + uploaderToken(t), want: http.StatusForbidden},
		{name: "granted permission", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "x", "permissions": "boletos:read enrollments:diagnose"}), want: http.StatusOK},
		{name: "admin role", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "x", "role": "admin"}), want: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/boletos/202401150001/pix-discount", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	router := newTestRouter(&serviceStub{})
	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d", path, rec.Code)
		}
	}
}

func TestIngestSingleHandler(t *testing.T) {
	campusID, courseID := uuid.New(), uuid.New()
	fields := map[string]string{
		"cpf": "529.982.247-25", "campus_id": campusID.String(), "course_id": courseID.String(),
		"number": "202401150001", "amount": "350,00", "due_date": "2024-02-10", "pix_discount_enabled": "true",
	}

	cases := []struct {
		name    string
		outcome domain.ItemOutcome
		err     error
		want    int
	}{
		{name: "stored", outcome: domain.OutcomeSucceeded, want: http.StatusCreated},
		{name: "item failure", outcome: domain.OutcomeFailed, want: http.StatusUnprocessableEntity},
		{name: "persistence down", err: app.ErrPersistenceUnavailable, want: http.StatusServiceUnavailable},
		{name: "inactive course", err: app.ErrCourseInactive, want: http.StatusUnprocessableEntity},
		{name: "unknown course", err: app.ErrCourseNotFound, want: http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &serviceStub{singleItem: domain.IngestionItem{Outcome: tc.outcome}, err: tc.err}
			body, contentType := multipartBody(t, fields, multipartFile{field: "file", name: "slip.pdf", content: "%PDF-1.4"})
			req := httptest.NewRequest(http.MethodPost, "/api/boletos/single", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
			rec := httptest.NewRecorder()

			newTestRouter(svc).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
			if !svc.singleReq.Amount.Equal(decimal.RequireFromString("350.00")) {
				t.Fatalf("expected comma decimal to parse, got %s", svc.singleReq.Amount)
			}
			if svc.singleReq.CampusID != campusID || !svc.singleReq.PixDiscountEnabled || svc.singleReq.DueDate.Format(dateLayout) != "2024-02-10" {
				t.Fatalf("unexpected request %+v", svc.singleReq)
			}
			rc, err := svc.singleReq.File.Open()
			if err != nil {
				t.Fatalf("uploaded file cannot be opened: %v", err)
			}
			defer rc.Close()
			content, _ := io.ReadAll(rc)
			if string(content) != "%PDF-1.4" {
				t.Fatalf("unexpected file content %q", content)
			}
		})
	}
}

func TestIngestSingleHandlerRejectsMalformedForm(t *testing.T) {
	svc := &serviceStub{}
	body, contentType := multipartBody(t, map[string]string{"campus_id": "nope", "course_id": uuid.NewString(), "amount": "1"},
		multipartFile{field: "file", name: "slip.pdf", content: "%PDF-1.4"})
	req := httptest.NewRequest(http.MethodPost, "/api/boletos/single", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
	rec := httptest.NewRecorder()

	newTestRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.singleReq.File.Open != nil {
		t.Fatal("service must not be called for malformed forms")
	}
}

func TestIngestStudentBatchHandlerPairsItemsWithFiles(t *testing.T) {
	svc := &serviceStub{}
	fields := map[string]string{
		"cpf": "52998224725", "campus_id": uuid.NewString(), "course_id": uuid.NewString(),
		"first_due_date": "2024-01-31", "amount": "199.90", "pix_discount_enabled": "on",
		"items": `[{"number":"MANUAL-1"},{"amount":"250.00","due_date":"2024-05-10","pix_discount_enabled":false}]`,
	}
	body, contentType := multipartBody(t, fields,
		multipartFile{field: "files", name: "a.pdf", content: "%PDF-1.4 a"},
		multipartFile{field: "files", name: "b.pdf", content: "%PDF-1.4 b"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/boletos/student-batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
	rec := httptest.NewRecorder()

	newTestRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(svc.studentItems) != 2 {
		t.Fatalf("expected 2 items, got %d", len(svc.studentItems))
	}
	first, second := svc.studentItems[0], svc.studentItems[1]
	if first.Number != "MANUAL-1" || !first.Amount.Equal(decimal.RequireFromString("199.90")) || !first.PixDiscountEnabled || !first.DueDate.IsZero() {
		t.Fatalf("unexpected first item %+v", first)
	}
	if second.Number != "" || !second.Amount.Equal(decimal.RequireFromString("250")) || second.PixDiscountEnabled || second.DueDate.Format(dateLayout) != "2024-05-10" {
		t.Fatalf("unexpected second item %+v", second)
	}
	if svc.studentHeader.FirstDueDate == nil || svc.studentHeader.FirstDueDate.Format(dateLayout) != "2024-01-31" {
		t.Fatalf("unexpected header %+v", svc.studentHeader)
	}
}

func TestIngestStudentBatchHandlerRejectsMismatchedItems(t *testing.T) {
	fields := map[string]string{
		"cpf": "52998224725", "campus_id": uuid.NewString(), "course_id": uuid.NewString(),
		"items": `[{"number":"1"},{"number":"2"}]`,
	}
	body, contentType := multipartBody(t, fields, multipartFile{field: "files", name: "a.pdf", content: "%PDF-1.4"})
	req := httptest.NewRequest(http.MethodPost, "/api/boletos/student-batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
	rec := httptest.NewRecorder()

	newTestRouter(&serviceStub{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestFilenameBatchHandler(t *testing.T) {
	svc := &serviceStub{}
	fields := map[string]string{
		"campus_id": uuid.NewString(), "course_id": uuid.NewString(),
		"amount": "1.234,56", "due_date": "2024-02-10", "description": "Mensalidade",
	}
	body, contentType := multipartBody(t, fields,
		multipartFile{field: "files", name: "52998224725_1.pdf", content: "%PDF-1.4"},
		multipartFile{field: "files", name: "11144477735_2.pdf", content: "%PDF-1.4"},
		multipartFile{field: "files", name: "39053344705_3.pdf", content: "%PDF-1.4"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/boletos/filename-batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
	rec := httptest.NewRecorder()

	newTestRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result domain.BatchResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.SuccessCount != 3 || len(svc.filenameFiles) != 3 || svc.filenameFiles[1].Filename != "11144477735_2.pdf" {
		t.Fatalf("unexpected result %+v files=%d", result, len(svc.filenameFiles))
	}
	if !svc.filenameHdr.Amount.Equal(decimal.RequireFromString("1234.56")) {
		t.Fatalf("expected amount 1234.56, got %s", svc.filenameHdr.Amount)
	}
	if svc.filenameHdr.Description != "Mensalidade" || svc.filenameHdr.PixDiscountEnabled {
		t.Fatalf("unexpected header %+v", svc.filenameHdr)
	}
}

func TestIngestFilenameBatchHandlerRequiresDueDate(t *testing.T) {
	fields := map[string]string{"campus_id": uuid.NewString(), "course_id": uuid.NewString(), "amount": "10"}
	body, contentType := multipartBody(t, fields, multipartFile{field: "files", name: "52998224725_1.pdf", content: "%PDF-1.4"})
	req := httptest.NewRequest(http.MethodPost, "/api/boletos/filename-batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
	rec := httptest.NewRecorder()

	newTestRouter(&serviceStub{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadBodyLimit(t *testing.T) {
	router := BoletoRoutes(NewBoletoHandlers(&serviceStub{}, 16, 1), RouterConfig{JWTSecret: testSecret, AllowedOrigins: []string{"*"}})
	fields := map[string]string{"campus_id": uuid.NewString(), "course_id": uuid.NewString(), "amount": "10", "due_date": "2024-02-10"}
	body, contentType := multipartBody(t, fields, multipartFile{field: "files", name: "52998224725_1.pdf", content: string(bytes.Repeat([]byte("x"), 2<<20))})
	req := httptest.NewRequest(http.MethodPost, "/api/boletos/filename-batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestEnrollmentDiagnosisHandler(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "support-1", "permissions": []string{PermissionDiagnose}})
	campusID, courseID := uuid.New(), uuid.New()
	url := "/api/enrollments/diagnosis?cpf=529.982.247-25&resync=true&campus_id=" + campusID.String() + "&course_id=" + courseID.String()

	svc := &serviceStub{}
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.diagnosisReq.CPF != "52998224725" || !svc.diagnosisReq.AllowResync || svc.diagnosisReq.CourseID != courseID {
		t.Fatalf("unexpected query %+v", svc.diagnosisReq)
	}

	req = httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	newTestRouter(&serviceStub{err: app.ErrInvalidCPF}).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid CPF, got %d", rec.Code)
	}
}

func TestPixDiscountHandler(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "x", "permissions": []string{PermissionRead}})

	svc := &serviceStub{}
	req := httptest.NewRequest(http.MethodGet, "/api/boletos/N1/pix-discount?as_of=2024-02-01", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || svc.quoteAsOf.Format(dateLayout) != "2024-02-01" {
		t.Fatalf("unexpected response %d as_of=%s", rec.Code, svc.quoteAsOf)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/boletos/N1/pix-discount", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	newTestRouter(&serviceStub{err: store.ErrBoletoNotFound}).ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSequencePreviewHandler(t *testing.T) {
	cases := []struct {
		query    string
		err      error
		want     int
		wantBase string
	}{
		{query: "count=3&base_due_date=2024-01-31", want: http.StatusOK, wantBase: "2024-01-31"},
		{query: "count=3&first_due_date=2024-02-15", want: http.StatusOK, wantBase: "2024-02-15"},
		{query: "count=3&base_due_date=2024-03-10&first_due_date=2024-02-15", want: http.StatusOK, wantBase: "2024-03-10"},
		{query: "count=3", want: http.StatusOK},
		{query: "count=0", want: http.StatusBadRequest},
		{query: "count=3&base_due_date=31/01/2024", want: http.StatusBadRequest},
		{query: "count=3", err: app.ErrSequenceExhausted, want: http.StatusConflict},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/boletos/sequence?"+tc.query, nil)
		req.Header.Set("Authorization", "Bearer "+uploaderToken(t))
		rec := httptest.NewRecorder()
		stub := &serviceStub{err: tc.err}
		newTestRouter(stub).ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.query, tc.want, rec.Code)
		}
		if tc.want != http.StatusOK {
			continue
		}
		switch {
		case tc.wantBase == "" && stub.previewBase != nil:
			t.Fatalf("%s: expected no base due date, got %s", tc.query, stub.previewBase)
		case tc.wantBase != "" && (stub.previewBase == nil || stub.previewBase.Format("2006-01-02") != tc.wantBase):
			t.Fatalf("%s: expected base due date %s, got %v", tc.query, tc.wantBase, stub.previewBase)
		}
	}
}
