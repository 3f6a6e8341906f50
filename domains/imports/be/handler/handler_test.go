package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/reconcile"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	platformauth "github.com/zenGate-Global/palmyra-roster/platform/go/auth"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

type mockService struct {
	analyzeFn  func(ctx context.Context, input service.AnalyzeInput) (service.Analysis, error)
	submitFn   func(ctx context.Context, input service.SubmitInput) (service.Job, error)
	triggerFn  func(ctx context.Context, id uuid.UUID) error
	processFn  func(ctx context.Context, id uuid.UUID) (service.Job, error)
	getFn      func(ctx context.Context, id uuid.UUID) (service.Job, error)
	listFn     func(ctx context.Context, opts service.ListOptions) (service.ListResult, error)
	resubmitFn func(ctx context.Context, id uuid.UUID) (service.Job, error)
}

func (m *mockService) Analyze(ctx context.Context, input service.AnalyzeInput) (service.Analysis, error) {
	if m.analyzeFn == nil {
		panic("analyzeFn not configured")
	}
	return m.analyzeFn(ctx, input)
}

func (m *mockService) Submit(ctx context.Context, input service.SubmitInput) (service.Job, error) {
	if m.submitFn == nil {
		panic("submitFn not configured")
	}
	return m.submitFn(ctx, input)
}

func (m *mockService) Trigger(ctx context.Context, id uuid.UUID) error {
	if m.triggerFn == nil {
		panic("triggerFn not configured")
	}
	return m.triggerFn(ctx, id)
}

func (m *mockService) Process(ctx context.Context, id uuid.UUID) (service.Job, error) {
	if m.processFn == nil {
		panic("processFn not configured")
	}
	return m.processFn(ctx, id)
}

func (m *mockService) Get(ctx context.Context, id uuid.UUID) (service.Job, error) {
	if m.getFn == nil {
		panic("getFn not configured")
	}
	return m.getFn(ctx, id)
}

func (m *mockService) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	if m.listFn == nil {
		panic("listFn not configured")
	}
	return m.listFn(ctx, opts)
}

func (m *mockService) Resubmit(ctx context.Context, id uuid.UUID) (service.Job, error) {
	if m.resubmitFn == nil {
		panic("resubmitFn not configured")
	}
	return m.resubmitFn(ctx, id)
}

var adminCreds = &platformauth.UserCredentials{Id: "admin-1", Email: "admin@example.com", IsAdmin: true}

func newRouter(t *testing.T, svc service.Service, creds *platformauth.UserCredentials, maxUpload int64) http.Handler {
	t.Helper()

	logger := zaptest.NewLogger(t)
	validator, err := NewContractValidator(logger)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if creds != nil {
				req = req.WithContext(platformauth.WithUser(req.Context(), creds))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/v1", func(r chi.Router) {
		New(svc, logger, maxUpload).Register(r, validator)
	})
	return r
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, path string, fields map[string]string, fileName string, file []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if file != nil {
		part, err := writer.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problemDetails {
	t.Helper()
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem problemDetails
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	return problem
}

func sampleJob(id uuid.UUID, status persistence.ImportStatus) service.Job {
	return service.Job{
		ID:        id,
		Kind:      "users",
		FileName:  "spring.csv",
		Status:    status,
		Counters:  persistence.ImportCounters{Total: 3},
		CreatedBy: "admin-1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestContractLoads(t *testing.T) {
	t.Parallel()

	spec, err := Contract()
	require.NoError(t, err)
	require.NotNil(t, spec.Paths.Find("/api/v1/imports/process"))
	require.Contains(t, spec.Components.SecuritySchemes, "bearerAuth")
}

func TestRoutesRequireAdmin(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		creds  *platformauth.UserCredentials
		status int
	}{
		{name: "anonymous", creds: nil, status: http.StatusUnauthorized},
		{name: "non admin", creds: &platformauth.UserCredentials{Id: "user-1"}, status: http.StatusForbidden},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(t, &mockService{}, tc.creds, 0)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/process", strings.NewReader(`{"importId":"`+uuid.NewString()+`"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := serve(router, req)
			require.Equal(t, tc.status, rec.Code)

			rec = serve(router, multipartRequest(t, "/api/v1/imports/analyze", map[string]string{"kind": "users"}, "a.csv", []byte("Email\na@x.com\n")))
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestProcessAccepted(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	var triggered uuid.UUID
	svc := &mockService{triggerFn: func(_ context.Context, got uuid.UUID) error {
		triggered = got
		return nil
	}}
	router := newRouter(t, svc, adminCreds, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/process", strings.NewReader(`{"importId":"`+id.String()+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(router, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, id, triggered)

	var body processResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "processing", body.Status)
	require.Equal(t, id, body.ImportID)
}

func TestProcessConflict(t *testing.T) {
	t.Parallel()

	svc := &mockService{triggerFn: func(context.Context, uuid.UUID) error {
		return service.ErrAlreadyClaimed
	}}
	router := newRouter(t, svc, adminCreds, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/process", strings.NewReader(`{"importId":"`+uuid.NewString()+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(router, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, problemTypeConflict, *problem.Type)
}

func TestProcessRejectsInvalidBody(t *testing.T) {
	t.Parallel()

	router := newRouter(t, &mockService{}, adminCreds, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/process", strings.NewReader(`{"jobId":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(router, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, problemTypeValidation, *problem.Type)
}

func TestSubmitStagesUpload(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	var captured service.SubmitInput
	svc := &mockService{submitFn: func(_ context.Context, input service.SubmitInput) (service.Job, error) {
		captured = input
		return sampleJob(id, persistence.ImportStatusPending), nil
	}}
	router := newRouter(t, svc, adminCreds, 0)

	req := multipartRequest(t, "/api/v1/imports", map[string]string{
		"kind":        "users",
		"mapping":     `{"E-mail":"email"}`,
		"overrides":   `{"2":"update"}`,
		"notifyEmail": "admin@example.com",
	}, "spring.csv", []byte("E-mail\na@x.com\n"))
	rec := serve(router, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/imports/"+id.String(), rec.Header().Get("Location"))

	require.Equal(t, "users", captured.Kind)
	require.Equal(t, "spring.csv", captured.FileName)
	require.Equal(t, []byte("E-mail\na@x.com\n"), captured.Data)
	require.Equal(t, map[string]string{"E-mail": "email"}, captured.Mapping)
	require.Equal(t, map[string]string{"2": "update"}, captured.Overrides)
	require.Equal(t, "admin@example.com", captured.NotifyEmail)

	var body jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, id, body.ImportID)
	require.Equal(t, persistence.ImportStatusPending, body.Status)
	require.NotNil(t, body.Errors)
}

func TestAnalyzeReturnsPreview(t *testing.T) {
	t.Parallel()

	svc := &mockService{analyzeFn: func(_ context.Context, input service.AnalyzeInput) (service.Analysis, error) {
		require.Equal(t, "teams", input.Kind)
		return service.Analysis{
			Kind:    csvimport.KindTeams,
			Headers: []string{"Team ID", "Name", "Division"},
			Plan: reconcile.Plan{
				Kind: csvimport.KindTeams,
				Rows: []reconcile.PlannedRow{{Index: 0, Line: 2, Action: reconcile.RowCreate}},
			},
		}, nil
	}}
	router := newRouter(t, svc, adminCreds, 0)

	rec := serve(router, multipartRequest(t, "/api/v1/imports/analyze", map[string]string{"kind": "teams"}, "teams.csv", []byte("Team ID,Name,Division\nT1,Robots,Senior\n")))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "teams", body["kind"])
	require.Len(t, body["rows"], 1)
	require.Equal(t, []any{}, body["conflicts"])
	require.Equal(t, []any{}, body["teamsToCreate"])
}

func TestAnalyzeRejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		fields    map[string]string
		file      []byte
		maxUpload int64
		svcErr    error
		status    int
		field     string
	}{
		{
			name:   "missing file",
			fields: map[string]string{"kind": "users"},
			status: http.StatusBadRequest,
			field:  "file",
		},
		{
			name:   "mapping is not json",
			fields: map[string]string{"kind": "users", "mapping": "email"},
			file:   []byte("Email\na@x.com\n"),
			status: http.StatusBadRequest,
			field:  "mapping",
		},
		{
			name:      "file too large",
			fields:    map[string]string{"kind": "users"},
			file:      []byte("Email\nsomebody-with-a-long-address@example.com\n"),
			maxUpload: 16,
			status:    http.StatusRequestEntityTooLarge,
			field:     "file",
		},
		{
			name:   "missing required column",
			fields: map[string]string{"kind": "users"},
			file:   []byte("Name\nAnn\n"),
			svcErr: &csvimport.IngestError{Kind: csvimport.IngestMissingColumns, Columns: []string{"email"}},
			status: http.StatusUnprocessableEntity,
			field:  "file",
		},
		{
			name:   "service validation",
			fields: map[string]string{"kind": "parents"},
			file:   []byte("Email\na@x.com\n"),
			svcErr: &service.ValidationError{Fields: service.FieldErrors{"kind": {"kind must be users or teams"}}},
			status: http.StatusBadRequest,
			field:  "kind",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{analyzeFn: func(context.Context, service.AnalyzeInput) (service.Analysis, error) {
				return service.Analysis{}, tc.svcErr
			}}
			router := newRouter(t, svc, adminCreds, tc.maxUpload)

			rec := serve(router, multipartRequest(t, "/api/v1/imports/analyze", tc.fields, "upload.csv", tc.file))

			require.Equal(t, tc.status, rec.Code)
			problem := decodeProblem(t, rec)
			require.Contains(t, problem.Errors, tc.field)
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	svc := &mockService{getFn: func(_ context.Context, got uuid.UUID) (service.Job, error) {
		if got != id {
			return service.Job{}, service.ErrNotFound
		}
		job := sampleJob(id, persistence.ImportStatusFailed)
		job.Errors = []persistence.ImportError{{Row: "job", Reason: "plan schema validation failed"}}
		return job, nil
	}}
	router := newRouter(t, svc, adminCreds, 0)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, persistence.ImportStatusFailed, body.Status)
	require.Equal(t, "job", body.Errors[0].Row)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	decodeProblem(t, rec)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	var captured service.ListOptions
	svc := &mockService{listFn: func(_ context.Context, opts service.ListOptions) (service.ListResult, error) {
		captured = opts
		return service.ListResult{
			Jobs:       []service.Job{sampleJob(uuid.New(), persistence.ImportStatusFailed)},
			Page:       2,
			PageSize:   5,
			TotalItems: 6,
			TotalPages: 2,
		}, nil
	}}
	router := newRouter(t, svc, adminCreds, 0)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports?page=2&pageSize=5&status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 2, captured.Page)
	require.Equal(t, 5, captured.PageSize)
	require.NotNil(t, captured.Status)
	require.Equal(t, "failed", *captured.Status)

	var body jobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Items, 1)
	require.Equal(t, 2, body.TotalPages)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	router := newRouter(t, &mockService{}, adminCreds, 0)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports?status=archived", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResubmit(t *testing.T) {
	t.Parallel()

	failedID := uuid.New()
	newID := uuid.New()
	svc := &mockService{resubmitFn: func(_ context.Context, id uuid.UUID) (service.Job, error) {
		if id != failedID {
			return service.Job{}, service.ErrNotResubmittable
		}
		job := sampleJob(newID, persistence.ImportStatusPending)
		job.ResubmittedFrom = &failedID
		return job, nil
	}}
	router := newRouter(t, svc, adminCreds, 0)

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/imports/"+failedID.String()+"/resubmit", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/imports/"+newID.String(), rec.Header().Get("Location"))
	var body jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, failedID, *body.ResubmittedFrom)

	rec = serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/imports/"+uuid.NewString()+"/resubmit", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "row limit", err: &csvimport.IngestError{Kind: csvimport.IngestRowLimitExceeded, Limit: 5000}, status: http.StatusUnprocessableEntity},
		{name: "empty file", err: &csvimport.IngestError{Kind: csvimport.IngestEmptyFile}, status: http.StatusBadRequest},
		{name: "not found", err: service.ErrNotFound, status: http.StatusNotFound},
		{name: "wrapped conflict", err: fmt.Errorf("claim import job: %w", service.ErrAlreadyClaimed), status: http.StatusConflict},
		{name: "unexpected", err: context.DeadlineExceeded, status: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, _, _, _, _ := classifyError(tc.err)
			require.Equal(t, tc.status, status)
		})
	}
}
