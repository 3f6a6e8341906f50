package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	platformauth "github.com/zenGate-Global/palmyra-roster/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-roster/platform/go/logging"
)

const (
	problemTypeValidation    = "https://roster.land/problems/validation-error"
	problemTypeUnprocessable = "https://roster.land/problems/unprocessable-file"
	problemTypeTooLarge      = "https://roster.land/problems/file-too-large"
	problemTypeUnauthorized  = "https://roster.land/problems/unauthorized"
	problemTypeNotFound      = "https://roster.land/problems/not-found"
	problemTypeConflict      = "https://roster.land/problems/conflict"
	problemTypeInternal      = "https://roster.land/problems/internal-error"
)

type operation string

const (
	analyzeOperation  operation = "importsAnalyze"
	submitOperation   operation = "importsSubmit"
	processOperation  operation = "importsProcess"
	getOperation      operation = "importsGet"
	listOperation     operation = "importsList"
	resubmitOperation operation = "importsResubmit"
)

// DefaultMaxUploadBytes bounds a multipart upload when no explicit limit is configured.
const DefaultMaxUploadBytes int64 = 10 << 20

// multipart framing and the form fields around the file
const formOverheadBytes int64 = 1 << 20

// Handler exposes the imports service over HTTP.
type Handler struct {
	svc            service.Service
	logger         *zap.Logger
	maxUploadBytes int64
}

// New constructs a Handler instance. maxUploadBytes <= 0 selects DefaultMaxUploadBytes.
func New(svc service.Service, logger *zap.Logger, maxUploadBytes int64) *Handler {
	if svc == nil {
		panic("imports service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, logger: logger, maxUploadBytes: maxUploadBytes}
}

// Register mounts the imports routes. Every route requires an admin; validator guards the JSON
// endpoints and the multipart endpoints validate their own form.
func (h *Handler) Register(r chi.Router, validator func(http.Handler) http.Handler) {
	r.Route("/imports", func(r chi.Router) {
		r.Use(platformauth.RequireRole(platformauth.RoleAdmin))

		r.Post("/analyze", h.Analyze)
		r.Post("/", h.Submit)

		r.Group(func(r chi.Router) {
			if validator != nil {
				r.Use(validator)
			}
			r.Get("/", h.List)
			r.Post("/process", h.Process)
			r.Get("/{importId}", h.Get)
			r.Post("/{importId}/resubmit", h.Resubmit)
		})
	})
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	input, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, r, err, analyzeOperation)
		return
	}

	analysis, err := h.svc.Analyze(r.Context(), input.AnalyzeInput)
	if err != nil {
		h.writeError(w, r, err, analyzeOperation)
		return
	}
	writeJSON(w, http.StatusOK, toAnalysisResponse(analysis))
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	input, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, r, err, submitOperation)
		return
	}

	job, err := h.svc.Submit(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err, submitOperation)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/imports/%s", job.ID))
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

type processRequest struct {
	ImportID string `json:"importId"`
}

type processResponse struct {
	ImportID uuid.UUID `json:"importId"`
	Status   string    `json:"status"`
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, &service.ValidationError{Fields: service.FieldErrors{"body": {"request body must be a JSON object"}}}, processOperation)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(body.ImportID))
	if err != nil {
		h.writeError(w, r, &service.ValidationError{Fields: service.FieldErrors{"importId": {"importId must be a UUID"}}}, processOperation)
		return
	}

	if err := h.svc.Trigger(r.Context(), id); err != nil {
		h.writeError(w, r, err, processOperation)
		return
	}

	platformlogging.ForImport(h.loggerFrom(r.Context()), id.String()).Info("import job dispatched")
	writeJSON(w, http.StatusAccepted, processResponse{ImportID: id, Status: "processing"})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := importIDParam(r)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}

	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := buildListOptions(r)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	items := make([]jobResponse, 0, len(result.Jobs))
	for _, job := range result.Jobs {
		items = append(items, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, jobListResponse{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	id, err := importIDParam(r)
	if err != nil {
		h.writeError(w, r, err, resubmitOperation)
		return
	}

	job, err := h.svc.Resubmit(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, resubmitOperation)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/imports/%s", job.ID))
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// readUpload parses the multipart form shared by analyze and submit.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (service.SubmitInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+formOverheadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return service.SubmitInput{}, &csvimport.IngestError{Kind: csvimport.IngestFileTooLarge, Limit: h.maxUploadBytes}
		}
		return service.SubmitInput{}, &service.ValidationError{Fields: service.FieldErrors{"body": {"request must be multipart/form-data"}}}
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	fields := service.FieldErrors{}
	input := service.SubmitInput{
		AnalyzeInput: service.AnalyzeInput{Kind: r.FormValue("kind")},
		NotifyEmail:  r.FormValue("notifyEmail"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		fields["file"] = append(fields["file"], "file is required")
	case err != nil:
		return service.SubmitInput{}, fmt.Errorf("read upload: %w", err)
	default:
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
		if err != nil {
			return service.SubmitInput{}, fmt.Errorf("read upload: %w", err)
		}
		if int64(len(data)) > h.maxUploadBytes {
			return service.SubmitInput{}, &csvimport.IngestError{Kind: csvimport.IngestFileTooLarge, Limit: h.maxUploadBytes}
		}
		input.Data = data
		input.FileName = header.Filename
	}

	if raw := strings.TrimSpace(r.FormValue("mapping")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.Mapping); err != nil {
			fields["mapping"] = append(fields["mapping"], "mapping must be a JSON object of header to field")
		}
	}
	if raw := strings.TrimSpace(r.FormValue("overrides")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.Overrides); err != nil {
			fields["overrides"] = append(fields["overrides"], "overrides must be a JSON object of row index to action")
		}
	}

	if len(fields) > 0 {
		return service.SubmitInput{}, &service.ValidationError{Fields: fields}
	}
	return input, nil
}

func importIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "importId"))
	if err != nil {
		return uuid.Nil, &service.ValidationError{Fields: service.FieldErrors{"importId": {"importId must be a UUID"}}}
	}
	return id, nil
}

func buildListOptions(r *http.Request) (service.ListOptions, error) {
	query := r.URL.Query()
	opts := service.ListOptions{}
	fields := service.FieldErrors{}

	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			fields["page"] = append(fields["page"], "page must be an integer")
		}
		opts.Page = page
	}
	if raw := query.Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			fields["pageSize"] = append(fields["pageSize"], "pageSize must be an integer")
		}
		opts.PageSize = size
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		opts.Status = &raw
	}

	if len(fields) > 0 {
		return service.ListOptions{}, &service.ValidationError{Fields: fields}
	}
	return opts, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op operation) {
	status, problem := h.problemForError(r.Context(), err, op)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}
	writeProblem(w, problem)
}

func (h *Handler) problemForError(ctx context.Context, err error, op operation) (int, problemDetails) {
	status, title, detail, problemType, fields := classifyError(err)

	logger := h.loggerFrom(ctx)
	fieldsForLog := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("imports operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("imports resource not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("imports request rejected", append(fieldsForLog, zap.Error(err))...)
	}

	return status, buildProblem(title, detail, problemType, status, fields)
}

func classifyError(err error) (status int, title, detail, problemType string, fieldErrors service.FieldErrors) {
	var validationErr *service.ValidationError
	var ingestErr *csvimport.IngestError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest,
			"Validation failed",
			"one or more fields are invalid",
			problemTypeValidation,
			validationErr.Fields
	case errors.As(err, &ingestErr):
		return classifyIngestError(ingestErr)
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound,
			"Resource not found",
			"import job not found",
			problemTypeNotFound,
			nil
	case errors.Is(err, service.ErrAlreadyClaimed):
		return http.StatusConflict,
			"Conflict",
			"import job is not pending or does not exist",
			problemTypeConflict,
			nil
	case errors.Is(err, service.ErrNotResubmittable):
		return http.StatusConflict,
			"Conflict",
			"only failed import jobs can be resubmitted",
			problemTypeConflict,
			nil
	default:
		return http.StatusInternalServerError,
			"Internal server error",
			"an unexpected error occurred",
			problemTypeInternal,
			nil
	}
}

func classifyIngestError(err *csvimport.IngestError) (int, string, string, string, service.FieldErrors) {
	fields := service.FieldErrors{"file": {err.Error()}}
	switch err.Kind {
	case csvimport.IngestFileTooLarge:
		return http.StatusRequestEntityTooLarge, "File too large", err.Error(), problemTypeTooLarge, fields
	case csvimport.IngestMissingColumns:
		missing := make([]string, 0, len(err.Columns))
		for _, column := range err.Columns {
			missing = append(missing, fmt.Sprintf("column %q is required", column))
		}
		return http.StatusUnprocessableEntity, "File rejected", err.Error(), problemTypeUnprocessable, service.FieldErrors{"file": missing}
	case csvimport.IngestRowLimitExceeded:
		return http.StatusUnprocessableEntity, "File rejected", err.Error(), problemTypeUnprocessable, fields
	case csvimport.IngestInvalidMapping:
		return http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation, service.FieldErrors{"mapping": {err.Error()}}
	default:
		return http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation, fields
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
