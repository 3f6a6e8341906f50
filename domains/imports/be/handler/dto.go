package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/reconcile"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// problemDetails is an RFC 7807 problem document.
type problemDetails struct {
	Type   *string             `json:"type,omitempty"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail *string             `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

func buildProblem(title, detail, problemType string, status int, fieldErrors service.FieldErrors) problemDetails {
	problem := problemDetails{
		Title:  title,
		Status: status,
	}

	if detail != "" {
		problem.Detail = &detail
	}
	if problemType != "" {
		problem.Type = &problemType
	}

	if len(fieldErrors) > 0 {
		copied := make(map[string][]string, len(fieldErrors))
		for field, messages := range fieldErrors {
			copied[field] = append([]string(nil), messages...)
		}
		problem.Errors = copied
	}

	return problem
}

func writeProblem(w http.ResponseWriter, problem problemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

type jobResponse struct {
	ImportID        uuid.UUID                  `json:"importId"`
	Kind            string                     `json:"kind"`
	FileName        string                     `json:"fileName"`
	Status          persistence.ImportStatus   `json:"status"`
	Counters        persistence.ImportCounters `json:"counters"`
	Errors          []persistence.ImportError  `json:"errors"`
	NotifyEmail     string                     `json:"notifyEmail,omitempty"`
	CreatedBy       string                     `json:"createdBy"`
	ResubmittedFrom *uuid.UUID                 `json:"resubmittedFrom,omitempty"`
	CreatedAt       time.Time                  `json:"createdAt"`
	StartedAt       *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt     *time.Time                 `json:"completedAt,omitempty"`
}

func toJobResponse(job service.Job) jobResponse {
	errs := job.Errors
	if errs == nil {
		errs = []persistence.ImportError{}
	}
	return jobResponse{
		ImportID:        job.ID,
		Kind:            job.Kind,
		FileName:        job.FileName,
		Status:          job.Status,
		Counters:        job.Counters,
		Errors:          errs,
		NotifyEmail:     job.NotifyEmail,
		CreatedBy:       job.CreatedBy,
		ResubmittedFrom: job.ResubmittedFrom,
		CreatedAt:       job.CreatedAt.UTC(),
		StartedAt:       utc(job.StartedAt),
		CompletedAt:     utc(job.CompletedAt),
	}
}

type jobListResponse struct {
	Items      []jobResponse `json:"items"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalItems int           `json:"totalItems"`
	TotalPages int           `json:"totalPages"`
}

type analysisResponse struct {
	Kind          csvimport.Kind           `json:"kind"`
	FileName      string                   `json:"fileName,omitempty"`
	Headers       []string                 `json:"headers"`
	Mapping       csvimport.Mapping        `json:"mapping"`
	Warning       string                   `json:"warning,omitempty"`
	Conflicts     []reconcile.Conflict     `json:"conflicts"`
	Advisories    []reconcile.Advisory     `json:"advisories"`
	Rows          []reconcile.PlannedRow   `json:"rows"`
	TeamsToCreate []reconcile.TeamToCreate `json:"teamsToCreate"`
	Changes       []reconcile.RowChanges   `json:"changes"`
	Summary       reconcile.Summary        `json:"summary"`
}

func toAnalysisResponse(a service.Analysis) analysisResponse {
	return analysisResponse{
		Kind:          a.Kind,
		FileName:      a.FileName,
		Headers:       nonNil(a.Headers),
		Mapping:       nonNil(a.Mapping),
		Warning:       a.Warning,
		Conflicts:     nonNil(a.Conflicts),
		Advisories:    nonNil(a.Advisories),
		Rows:          nonNil(a.Plan.Rows),
		TeamsToCreate: nonNil(a.Plan.TeamsToCreate),
		Changes:       nonNil(a.Plan.Changes),
		Summary:       a.Plan.Summary,
	}
}

func nonNil[S ~[]E, E any](s S) S {
	if s == nil {
		return S{}
	}
	return s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
