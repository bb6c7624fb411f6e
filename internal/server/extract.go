package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/domain"
)

// extractRequest is the shared body shape of both ingestion entrypoints
// (§6.1 POST /api/extract/process and /process-async).
type extractRequest struct {
	CompanyID   string         `json:"company_id"`
	FileID      string         `json:"file_id"`
	FileURL     string         `json:"file_url"`
	Industry    string         `json:"industry"`
	DataType    string         `json:"data_type"`
	CallbackURL string         `json:"callback_url"`
	Metadata    map[string]any `json:"file_metadata,omitempty"`
}

func (req extractRequest) validate() error {
	if req.CompanyID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "company_id is required")
	}
	if req.FileID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "file_id is required")
	}
	if req.FileURL == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "file_url is required")
	}
	if req.DataType == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "data_type is required")
	}
	return nil
}

// enqueueExtraction validates and enqueues an ingestion task, deduplicating
// on (company_id, file_id) per §5.
func (s *Server) enqueueExtraction(ctx context.Context, req extractRequest) (*domain.ExtractionTask, bool, error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	task := domain.ExtractionTask{
		TaskID:      ulid.Make().String(),
		CompanyID:   req.CompanyID,
		FileID:      req.FileID,
		FileURL:     req.FileURL,
		Industry:    domain.Industry(req.Industry),
		DataType:    domain.DataType(req.DataType),
		FileMetadata: req.Metadata,
		CallbackURL: req.CallbackURL,
	}

	out, created, err := s.store.EnqueueTask(ctx, task)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", apierr.New(apierr.CodeInternal, "enqueue task failed"), err)
	}
	return out, created, nil
}

// handleExtractAsync serves POST /api/extract/process-async: the primary
// ingestion entrypoint, processed by the worker pool (§6.1, §9 Open
// Questions).
func (s *Server) handleExtractAsync(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "invalid request body"))
		return
	}

	task, created, err := s.enqueueExtraction(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, map[string]any{"taskId": task.TaskID, "status": task.Status, "created": created}, http.StatusAccepted)
}

// handleExtractSync serves POST /api/extract/process: runs the pipeline
// inline and returns the terminal status (§6.1, §9 Open Questions). Its
// only size limit is Ingestion.MaxFileSizeMB, the same cap as the async
// path.
func (s *Server) handleExtractSync(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "invalid request body"))
		return
	}

	task, _, err := s.enqueueExtraction(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	status, chunksCreated, err := s.ingest.RunSync(r.Context(), *task)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"taskId":        task.TaskID,
		"status":        status,
		"chunksCreated": chunksCreated,
	}, http.StatusOK)
}

// handleTaskStatus serves GET /api/admin/tasks/document/{taskId}/status.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeInternal, "fetch task failed"), err))
		return
	}
	if task == nil {
		writeErr(w, apierr.New(apierr.CodeTaskNotFound, fmt.Sprintf("task %q not found", taskID)))
		return
	}
	writeJSON(w, task, http.StatusOK)
}
