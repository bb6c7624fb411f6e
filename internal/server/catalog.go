package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/aiservice/internal/apierr"
)

// handleFilesRegister serves POST /api/admin/companies/{company_id}/files:
// registers a source file and enqueues its ingestion task (§4.3), scoped
// under the company admin surface rather than the flat /api/extract path.
func (s *Server) handleFilesRegister(w http.ResponseWriter, r *http.Request, companyID string) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "invalid request body"))
		return
	}
	req.CompanyID = companyID

	task, created, err := s.enqueueExtraction(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, map[string]any{"taskId": task.TaskID, "status": task.Status, "created": created}, http.StatusAccepted)
}

// handleFileDelete serves DELETE /api/admin/companies/{company_id}/files/{file_id}
// and DELETE .../extractions/{file_id}: removes every chunk produced for
// the file (§6.1). Idempotent: a repeat call with no matching entries
// still reports success.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request, companyID, fileID string) {
	if s.vectors != nil {
		if err := s.vectors.DeleteByFileID(r.Context(), companyID, fileID); err != nil {
			writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector delete failed"), err))
			return
		}
	}
	writeJSON(w, map[string]any{"companyId": companyID, "fileId": fileID, "success": true, "deletedPoints": 0}, http.StatusOK)
}

// handleProductDelete serves DELETE /api/admin/companies/{company_id}/products/{product_id}.
func (s *Server) handleProductDelete(w http.ResponseWriter, r *http.Request, companyID, productID string) {
	if s.vectors != nil {
		if err := s.vectors.DeleteByProductID(r.Context(), companyID, productID); err != nil {
			writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector delete failed"), err))
			return
		}
	}
	writeJSON(w, map[string]any{"companyId": companyID, "productId": productID, "success": true}, http.StatusOK)
}

// handleServiceDelete serves DELETE /api/admin/companies/{company_id}/services/{service_id}.
func (s *Server) handleServiceDelete(w http.ResponseWriter, r *http.Request, companyID, serviceID string) {
	if s.vectors != nil {
		if err := s.vectors.DeleteByServiceID(r.Context(), companyID, serviceID); err != nil {
			writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector delete failed"), err))
			return
		}
	}
	writeJSON(w, map[string]any{"companyId": companyID, "serviceId": serviceID, "success": true}, http.StatusOK)
}
