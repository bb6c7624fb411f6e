package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rakunlabs/aiservice/internal/apierr"
)

// writeJSON mirrors the teacher's httpResponseJSON helper, generalized to
// this service's success-envelope shape.
func writeJSON(w http.ResponseWriter, v any, code int) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// writeErr renders any error as the §7 JSON error envelope, unwrapping an
// *apierr.Error when present and falling back to INTERNAL_ERROR otherwise.
func writeErr(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		apierr.WriteHTTP(w, ae)
		return
	}
	apierr.WriteHTTP(w, apierr.New(apierr.CodeInternal, err.Error()))
}
