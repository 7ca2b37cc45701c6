package response

import (
	"encoding/json"
	"errors"
	"net/http"
)

type errorBody struct {
	Error     string   `json:"error"`
	Status    int      `json:"status"`
	Details   []string `json:"details,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

// WriteJSON encodes v as the response body with the given status code
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteResponse writes v as a 200 JSON response
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	WriteJSON(w, http.StatusOK, v)
}

// WriteError writes err as a JSON error body. Errors that are not *Error are reported as 500
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var rErr *Error
	if !errors.As(err, &rErr) {
		rErr = ErrUnexpected()
	}
	if rErr.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, rErr.StatusCode, errorBody{
		Error:     rErr.Message,
		Status:    rErr.StatusCode,
		Details:   rErr.Messages,
		Retryable: rErr.Retryable,
	})
}
