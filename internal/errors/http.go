package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse is the standard JSON error envelope.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody carries the machine code and human message for one error.
type HTTPErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusCode maps an application error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidTransition(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode maps an application error to a stable machine code.
func ErrorCode(err error) string {
	switch {
	case IsValidation(err):
		return "VALIDATION_ERROR"
	case IsNotFound(err):
		return "NOT_FOUND"
	case IsInvalidTransition(err):
		return "INVALID_TRANSITION"
	default:
		return "INTERNAL_ERROR"
	}
}

// RespondWithError writes the standard error envelope for err.
func RespondWithError(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorBody{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	})
}
