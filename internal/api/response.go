// Package api implements the HTTP gateway: the request/response function
// endpoints and the WebSocket sync endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// CallResponse is the success envelope for function calls.
type CallResponse struct {
	Value json.RawMessage `json:"value"`
}

// ErrorResponse is the error envelope for function calls.
type ErrorResponse struct {
	Error     string         `json:"error"`
	ErrorCode string         `json:"errorCode"`
	ErrorData map[string]any `json:"errorData,omitempty"`
}

// WriteError writes an error envelope with an explicit status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, ErrorCode: code})
}

// writeFault maps a fault to its HTTP status and envelope. Non-fault
// errors surface as INTERNAL without leaking their text.
func writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		WriteJSON(w, fault.HTTPStatus(fe.Kind), ErrorResponse{
			Error:     fe.Message,
			ErrorCode: string(fe.Kind),
			ErrorData: fe.Data,
		})
		return
	}
	WriteError(w, http.StatusInternalServerError, string(fault.Internal), "internal server error")
}
