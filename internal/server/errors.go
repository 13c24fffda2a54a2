package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iimez/llmpool/internal/errs"
)

type openaiError struct {
	Error openaiErrorBody `json:"error"`
}

type openaiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// statusForErr maps an internal errs.Kind to an HTTP status code.
func statusForErr(err error) int {
	var e *errs.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case errs.KindModelNotFound:
		return http.StatusNotFound
	case errs.KindModelNotReady:
		return http.StatusServiceUnavailable
	case errs.KindCancelled:
		return http.StatusRequestTimeout
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindInstanceLoadError, errs.KindEngineError:
		return http.StatusBadGateway
	case errs.KindConfig, errs.KindIllegalState:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openaiError{
		Error: openaiErrorBody{
			Message: message,
			Type:    "invalid_request_error",
			Code:    http.StatusText(status),
		},
	})
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusForErr(err), err.Error())
}
