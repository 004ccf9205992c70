package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
)

// statusFor maps store errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsConflict(err), errors.IsInvalidTransition(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeStoreError writes err with the status it maps to. Internal errors are
// logged with context and reported to the caller without details.
func writeStoreError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err)
		writeError(w, status, context)
		return
	}
	writeError(w, status, err.Error(), errors.GetAllHints(err)...)
}
