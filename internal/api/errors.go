package api

import (
	"errors"
	"net/http"

	"fieldlab-api/internal/label"
	"fieldlab-api/internal/provision"
	"fieldlab-api/internal/storage"
)

const conflictMessage = "Identifier conflict, please retry"

// statusFor maps repository and provisioning errors to HTTP status codes.
func statusFor(err error) int {
	var (
		validationErr *provision.ValidationError
		duplicateErr  *provision.DuplicateIdentifierError
		encodingErr   *label.EncodingError
		storeErr      *provision.StoreError
	)
	switch {
	case errors.As(err, &validationErr), errors.Is(err, storage.ErrInvalid):
		return http.StatusBadRequest
	case errors.As(err, &duplicateErr), errors.Is(err, storage.ErrDuplicateUser), errors.Is(err, storage.ErrDuplicateIdentifier):
		return http.StatusConflict
	case errors.As(err, &encodingErr), errors.As(err, &storeErr):
		return http.StatusInternalServerError
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the mapped status. Server errors are logged
// and their detail is withheld from the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Error(message, "error", err, "path", r.URL.Path)
		writeError(w, status, message, errors.New(http.StatusText(status)))
		return
	}
	writeError(w, status, message, err)
}
