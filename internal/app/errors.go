package app

import (
	"errors"
	"fmt"
	"net/http"

	"docstore/api/internal/attachment"
	"docstore/api/internal/filter"
	"docstore/api/internal/reconcile"
	"docstore/api/internal/resource"
	"docstore/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr    *DomainError
		malformedErr *filter.MalformedError
		payloadErr   *attachment.PayloadError
		uploadErr    *attachment.UploadError
		commitErr    *reconcile.CommitError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, resource.ErrUnknown):
		return http.StatusNotFound, "UNKNOWN_RESOURCE", err.Error(), nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.As(err, &malformedErr):
		return http.StatusBadRequest, "MALFORMED_FILTER", malformedErr.Error(), map[string]any{
			"path": malformedErr.Path,
			"op":   string(malformedErr.Op),
		}
	case errors.As(err, &payloadErr):
		return http.StatusBadRequest, "INVALID_ATTACHMENT", payloadErr.Error(), map[string]any{
			"field": payloadErr.Field,
			"index": payloadErr.Index,
		}
	case errors.As(err, &uploadErr):
		return http.StatusBadGateway, "UPLOAD_FAILED", "Attachment upload failed", map[string]any{
			"field": uploadErr.Field,
		}
	case errors.As(err, &commitErr):
		return http.StatusInternalServerError, "COMMIT_FAILED", "Write was not applied", nil
	case errors.Is(err, reconcile.ErrMissingID), errors.Is(err, reconcile.ErrDuplicateID):
		return http.StatusBadRequest, "INVALID_RECORDS", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
