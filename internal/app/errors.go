package app

import (
	"fmt"
	"net/http"

	"inkwell/api/internal/rbac"
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

// decisionError translates a denied authorization decision into the
// HTTP error the caller sees. Denied reads come back as NOT_FOUND so
// note IDs leak nothing about notes the caller cannot see.
func decisionError(d rbac.Decision) *DomainError {
	switch d.Reason {
	case rbac.ReasonNotFound:
		return domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
	case rbac.ReasonNotOwner:
		return domainError(http.StatusForbidden, "NOT_OWNER", "Only the note owner can do this", nil)
	case rbac.ReasonViewerRole:
		return domainError(http.StatusForbidden, "VIEWER_READ_ONLY", "Viewers cannot modify notes", nil)
	default:
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
}
