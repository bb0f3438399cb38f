package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/store"
	"github.com/gin-gonic/gin"
)

// Response is the envelope every endpoint returns. ReauthRequired is a
// dedicated flag so the frontend can redirect to login instead of showing a
// retry button; a 401 status alone is not enough since other kinds use it.
type Response struct {
	Success        bool        `json:"success"`
	Message        string      `json:"message"`
	Data           interface{} `json:"data,omitempty"`
	Error          string      `json:"error,omitempty"`
	ReauthRequired bool        `json:"reauthRequired,omitempty"`
}

// Paginated wraps a list page with the pagination metadata the frontend
// renders.
type Paginated struct {
	Items           interface{} `json:"items"`
	CurrentPage     int         `json:"currentPage"`
	TotalPages      int         `json:"totalPages"`
	TotalCount      int         `json:"totalCount"`
	HasNextPage     bool        `json:"hasNextPage"`
	HasPreviousPage bool        `json:"hasPreviousPage"`
}

// NewPaginated computes page metadata for a total of totalCount items.
func NewPaginated(items interface{}, page, pageSize, totalCount int) Paginated {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (totalCount + pageSize - 1) / pageSize
	}
	return Paginated{
		Items:           items,
		CurrentPage:     page,
		TotalPages:      totalPages,
		TotalCount:      totalCount,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1 && totalCount > 0,
	}
}

// OK writes a success envelope.
func OK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// Fail classifies err into the taxonomy and writes the matching status and
// envelope. The stable kind string goes in the error field; the message stays
// a short human summary.
func Fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == "" && errors.Is(err, store.ErrNotFound) {
		kind = apperr.KindNotFound
	}

	status := http.StatusInternalServerError
	message := "internal error"
	reauth := false

	switch kind {
	case apperr.KindReauthRequired:
		status = http.StatusUnauthorized
		message = "re-authentication required"
		reauth = true
	case apperr.KindExchangeFailed, apperr.KindIdentityFetchFailed:
		status = http.StatusUnauthorized
		message = "authentication failed"
	case apperr.KindRemoteAccessForbidden:
		status = http.StatusForbidden
		message = "insufficient Gmail permissions"
	case apperr.KindRemoteRateLimited:
		status = http.StatusTooManyRequests
		message = "rate limited by Gmail, retry later"
	case apperr.KindRefreshTransientFailure, apperr.KindRemoteFetchFailed:
		status = http.StatusBadGateway
		message = "temporary failure talking to Gmail, retry later"
	case apperr.KindMissingConfiguration:
		status = http.StatusServiceUnavailable
		message = "Google OAuth is not configured"
	case apperr.KindNotFound:
		status = http.StatusNotFound
		message = "not found"
	case apperr.KindValidationFailed:
		status = http.StatusBadRequest
		message = "invalid request"
	}

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		message = ae.Message
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err, "path", c.FullPath())
	}

	errCode := string(kind)
	if errCode == "" {
		errCode = "INTERNAL_ERROR"
	}

	c.JSON(status, Response{
		Success:        false,
		Message:        message,
		Error:          errCode,
		ReauthRequired: reauth,
	})
}

// AbortUnauthorized writes a 401 envelope and aborts the gin chain; used by
// the auth middleware.
func AbortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Success: false,
		Message: message,
		Error:   "UNAUTHORIZED",
	})
}

// BadRequest writes a 400 validation envelope.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Message: message,
		Error:   string(apperr.KindValidationFailed),
	})
}
