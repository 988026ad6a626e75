package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/repository"
	"smart-mail-reply-go/internal/service"
)

func abort(c *gin.Context, code int, kind, message string) {
	c.JSON(code, ErrorResponse{Error: kind, Message: message, Code: code})
}

// respondError maps a domain error onto an HTTP status
func respondError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", what+" not found")
	case errors.Is(err, service.ErrDraftSent):
		abort(c, http.StatusConflict, "already_sent", err.Error())
	case apperror.IsPermanent(err):
		abort(c, http.StatusUnprocessableEntity, "precondition_failed", err.Error())
	case apperror.IsTransient(err):
		abort(c, http.StatusServiceUnavailable, "upstream_unavailable", err.Error())
	case apperror.IsDataIntegrity(err):
		logrus.WithError(err).Error("Data integrity violation")
		abort(c, http.StatusInternalServerError, "data_integrity", "Stored data is inconsistent")
	default:
		logrus.WithError(err).Errorf("Request for %s failed", what)
		abort(c, http.StatusInternalServerError, "internal_error", "Failed to process "+what)
	}
}

// idParam parses a numeric path id, writing a 400 when it is invalid
func idParam(c *gin.Context, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		abort(c, http.StatusBadRequest, "invalid_id", "Invalid "+what+" ID")
		return 0, false
	}
	return uint(id), true
}
