package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smart-mail-reply-go/internal/repository"
)

// GetJobs returns job history, optionally filtered by kind and status
func (h *Handlers) GetJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	recs, err := h.jobs.ListJobs(c.Request.Context(), repository.JobFilter{
		Kind:   c.Query("kind"),
		Status: c.Query("status"),
		Limit:  limit,
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to fetch jobs")
		return
	}

	responses := make([]JobResponse, 0, len(recs))
	for _, rec := range recs {
		responses = append(responses, newJobResponse(rec))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  responses,
		"limit": limit,
	})
}

// GetJob returns one job record
func (h *Handlers) GetJob(c *gin.Context) {
	rec, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "job")
		return
	}
	c.JSON(http.StatusOK, newJobResponse(*rec))
}
