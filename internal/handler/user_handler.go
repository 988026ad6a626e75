package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"smart-mail-reply-go/internal/jobs"
)

// Subscribe (re)starts change notifications for a user and resets its cursor
func (h *Handlers) Subscribe(c *gin.Context) {
	id, ok := idParam(c, "user")
	if !ok {
		return
	}

	sub, err := h.syncer.Subscribe(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "user")
		return
	}

	c.JSON(http.StatusOK, SubscribeResponse{UserID: id, Offset: sub.Offset, ExpiresAt: sub.ExpiresAt})
}

// Onboard queues the onboarding job
func (h *Handlers) Onboard(c *gin.Context) {
	h.enqueue(c, jobs.KindOnboarding, h.service.Onboard)
}

// RegenerateStyle queues a style-profile regeneration
func (h *Handlers) RegenerateStyle(c *gin.Context) {
	h.enqueue(c, jobs.KindStyleRegeneration, h.service.RegenerateStyle)
}

// RegenerateRelationships queues a contacts and rules regeneration
func (h *Handlers) RegenerateRelationships(c *gin.Context) {
	h.enqueue(c, jobs.KindRelationshipRegeneration, h.service.RegenerateRelationships)
}

func (h *Handlers) enqueue(c *gin.Context, kind jobs.Kind, fn func(context.Context, uint) (string, error)) {
	id, ok := idParam(c, "user")
	if !ok {
		return
	}

	jobID, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "user")
		return
	}

	c.JSON(http.StatusAccepted, JobAcceptedResponse{JobID: jobID, Kind: string(kind), UserID: id})
}
