package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetMessageDraft returns the draft generated for a stored message
func (h *Handlers) GetMessageDraft(c *gin.Context) {
	id, ok := idParam(c, "message")
	if !ok {
		return
	}

	draft, err := h.service.DraftForMessage(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "draft")
		return
	}
	c.JSON(http.StatusOK, newDraftResponse(draft))
}

// SendDraft delivers a draft through the user's provider
func (h *Handlers) SendDraft(c *gin.Context) {
	id, ok := idParam(c, "draft")
	if !ok {
		return
	}

	draft, err := h.service.SendDraft(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "draft")
		return
	}
	c.JSON(http.StatusOK, newDraftResponse(draft))
}
