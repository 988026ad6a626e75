package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PushGmail accepts a Gmail Pub/Sub push and processes it in the
// background. Pub/Sub retries anything but a 2xx, so a well-formed
// delivery is always acknowledged.
func (h *Handlers) PushGmail(c *gin.Context) {
	var envelope PushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Invalid push envelope")
		return
	}

	data, err := decodePushData(envelope.Message.Data)
	if err != nil {
		abort(c, http.StatusBadRequest, "validation_error", "Push data is not base64")
		return
	}

	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil || n.EmailAddress == "" || n.HistoryID == 0 {
		abort(c, http.StatusBadRequest, "validation_error", "Push data is not a Gmail notification")
		return
	}

	logrus.WithFields(logrus.Fields{
		"address":    n.EmailAddress,
		"offset":     uint64(n.HistoryID),
		"message_id": envelope.Message.MessageID,
	}).Debug("Gmail push received")

	ctx := context.WithoutCancel(c.Request.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.syncer.HandleNotification(ctx, n.EmailAddress, uint64(n.HistoryID))
	}()

	c.Status(http.StatusNoContent)
}

func decodePushData(data string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(strings.TrimSpace(data))
}
