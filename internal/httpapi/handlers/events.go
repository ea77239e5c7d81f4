package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/event"
)

// EventHandler is the ingest side: the task backend posts applied mutations
// here and the service sequences and fans them out.
type EventHandler struct {
	svc *event.Service
}

func NewEventHandler(svc *event.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

func (h *EventHandler) Publish(c *gin.Context) {
	var req event.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := h.svc.Publish(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": ev.Seq})
}
