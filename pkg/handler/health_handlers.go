package handler

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"threadlens/pkg/queue"
)

// HealthHandler serves the liveness/readiness probe.
type HealthHandler struct {
	queue queue.Queue
	pid   int
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(q queue.Queue) *HealthHandler {
	return &HealthHandler{queue: q, pid: os.Getpid()}
}

// Get answers the health probe.
//
//	GET /health
//	200 {status, queue_depth, process_id}
func (h *HealthHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"queue_depth": h.queue.Depth(),
		"process_id":  h.pid,
	})
}
