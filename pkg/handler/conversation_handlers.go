// Package handler adapts the ingestion and query services to gin's
// request/response model: JSON binding and status-code mapping only, no
// business logic.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"threadlens/pkg/ingest"
)

// ConversationHandler serves the three admission routes: single, bulk
// array, and bulk NDJSON stream.
type ConversationHandler struct {
	admission *ingest.Controller
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(admission *ingest.Controller) *ConversationHandler {
	return &ConversationHandler{admission: admission}
}

// Create admits a single conversation.
//
//	POST /api/v1/conversations
//	201 {conversation_id, enqueued}
//	400 {error} on a malformed body
//	503 {error} with Retry-After when the queue is at capacity
func (h *ConversationHandler) Create(c *gin.Context) {
	var in ingest.ConversationIn
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.admission.Single(in)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if qfe, ok := ingest.IsQueueFull(err); ok {
			c.Header("Retry-After", strconv.Itoa(qfe.RetryAfterSeconds))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":           err.Error(),
				"conversation_id": result.ConversationID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"conversation_id": result.ConversationID,
		"enqueued":        result.Enqueued,
	})
}

// bulkRequest is the request body for the bulk array route.
type bulkRequest struct {
	Conversations []ingest.ConversationIn `json:"conversations"`
}

// bulkResultView is the wire shape of one bulk-item outcome.
type bulkResultView struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Enqueued       bool   `json:"enqueued"`
	SkippedReason  string `json:"skipped_reason,omitempty"`
}

// CreateBulk admits up to ingest.BulkMax conversations in one request.
//
//	POST /api/v1/conversations/bulk
//	200 {accepted, rejected, backpressure, results}
//	400 {error} for an empty body
//	413 {error} for more than ingest.BulkMax conversations
func (h *ConversationHandler) CreateBulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, summary, err := h.admission.Bulk(req.Conversations)
	if err != nil {
		if errors.Is(err, ingest.ErrTooManyConversations) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	views := make([]bulkResultView, len(results))
	for i, r := range results {
		view := bulkResultView{ConversationID: r.ConversationID, Enqueued: r.Enqueued}
		if r.Rejected {
			view.SkippedReason = r.Error
		}
		views[i] = view
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":     summary.Accepted,
		"rejected":     summary.Rejected,
		"backpressure": summary.Backpressure,
		"results":      views,
	})
}

// CreateBulkStream admits a newline-delimited JSON body of conversations,
// streaming one result line per input line followed by a final _summary
// line, without buffering the whole body or the whole response.
//
//	POST /api/v1/conversations/bulk/stream
//	200 application/x-ndjson
func (h *ConversationHandler) CreateBulkStream(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	if err := h.admission.Stream(c.Request.Body, c.Writer); err != nil {
		// The response is already partially written; nothing more to do
		// beyond logging the write failure upstream via gin's own recovery.
		return
	}
}
