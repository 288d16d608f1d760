package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"threadlens/pkg/query"
)

// InsightHandler serves the read-side query routes: paginated insight
// listing and windowed trend aggregates.
type InsightHandler struct {
	queries *query.Service
}

// NewInsightHandler builds an InsightHandler.
func NewInsightHandler(queries *query.Service) *InsightHandler {
	return &InsightHandler{queries: queries}
}

// List answers the insights listing.
//
//	GET /api/v1/insights?sentiment=&topic=&limit=&offset=
//	200 {items, total, limit, offset}
func (h *InsightHandler) List(c *gin.Context) {
	filter := query.Filter{
		Sentiment: c.Query("sentiment"),
		Topic:     c.Query("topic"),
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	page, err := h.queries.List(filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":  page.Items,
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// Trends answers the windowed aggregate.
//
//	GET /api/v1/trends?window=1d|7d|30d
//	200 {window, volume, sentiment_counts, top_topics, top_gaps}
//	400 {error} for any other window value
func (h *InsightHandler) Trends(c *gin.Context) {
	window := c.DefaultQuery("window", "7d")

	trends, err := h.queries.Trends(window)
	if err != nil {
		if errors.Is(err, query.ErrBadWindow) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad window: " + window})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window":           trends.Window,
		"volume":           trends.Volume,
		"sentiment_counts": trends.SentimentCounts,
		"top_topics":       trends.TopTopics,
		"top_gaps":         trends.TopGaps,
	})
}
