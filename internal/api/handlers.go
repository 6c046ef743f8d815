package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/models"
)

// AddLinkRequest registers a new monitored query by its browser URL.
type AddLinkRequest struct {
	BrowserURL string `json:"browser_url" binding:"required"`
}

// SetStatusRequest transitions a query to a new status.
type SetStatusRequest struct {
	ID     int64         `json:"id" binding:"required"`
	Status models.Status `json:"status" binding:"required"`
}

// addLink translates the browser URL and persists the query.
// POST /query/add_link
func (r *Router) addLink(c *gin.Context) {
	ctx := c.Request.Context()

	var req AddLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request payload",
			"details": err.Error(),
		})
		return
	}

	result, err := r.translator.Translate(req.BrowserURL)
	if err != nil {
		handleStoreError(c, err, "query")
		return
	}

	query, err := r.queries.Create(ctx, result.BrowserURL, result.RequestURL, result.Query)
	if err != nil {
		handleStoreError(c, err, "query")
		return
	}

	r.log.Info("query registered",
		logger.Int64("id", query.ID),
		logger.String("request_url", query.RequestURL))
	c.JSON(http.StatusCreated, query)
}

// listQueries returns all queries, optionally filtered by status or pinned
// to one request URL.
// GET /query?status=ACTIVE
// GET /query?request_url=...
func (r *Router) listQueries(c *gin.Context) {
	ctx := c.Request.Context()

	if requestURL := c.Query("request_url"); requestURL != "" {
		query, err := r.queries.GetByRequestURL(ctx, requestURL)
		if err != nil {
			handleStoreError(c, err, "query")
			return
		}
		c.JSON(http.StatusOK, gin.H{"queries": []*models.Query{query}, "count": 1})
		return
	}

	var filter *models.Status
	if raw := c.Query("status"); raw != "" {
		status := models.Status(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
			return
		}
		filter = &status
	}

	queries, err := r.queries.List(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list queries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queries": queries,
		"count":   len(queries),
	})
}

// getQuery retrieves a query by ID.
// GET /query/:id
func (r *Router) getQuery(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	query, err := r.queries.GetByID(c.Request.Context(), id)
	if err != nil {
		handleStoreError(c, err, "query")
		return
	}
	c.JSON(http.StatusOK, query)
}

// deleteQuery removes a query; the scheduler drops it on its next pass.
// DELETE /query/:id
func (r *Router) deleteQuery(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := r.queries.Delete(c.Request.Context(), id); err != nil {
		handleStoreError(c, err, "query")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// setStatus transitions a query between ACTIVE, PAUSED, and FAILED.
// POST /query/status
func (r *Router) setStatus(c *gin.Context) {
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request payload",
			"details": err.Error(),
		})
		return
	}

	count, err := r.queries.SetStatus(c.Request.Context(), req.ID, req.Status)
	if err != nil {
		handleStoreError(c, err, "query")
		return
	}
	if count == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Query not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// getItem fetches live bid and seller details for one item.
// GET /item/:item_id
func (r *Router) getItem(c *gin.Context) {
	itemID := c.Param("item_id")
	if _, err := models.ItemIDSeq(itemID); err != nil || len(itemID) > models.MaxItemIDLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item id"})
		return
	}

	details, err := r.items.ItemDetails(c.Request.Context(), itemID)
	if err != nil {
		r.log.Error("fetch item details",
			logger.String("item_id", itemID),
			logger.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch item details"})
		return
	}
	c.JSON(http.StatusOK, details)
}

// getPostcode resolves a postal code or municipality name.
// GET /postcode/:value
func (r *Router) getPostcode(c *gin.Context) {
	places, err := r.postal.Resolve(c.Request.Context(), c.Param("value"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No municipality matches"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Postal code lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"places": places})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query id"})
		return 0, false
	}
	return id, true
}

// handleStoreError maps registry errors onto HTTP statuses.
func handleStoreError(c *gin.Context, err error, resource string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found: " + resource})
	case errors.Is(err, models.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Already monitored: " + resource})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
