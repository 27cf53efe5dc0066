package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"opaca/internal/crud"
)

// Handler adapts engine operations to gin.
type Handler struct {
	engine *crud.Engine
	opts   Options
}

func NewHandler(engine *crud.Engine, opts Options) *Handler {
	return &Handler{engine: engine, opts: opts.withDefaults()}
}

func (h *Handler) request(c *gin.Context) *crud.Request {
	return &crud.Request{
		Table:    c.Param("table"),
		ID:       c.Param("id"),
		Actor:    c.GetHeader(h.opts.ActorHeader),
		TenantID: c.GetHeader(h.opts.TenantHeader),
		Query:    c.Request.URL.Query(),
	}
}

// fail renders the engine's status-coded error envelope; anything
// unclassified is a 500.
func fail(c *gin.Context, err error) {
	var ce *crud.Error
	if errors.As(err, &ce) {
		if len(ce.Details) > 0 {
			c.JSON(ce.Status, gin.H{"errors": ce.Details})
			return
		}
		c.JSON(ce.Status, gin.H{"error": ce.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func bindBody(c *gin.Context, req *crud.Request) bool {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return false
	}
	req.Body = body
	return true
}

// GET /api/:table
func (h *Handler) List(c *gin.Context) {
	res, err := h.engine.List(c.Request.Context(), h.request(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/:table/count
func (h *Handler) Count(c *gin.Context) {
	n, err := h.engine.Count(c.Request.Context(), h.request(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": n})
}

// GET /api/:table/:id
func (h *Handler) Get(c *gin.Context) {
	row, err := h.engine.Get(c.Request.Context(), h.request(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// POST /api/:table
func (h *Handler) Create(c *gin.Context) {
	req := h.request(c)
	if !bindBody(c, req) {
		return
	}
	row, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

// PATCH /api/:table/:id
func (h *Handler) Update(c *gin.Context) {
	req := h.request(c)
	if !bindBody(c, req) {
		return
	}
	row, err := h.engine.Update(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// DELETE /api/:table/:id
func (h *Handler) Delete(c *gin.Context) {
	res, err := h.engine.Delete(c.Request.Context(), h.request(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /api/:table/:id/restore
func (h *Handler) Restore(c *gin.Context) {
	row, err := h.engine.Restore(c.Request.Context(), h.request(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}
