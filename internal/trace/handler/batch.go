package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/trace/model"
	"github.com/jmerrifield20/silicontrace/internal/trace/service"
)

// BatchHandler exposes HTTP endpoints for batch provenance chains.
type BatchHandler struct {
	svc    *service.BatchService
	logger *zap.Logger
}

// NewBatchHandler creates a new BatchHandler.
func NewBatchHandler(svc *service.BatchService, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, logger: logger}
}

// Register mounts the batch routes on the given router group.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/batches")
	{
		b.POST("", operation(OpOpenBatch, h.OpenBatch))
		b.GET("", operation(OpListBatches, h.ListBatches))
		b.GET("/:id", operation(OpGetBatch, h.GetBatch))
		b.POST("/:id/stages", operation(OpAppendStage, h.AppendStage))
		b.GET("/:id/stages", operation(OpListStages, h.ListStages))
		b.GET("/:id/stages/:pos", operation(OpGetStage, h.GetStage))
		b.GET("/:id/verify", operation(OpVerify, h.Verify))
	}
}

// OpenBatch handles POST /batches: creates a batch with its genesis stage.
func (h *BatchHandler) OpenBatch(c *gin.Context) {
	var req model.OpenBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.svc.Open(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "open batch", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListBatches handles GET /batches: returns all stored sequence ids.
func (h *BatchHandler) ListBatches(c *gin.Context) {
	ids, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.writeError(c, "list batches", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": ids, "count": len(ids)})
}

// GetBatch handles GET /batches/:id: returns the chain length and head digest.
func (h *BatchHandler) GetBatch(c *gin.Context) {
	sum, err := h.svc.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "describe batch", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// AppendStage handles POST /batches/:id/stages: records a processing stage.
func (h *BatchHandler) AppendStage(c *gin.Context) {
	var req model.AppendStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.svc.Append(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.writeError(c, "append stage", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListStages handles GET /batches/:id/stages: returns the full chain.
func (h *BatchHandler) ListStages(c *gin.Context) {
	recs, err := h.svc.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "list stages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stages": recs, "count": len(recs)})
}

// GetStage handles GET /batches/:id/stages/:pos: returns a single record.
func (h *BatchHandler) GetStage(c *gin.Context) {
	pos, err := strconv.Atoi(c.Param("pos"))
	if err != nil || pos < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pos must be a non-negative integer"})
		return
	}

	rec, err := h.svc.Record(c.Request.Context(), c.Param("id"), pos)
	if err != nil {
		h.writeError(c, "get stage", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Verify handles GET /batches/:id/verify: walks the chain and reports
// integrity. A compromised chain is still a 200; the status is in the body.
// Pass ?deep=true to recompute every digest as well.
func (h *BatchHandler) Verify(c *gin.Context) {
	deep, _ := strconv.ParseBool(c.DefaultQuery("deep", "false"))

	rep, err := h.svc.Verify(c.Request.Context(), c.Param("id"), deep)
	if err != nil {
		h.writeError(c, "verify batch", err)
		return
	}
	if !rep.OK() {
		h.logger.Warn("batch integrity check failed",
			zap.String("sequence_id", c.Param("id")),
			zap.String("report", rep.String()),
		)
	}
	c.JSON(http.StatusOK, rep)
}

// writeError maps service errors onto HTTP status codes.
func (h *BatchHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidStage), errors.Is(err, service.ErrInvalidAlgorithm):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
	case errors.Is(err, service.ErrBatchExists):
		c.JSON(http.StatusConflict, gin.H{"error": "batch already exists"})
	case errors.Is(err, service.ErrConcurrentAppend):
		c.JSON(http.StatusConflict, gin.H{"error": "batch was modified concurrently, retry"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}
