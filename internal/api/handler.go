// Package api serves the audit forest over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/integrity"
	"go.uber.org/zap"
)

// MaxBatchSize caps the number of records accepted by one ingest request.
const MaxBatchSize = 10_000

const maxBodyBytes = 32 << 20

// Service is the integrity service as seen by the HTTP layer.
type Service interface {
	Ingest(ctx context.Context, records []audit.Record) (integrity.IngestResult, error)
	Record(ctx context.Context, id uuid.UUID) (audit.Record, error)
	Proof(ctx context.Context, id uuid.UUID) (*forest.Proof, error)
	VerifyAll(ctx context.Context) forest.VerificationResult
	Optimize(ctx context.Context) (int, error)
	Stats() forest.Stats
	Partitions() []forest.PartitionInfo
	Partition(pid forest.PartitionID) (forest.PartitionInfo, error)
}

// ForestHandler exposes records, proofs and forest maintenance.
type ForestHandler struct {
	svc    Service
	tokens *TokenIssuer
	logger *zap.Logger
}

// NewForestHandler creates a ForestHandler. A nil tokens leaves the write
// routes unauthenticated.
func NewForestHandler(svc Service, tokens *TokenIssuer, logger *zap.Logger) *ForestHandler {
	return &ForestHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the routes on the given router group.
func (h *ForestHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/records")
	{
		r.POST("", RequireScope(h.tokens, ScopeIngest), h.Ingest)
		r.GET("/:id", h.GetRecord)
		r.GET("/:id/proof", h.GetProof)
	}

	f := rg.Group("/forest")
	{
		f.GET("", h.Stats)
		f.GET("/partitions", h.ListPartitions)
		f.GET("/partitions/:id", h.GetPartition)
		f.GET("/verify", h.Verify)
		f.POST("/optimize", RequireScope(h.tokens, ScopeOptimize), h.Optimize)
	}
}

// IngestRequest is the body of POST /records.
type IngestRequest struct {
	Records []audit.Record `json:"records" binding:"required"`
}

// VerifyResponse is the body of GET /forest/verify.
type VerifyResponse struct {
	forest.VerificationResult
	Valid       bool    `json:"valid"`
	SuccessRate float64 `json:"success_rate"`
}

// Ingest handles POST /records.
func (h *ForestHandler) Ingest(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Records) > MaxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many records in batch"})
		return
	}

	res, err := h.svc.Ingest(c.Request.Context(), req.Records)
	if err != nil {
		h.writeError(c, "ingest", err)
		return
	}
	fields := []zap.Field{zap.Int("records", res.Accepted)}
	if claims := ClaimsFromCtx(c); claims != nil {
		fields = append(fields, zap.String("operator", claims.Subject))
	}
	h.logger.Info("records ingested", fields...)
	c.JSON(http.StatusCreated, res)
}

// GetRecord handles GET /records/:id.
func (h *ForestHandler) GetRecord(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.svc.Record(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetProof handles GET /records/:id/proof.
func (h *ForestHandler) GetProof(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.svc.Proof(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "generate proof", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Stats handles GET /forest.
func (h *ForestHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

// ListPartitions handles GET /forest/partitions.
func (h *ForestHandler) ListPartitions(c *gin.Context) {
	parts := h.svc.Partitions()
	c.JSON(http.StatusOK, gin.H{"partitions": parts, "count": len(parts)})
}

// GetPartition handles GET /forest/partitions/:id.
func (h *ForestHandler) GetPartition(c *gin.Context) {
	info, err := h.svc.Partition(forest.PartitionID(c.Param("id")))
	if err != nil {
		h.writeError(c, "get partition", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Verify handles GET /forest/verify.
func (h *ForestHandler) Verify(c *gin.Context) {
	res := h.svc.VerifyAll(c.Request.Context())
	c.JSON(http.StatusOK, VerifyResponse{
		VerificationResult: res,
		Valid:              res.Valid(),
		SuccessRate:        res.SuccessRate(),
	})
}

// Optimize handles POST /forest/optimize.
func (h *ForestHandler) Optimize(c *gin.Context) {
	removed, err := h.svc.Optimize(c.Request.Context())
	if err != nil {
		h.writeError(c, "optimize", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *ForestHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, forest.ErrRecordNotFound), errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, forest.ErrPartitionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "partition not found"})
	case errors.Is(err, forest.ErrDuplicateRecord), errors.Is(err, audit.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, forest.ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, forest.ErrIntegrityFailure):
		h.logger.Warn(op+" refused", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
