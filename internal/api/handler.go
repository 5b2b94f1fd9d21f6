// Package api exposes the read-only observer surface of the ledger over HTTP.
//
// Reads are never blocked by a halt: halting stops writes, never reads. The
// handlers here therefore consult HaltState only to report it, not to gate.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/civitas-gov/civitas/internal/ledger"
	"github.com/civitas-gov/civitas/internal/writer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxRangeSize bounds a single range query.
const maxRangeSize = 1000

// LedgerHandler exposes read-only HTTP endpoints for the event ledger.
type LedgerHandler struct {
	store  ledger.Store
	halt   *writer.HaltState
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(store ledger.Store, halt *writer.HaltState, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{store: store, halt: halt, logger: logger}
}

// Register mounts the observer routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/events")
	{
		e.GET("", h.GetRange)
		e.GET("/latest", h.GetLatest)
		e.GET("/:seq", h.GetBySequence)
	}
	rg.GET("/verify", h.Verify)
	rg.GET("/status", h.Status)
}

// GetLatest handles GET /events/latest.
func (h *LedgerHandler) GetLatest(c *gin.Context) {
	event, err := h.store.Latest(c.Request.Context())
	if errors.Is(err, ledger.ErrEmptyLedger) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ledger is empty"})
		return
	}
	if err != nil {
		h.logger.Error("ledger latest", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetBySequence handles GET /events/:seq.
func (h *LedgerHandler) GetBySequence(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}

	event, err := h.store.BySequence(c.Request.Context(), seq)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger by sequence", zap.Int64("seq", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetRange handles GET /events?start=N&end=M.
func (h *LedgerHandler) GetRange(c *gin.Context) {
	start, err1 := strconv.ParseInt(c.Query("start"), 10, 64)
	end, err2 := strconv.ParseInt(c.Query("end"), 10, 64)
	if err1 != nil || err2 != nil || start < 1 || end < start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be positive integers with start <= end"})
		return
	}
	if end-start+1 > maxRangeSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range too large", "max": maxRangeSize})
		return
	}

	events, err := h.store.Range(c.Request.Context(), start, end)
	if err != nil {
		h.logger.Error("ledger range", zap.Int64("start", start), zap.Int64("end", end), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Verify handles GET /verify — optionally scoped with ?start=N&end=M for a
// continuity-only check; without parameters it walks the full chain.
func (h *LedgerHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	if c.Query("start") != "" || c.Query("end") != "" {
		start, err1 := strconv.ParseInt(c.Query("start"), 10, 64)
		end, err2 := strconv.ParseInt(c.Query("end"), 10, 64)
		if err1 != nil || err2 != nil || start < 1 || end < start {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be positive integers with start <= end"})
			return
		}
		ok, missing, err := ledger.VerifyContinuity(ctx, h.store, start, end)
		if err != nil {
			h.logger.Error("continuity check", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify continuity"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"contiguous": ok, "missing": missing})
		return
	}

	if err := ledger.VerifyChain(ctx, h.store); err != nil {
		h.logger.Warn("chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Status handles GET /status — head position, halt state, and chain length.
// Served even (especially) while halted.
func (h *LedgerHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	seq, head, err := ledger.Head(ctx, h.store)
	if err != nil {
		h.logger.Error("ledger head", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	halted, reason := h.halt.Halted()

	c.JSON(http.StatusOK, gin.H{
		"max_sequence": seq,
		"head_hash":    head,
		"halted":       halted,
		"halt_reason":  reason,
	})
}
