package api

import (
	"errors"
	"net/http"

	"github.com/civitas-gov/civitas/internal/ceremony"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CeremonyHandler is the HTTP door for recovery ceremonies. Authorization is
// carried entirely by the ceremony token + passphrase in the request body;
// the handler adds nothing beyond transport.
type CeremonyHandler struct {
	attendant *ceremony.Attendant
	logger    *zap.Logger
}

// NewCeremonyHandler creates a CeremonyHandler.
func NewCeremonyHandler(attendant *ceremony.Attendant, logger *zap.Logger) *CeremonyHandler {
	return &CeremonyHandler{attendant: attendant, logger: logger}
}

// Register mounts the ceremony routes on the given router group.
func (h *CeremonyHandler) Register(rg *gin.RouterGroup) {
	c := rg.Group("/ceremony")
	{
		c.POST("/clear-halt", h.ClearHalt)
		c.POST("/reclaim-lease", h.ReclaimLease)
	}
}

type ceremonyRequest struct {
	Token      string `json:"token" binding:"required"`
	Passphrase string `json:"passphrase" binding:"required"`
	HolderID   string `json:"holder_id"` // reclaim only
}

// ClearHalt handles POST /ceremony/clear-halt.
func (h *CeremonyHandler) ClearHalt(c *gin.Context) {
	var req ceremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and passphrase are required"})
		return
	}

	if err := h.attendant.ClearHalt(c.Request.Context(), req.Token, req.Passphrase); err != nil {
		h.logger.Warn("ceremony clear-halt refused", zap.Error(err))
		c.JSON(ceremonyStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "halt cleared"})
}

// ReclaimLease handles POST /ceremony/reclaim-lease.
func (h *CeremonyHandler) ReclaimLease(c *gin.Context) {
	var req ceremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.HolderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token, passphrase, and holder_id are required"})
		return
	}

	token, err := h.attendant.ReclaimLease(c.Request.Context(), req.Token, req.Passphrase, req.HolderID)
	if err != nil {
		h.logger.Warn("ceremony reclaim-lease refused", zap.Error(err))
		c.JSON(ceremonyStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "lease reclaimed", "fencing_token": token})
}

func ceremonyStatus(err error) int {
	if errors.Is(err, ceremony.ErrBadPassphrase) || errors.Is(err, ceremony.ErrWrongAction) {
		return http.StatusForbidden
	}
	return http.StatusConflict
}
