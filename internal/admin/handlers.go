package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/doerly/settlement/internal/auth"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeper     SweepRunner
	pending     PendingLister
	completions CompletionSweeper
	escalations EscalationSweeper
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithSweeper sets the reconciliation runner for on-demand sweeps.
func (h *Handler) WithSweeper(r SweepRunner) *Handler {
	h.sweeper = r
	return h
}

// WithPendingLister sets the payment store for the stuck-payment view.
func (h *Handler) WithPendingLister(p PendingLister) *Handler {
	h.pending = p
	return h
}

// WithCompletionSweeper sets the contract service for the completion sweep.
func (h *Handler) WithCompletionSweeper(s CompletionSweeper) *Handler {
	h.completions = s
	return h
}

// WithEscalationSweeper sets the dispute service for the escalation sweep.
func (h *Handler) WithEscalationSweeper(s EscalationSweeper) *Handler {
	h.escalations = s
	return h
}

// RegisterRoutes sets up admin routes. All routes require the admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/admin", requireAdmin())
	grp.GET("/payments/stuck", h.listStuckPayments)
	grp.POST("/reconcile", h.triggerSweep)
	grp.POST("/contracts/complete-due", h.runCompletionSweep)
	grp.POST("/disputes/escalate-overdue", h.runEscalationSweep)
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.Role(c.GetString(auth.CtxRole)) != auth.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Admin role required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// listStuckPayments returns payments pending beyond the given age.
func (h *Handler) listStuckPayments(c *gin.Context) {
	if h.pending == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment store not configured"})
		return
	}

	age := time.Hour
	if a := c.Query("age"); a != "" {
		if parsed, err := time.ParseDuration(a); err == nil && parsed > 0 {
			age = parsed
		}
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	stuck, err := h.pending.ListPendingBefore(c.Request.Context(), time.Now().Add(-age), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck payments", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": stuck, "count": len(stuck)})
}

// triggerSweep runs an on-demand reconciliation sweep.
func (h *Handler) triggerSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	result, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// runCompletionSweep completes contracts whose confirmation grace elapsed.
func (h *Handler) runCompletionSweep(c *gin.Context) {
	if h.completions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "contract service not configured"})
		return
	}

	h.completions.CompleteDueRequests(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runEscalationSweep escalates disputes past their response deadline.
func (h *Handler) runEscalationSweep(c *gin.Context) {
	if h.escalations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispute service not configured"})
		return
	}

	h.escalations.EscalatePastDeadline(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
