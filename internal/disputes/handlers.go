package disputes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/doerly/settlement/internal/auth"
	"github.com/doerly/settlement/internal/contracts"
	"github.com/doerly/settlement/internal/payments"
	"github.com/doerly/settlement/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes on an authenticated group.
// Review and resolve additionally require the resolver role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/withdraw", h.WithdrawDispute)
	r.POST("/disputes/:id/review", auth.RequireResolver(), h.ReviewDispute)
	r.POST("/disputes/:id/resolve", auth.RequireResolver(), h.ResolveDispute)
	r.GET("/disputes/:id", h.GetDispute)
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, contracts.ErrContractNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrDuplicateDispute):
		status = http.StatusConflict
		code = "duplicate_dispute"
	case errors.Is(err, ErrFilingWindowClosed):
		status = http.StatusConflict
		code = "filing_window_closed"
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrConflict),
		errors.Is(err, payments.ErrPreconditionFailed), errors.Is(err, contracts.ErrPreconditionFailed):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, payments.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "contractId and reason are required",
		})
		return
	}

	dispute, err := h.service.Open(c.Request.Context(), c.GetString(auth.CtxUserID), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// AddMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body is required",
		})
		return
	}

	body := validation.SanitizeString(req.Body, validation.MaxStringLength)
	msg, err := h.service.AddMessage(c.Request.Context(), c.Param("id"),
		c.GetString(auth.CtxUserID), auth.IsResolver(c.GetString(auth.CtxRole)), body)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "URL is required",
		})
		return
	}

	ev, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"),
		c.GetString(auth.CtxUserID), auth.IsResolver(c.GetString(auth.CtxRole)), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// WithdrawDispute handles POST /v1/disputes/:id/withdraw
func (h *Handler) WithdrawDispute(c *gin.Context) {
	dispute, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), c.GetString(auth.CtxUserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ReviewDispute handles POST /v1/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	dispute, err := h.service.Review(c.Request.Context(), c.Param("id"), c.GetString(auth.CtxUserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision and rationale are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.OneOf("decision", req.Decision,
			payments.DecisionReleaseToWorker, payments.DecisionRefundToClient, payments.DecisionSplit),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dispute, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString(auth.CtxUserID), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, msgs, evidence, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	userID := c.GetString(auth.CtxUserID)
	if !auth.IsResolver(c.GetString(auth.CtxRole)) && userID != dispute.InitiatorID && userID != dispute.RespondentID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this dispute",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispute":  dispute,
		"messages": msgs,
		"evidence": evidence,
	})
}
