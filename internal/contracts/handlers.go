package contracts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/doerly/settlement/internal/auth"
	"github.com/doerly/settlement/internal/validation"
)

// Handler provides HTTP endpoints for contract operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up contract routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.POST("/contracts/:id/accept", h.AcceptContract)
	r.POST("/contracts/:id/activate", h.ActivateContract)
	r.POST("/contracts/:id/complete", h.CompleteContract)
	r.POST("/contracts/:id/cancel", h.CancelContract)
	r.GET("/contracts/:id", h.GetContract)
	r.GET("/users/:id/contracts", h.ListUserContracts)
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrContractNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrDuplicateContract):
		status = http.StatusConflict
		code = "duplicate_contract"
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidPrice):
		status = http.StatusBadRequest
		code = "invalid_price"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("price", req.Price),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	userID := c.GetString(auth.CtxUserID)
	if !auth.IsResolver(c.GetString(auth.CtxRole)) && userID != req.ClientID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the client",
		})
		return
	}

	contract, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// AcceptContract handles POST /v1/contracts/:id/accept
func (h *Handler) AcceptContract(c *gin.Context) {
	contract, err := h.service.Accept(c.Request.Context(), c.Param("id"), c.GetString(auth.CtxUserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ActivateContract handles POST /v1/contracts/:id/activate
func (h *Handler) ActivateContract(c *gin.Context) {
	contract, err := h.service.Activate(c.Request.Context(), c.Param("id"), c.GetString(auth.CtxUserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// CompleteContract handles POST /v1/contracts/:id/complete
func (h *Handler) CompleteContract(c *gin.Context) {
	contract, err := h.service.Complete(c.Request.Context(), c.Param("id"),
		c.GetString(auth.CtxUserID), auth.IsResolver(c.GetString(auth.CtxRole)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// CancelContract handles POST /v1/contracts/:id/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	contract, err := h.service.Cancel(c.Request.Context(), c.Param("id"),
		c.GetString(auth.CtxUserID), auth.IsResolver(c.GetString(auth.CtxRole)), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	userID := c.GetString(auth.CtxUserID)
	if !auth.IsResolver(c.GetString(auth.CtxRole)) && userID != contract.ClientID && userID != contract.DoerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this contract",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ListUserContracts handles GET /v1/users/:id/contracts
func (h *Handler) ListUserContracts(c *gin.Context) {
	userID := c.Param("id")

	if !auth.IsResolver(c.GetString(auth.CtxRole)) && c.GetString(auth.CtxUserID) != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Cannot list another user's contracts",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), userID, c.Query("status"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contracts": list,
		"count":     len(list),
	})
}
