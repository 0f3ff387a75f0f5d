package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/doerly/settlement/internal/auth"
	"github.com/doerly/settlement/internal/gateway"
	"github.com/doerly/settlement/internal/validation"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.InitiatePayment)
	r.POST("/payments/capture", h.CapturePayment)
	r.POST("/payments/:id/release", h.ReleaseEscrow)
	r.POST("/payments/:id/refund", h.RefundPayment)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/users/:id/payments", h.ListUserPayments)
}

func actorFrom(c *gin.Context) Actor {
	return Actor{
		UserID:   c.GetString(auth.CtxUserID),
		Resolver: auth.IsResolver(c.GetString(auth.CtxRole)),
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrNotRefundable):
		status = http.StatusConflict
		code = "not_refundable"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, gateway.ErrUnavailable):
		status = http.StatusBadGateway
		code = "gateway_unavailable"
	case errors.Is(err, gateway.ErrRejected):
		status = http.StatusUnprocessableEntity
		code = "gateway_rejected"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// InitiatePayment handles POST /v1/payments
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("localAmount", req.LocalAmount),
		validation.ValidCurrency("localCurrency", req.LocalCurrency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	actor := actorFrom(c)
	if !actor.Resolver && actor.UserID != req.PayerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the payer",
		})
		return
	}

	payment, approvalURL, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment":     payment,
		"approvalUrl": approvalURL,
	})
}

// CapturePayment handles POST /v1/payments/capture
func (h *Handler) CapturePayment(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId is required",
		})
		return
	}

	payment, err := h.service.Capture(c.Request.Context(), req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ReleaseEscrow handles POST /v1/payments/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	payment, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// RefundPayment handles POST /v1/payments/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	payment, err := h.service.Refund(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	actor := actorFrom(c)
	if !actor.Resolver && actor.UserID != payment.PayerID && actor.UserID != payment.RecipientID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this payment",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListUserPayments handles GET /v1/users/:id/payments
func (h *Handler) ListUserPayments(c *gin.Context) {
	userID := c.Param("id")

	actor := actorFrom(c)
	if !actor.Resolver && actor.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Cannot list another user's payments",
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

	list, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": list,
		"count":    len(list),
	})
}
