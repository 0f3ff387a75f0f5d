package events

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/doerly/settlement/internal/auth"
	"github.com/doerly/settlement/internal/idgen"
	"github.com/doerly/settlement/internal/security"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events/subscriptions", h.CreateSubscription)
	r.GET("/events/subscriptions", h.ListSubscriptions)
	r.DELETE("/events/subscriptions/:id", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers a delivery endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/events/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !knownType(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		OwnerID:   c.GetString(auth.CtxUserID),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    SignatureHeader,
		},
	})
}

// ListSubscriptions handles GET /v1/events/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByOwner(c.Request.Context(), c.GetString(auth.CtxUserID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}

	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// DeleteSubscription handles DELETE /v1/events/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscription",
		})
		return
	}

	if sub.OwnerID != c.GetString(auth.CtxUserID) && !auth.IsResolver(c.GetString(auth.CtxRole)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not the subscription owner",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func knownType(et EventType) bool {
	for _, k := range KnownTypes {
		if k == et {
			return true
		}
	}
	return false
}
