package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/doerly/settlement/internal/gateway"
	"github.com/doerly/settlement/internal/logging"
)

// Webhook event types the gateway posts back to us.
const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventCaptureRefunded  = "PAYMENT.CAPTURE.REFUNDED"
)

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// webhookEvent is the inbound notification shape.
type webhookEvent struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// orderID prefers the related order over the resource's own ID, which
// for capture events is the capture, not the order.
func (e *webhookEvent) orderID() string {
	if id := e.Resource.SupplementaryData.RelatedIDs.OrderID; id != "" {
		return id
	}
	return e.Resource.ID
}

// WebhookHandler receives asynchronous gateway notifications.
type WebhookHandler struct {
	service *Service
	secret  string
}

// NewWebhookHandler creates a webhook handler. secret signs inbound
// payloads; requests that fail verification are dropped before routing.
func NewWebhookHandler(service *Service, secret string) *WebhookHandler {
	return &WebhookHandler{service: service, secret: secret}
}

// RegisterRoutes sets up the inbound webhook route. Not behind auth:
// the signature is the authentication.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/webhook", h.Receive)
}

// Receive handles POST /v1/gateway/webhook. Acks fast: capture work
// happens inline (it is idempotent), everything else just logs.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := gateway.VerifySignature(body, c.GetHeader(SignatureHeader), h.secret); err != nil {
		logging.L(c.Request.Context()).Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature"})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	log := logging.L(c.Request.Context()).With("eventType", event.EventType, "orderId", event.orderID())

	switch event.EventType {
	case EventCaptureCompleted:
		payment, err := h.service.Capture(c.Request.Context(), event.orderID())
		if err != nil {
			// Unknown orders are acked so the gateway stops retrying;
			// everything else is a 500 so it retries later.
			if errors.Is(err, ErrPaymentNotFound) {
				log.Warn("webhook for unknown order")
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			log.Error("webhook capture failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "capture_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "paymentId": payment.ID})

	case EventCaptureDenied:
		h.markDenied(c, event.orderID())

	case EventCaptureRefunded:
		// Refunds are initiated by us, so this is confirmation only.
		log.Info("gateway confirmed refund")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	default:
		log.Debug("ignoring webhook event")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *WebhookHandler) markDenied(c *gin.Context, orderID string) {
	payment, err := h.service.MarkCaptureDenied(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to mark capture denied", "orderId", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "paymentId": payment.ID})
}
