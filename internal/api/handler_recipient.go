package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/subscription"
	"pushfanout/pkg/logger"
)

type SubscriptionService interface {
	Subscribe(ctx context.Context, userID string, req subscription.SubscribeRequest) (*model.Recipient, error)
	Unsubscribe(ctx context.Context, userID string) error
	UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) (*model.Recipient, error)
	Get(ctx context.Context, userID string) (*model.Recipient, error)
	Preview(req subscription.PreviewRequest) model.Notification
}

type RecipientHandler struct {
	subscriptions SubscriptionService
	logger        *zap.Logger
}

func NewRecipientHandler(subscriptions SubscriptionService, logger *zap.Logger) *RecipientHandler {
	return &RecipientHandler{subscriptions: subscriptions, logger: logger}
}

// recipientView 对外展示的订阅状态，不包含地址本身
type recipientView struct {
	*model.Recipient
	Subscribed bool `json:"subscribed"`
}

func view(r *model.Recipient) recipientView {
	return recipientView{Recipient: r, Subscribed: r.Subscribed()}
}

// Me GET /api/v1/recipients/me
func (h *RecipientHandler) Me(c *gin.Context) {
	rec, err := h.subscriptions.Get(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.fail(c, "get recipient", err)
		return
	}
	c.JSON(http.StatusOK, view(rec))
}

// Subscribe PUT /api/v1/recipients/me/subscription
func (h *RecipientHandler) Subscribe(c *gin.Context) {
	var req subscription.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	rec, err := h.subscriptions.Subscribe(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		h.fail(c, "subscribe", err)
		return
	}
	c.JSON(http.StatusOK, view(rec))
}

// Unsubscribe DELETE /api/v1/recipients/me/subscription
func (h *RecipientHandler) Unsubscribe(c *gin.Context) {
	if err := h.subscriptions.Unsubscribe(c.Request.Context(), currentUserID(c)); err != nil {
		h.fail(c, "unsubscribe", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdatePreferences PATCH /api/v1/recipients/me/preferences
func (h *RecipientHandler) UpdatePreferences(c *gin.Context) {
	var prefs model.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	rec, err := h.subscriptions.UpdatePreferences(c.Request.Context(), currentUserID(c), prefs)
	if err != nil {
		h.fail(c, "update preferences", err)
		return
	}
	c.JSON(http.StatusOK, view(rec))
}

// Preview POST /api/v1/notifications/preview
func (h *RecipientHandler) Preview(c *gin.Context) {
	var req subscription.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, h.subscriptions.Preview(req))
}

func (h *RecipientHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, subscription.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "recipient not found"})
	default:
		logger.WithTrace(c.Request.Context(), h.logger).Error("Recipient request failed",
			zap.String("op", op),
			zap.String("user_id", currentUserID(c)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}
