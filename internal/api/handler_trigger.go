package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/pkg/logger"
)

type TriggerCreator interface {
	Create(ctx context.Context, typ model.TriggerType, payload model.TriggerPayload) (*model.Trigger, error)
}

type TriggerHandler struct {
	triggers TriggerCreator
	logger   *zap.Logger
}

func NewTriggerHandler(triggers TriggerCreator, logger *zap.Logger) *TriggerHandler {
	return &TriggerHandler{triggers: triggers, logger: logger}
}

type createTriggerRequest struct {
	Type    model.TriggerType    `json:"type" binding:"required"`
	Payload model.TriggerPayload `json:"payload"`
}

// Create POST /api/v1/triggers
func (h *TriggerHandler) Create(c *gin.Context) {
	var req createTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	t, err := h.triggers.Create(c.Request.Context(), req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, model.ErrUnknownTriggerType) || errors.Is(err, model.ErrMissingPayloadField) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to create trigger",
			zap.String("type", string(req.Type)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create trigger"})
		return
	}

	c.JSON(http.StatusCreated, t)
}
