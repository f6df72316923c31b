package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/composer"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/util"
)

var ErrInvalidRequest = errors.New("invalid subscription request")

// RecipientStore 订阅相关的接收者读写
type RecipientStore interface {
	Get(ctx context.Context, id string) (*model.Recipient, error)
	UpsertSubscription(ctx context.Context, id string, s repository.Subscription) (*model.Recipient, error)
	ClearAddress(ctx context.Context, id string) error
	MergePreferences(ctx context.Context, id string, prefs model.Preferences) (*model.Recipient, error)
}

type SubscribeRequest struct {
	Address     string            `json:"address" binding:"required"`
	Preferences model.Preferences `json:"preferences,omitempty"`
	DeviceInfo  *model.DeviceInfo `json:"deviceInfo,omitempty"`
}

type PreviewRequest struct {
	Type    model.TriggerType    `json:"type" binding:"required"`
	Payload model.TriggerPayload `json:"payload"`
}

// Service 客户端订阅流程的服务端部分
type Service struct {
	store    RecipientStore
	composer *composer.Composer
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store RecipientStore, composer *composer.Composer, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		composer: composer,
		now:      time.Now,
		logger:   logger,
	}
}

// Subscribe 写入新地址并开启推送；偏好按 key 合并，未给出的字段保持不变
func (s *Service) Subscribe(ctx context.Context, userID string, req SubscribeRequest) (*model.Recipient, error) {
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if err := req.Preferences.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	rec, err := s.store.UpsertSubscription(ctx, userID, repository.Subscription{
		Address:     addr,
		Preferences: req.Preferences,
		DeviceInfo:  req.DeviceInfo,
		At:          s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("Recipient subscribed",
		zap.String("user_id", userID),
		zap.String("address_fp", util.Fingerprint(addr)),
	)
	return rec, nil
}

// Unsubscribe 清空地址并关闭推送；接收者不存在时什么也不做
func (s *Service) Unsubscribe(ctx context.Context, userID string) error {
	if err := s.store.ClearAddress(ctx, userID); err != nil {
		return err
	}
	logger.WithTrace(ctx, s.logger).Info("Recipient unsubscribed", zap.String("user_id", userID))
	return nil
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) (*model.Recipient, error) {
	if len(prefs) == 0 {
		return nil, fmt.Errorf("%w: no preferences given", ErrInvalidRequest)
	}
	if err := prefs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.store.MergePreferences(ctx, userID, prefs)
}

func (s *Service) Get(ctx context.Context, userID string) (*model.Recipient, error) {
	return s.store.Get(ctx, userID)
}

// Preview 返回与后台推送相同的通知内容，前台展示使用
func (s *Service) Preview(req PreviewRequest) model.Notification {
	return s.composer.Compose(&model.Trigger{Type: req.Type, Payload: req.Payload})
}
