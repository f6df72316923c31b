package trigger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	mqcontracts "pushfanout/contracts/mq"
	"pushfanout/internal/model"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/outbox"
	"pushfanout/pkg/trace"
)

// TxBeginner 由 *pgxpool.Pool 实现
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TriggerWriter 在事务中写入 trigger
type TriggerWriter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, t *model.Trigger) error
}

// Service 写入 trigger，并在同一事务中写入 trigger.created outbox 事件
type Service struct {
	db         TxBeginner
	triggers   TriggerWriter
	outboxRepo *outbox.Repository
	logger     *zap.Logger
}

func NewService(db TxBeginner, triggers TriggerWriter, outboxRepo *outbox.Repository, logger *zap.Logger) *Service {
	return &Service{
		db:         db,
		triggers:   triggers,
		outboxRepo: outboxRepo,
		logger:     logger,
	}
}

// Create 校验后写入；校验失败返回 model.ErrUnknownTriggerType 或 model.ErrMissingPayloadField
func (s *Service) Create(ctx context.Context, typ model.TriggerType, payload model.TriggerPayload) (*model.Trigger, error) {
	t, err := model.NewTrigger(typ, payload)
	if err != nil {
		return nil, err
	}
	log := logger.WithTrace(ctx, s.logger)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.triggers.InsertTx(ctx, tx, t); err != nil {
		return nil, err
	}

	event := mqcontracts.TriggerCreatedPayload{
		TriggerID: t.ID.String(),
		Type:      string(t.Type),
		CreatedAt: t.CreatedAt,
		TraceID:   trace.FromContext(ctx),
	}
	if err := outbox.InsertEventInTx(ctx, tx, s.outboxRepo, "trigger", t.ID.String(), mqcontracts.RoutingKeyTriggerCreated, event); err != nil {
		return nil, fmt.Errorf("insert trigger.created to outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	log.Info("Trigger created",
		zap.String("trigger_id", t.ID.String()),
		zap.String("type", string(t.Type)),
	)
	return t, nil
}
