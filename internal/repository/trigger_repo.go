package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"pushfanout/internal/model"
)

// TriggerRepository trigger 只追加存储：创建、读取、删除，没有更新
type TriggerRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewTriggerRepository(db DBTX, logger *zap.Logger) *TriggerRepository {
	return &TriggerRepository{
		db:     db,
		logger: logger,
	}
}

// InsertTx 在事务中写入 trigger，created_at 由数据库生成并回填
func (r *TriggerRepository) InsertTx(ctx context.Context, tx pgx.Tx, t *model.Trigger) error {
	query := `
		INSERT INTO triggers (id, type, payload, processed)
		VALUES ($1, $2, $3, FALSE)
		RETURNING created_at
	`
	if err := tx.QueryRow(ctx, query, t.ID, string(t.Type), t.Payload).Scan(&t.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}

	r.logger.Debug("Trigger inserted",
		zap.String("trigger_id", t.ID.String()),
		zap.String("type", string(t.Type)),
	)
	return nil
}

func (r *TriggerRepository) Get(ctx context.Context, id uuid.UUID) (*model.Trigger, error) {
	query := `
		SELECT id, type, payload, created_at
		FROM triggers
		WHERE id = $1
	`
	var (
		t   model.Trigger
		typ string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(&t.ID, &typ, &t.Payload, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	t.Type = model.TriggerType(typ)
	return &t, nil
}

// Delete 删除已消费的 trigger；不存在时视为成功
func (r *TriggerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("Trigger already deleted", zap.String("trigger_id", id.String()))
	}
	return nil
}

// DeleteOlderThan 一条语句删除 created_at 早于 cutoff 的 trigger
func (r *TriggerRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM triggers WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale triggers: %w", err)
	}
	return tag.RowsAffected(), nil
}
