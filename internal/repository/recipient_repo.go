package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"pushfanout/internal/model"
)

type RecipientRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewRecipientRepository(db DBTX, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{
		db:     db,
		logger: logger,
	}
}

const recipientColumns = `id, address, enabled, preferences, device_info, last_address_update, updated_at`

func scanRecipient(row pgx.Row) (*model.Recipient, error) {
	var rec model.Recipient
	err := row.Scan(
		&rec.ID,
		&rec.Address,
		&rec.Enabled,
		&rec.Preferences,
		&rec.DeviceInfo,
		&rec.LastAddressUpdate,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEligible 返回已开启且持有地址的接收者
func (r *RecipientRepository) ListEligible(ctx context.Context) ([]model.Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM recipients
		WHERE enabled AND address IS NOT NULL AND address <> ''
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible recipients: %w", err)
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *RecipientRepository) Get(ctx context.Context, id string) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`
	rec, err := scanRecipient(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return rec, nil
}

// Subscription 一次订阅写入的内容
type Subscription struct {
	Address     string
	Preferences model.Preferences
	DeviceInfo  *model.DeviceInfo
	At          time.Time
}

// UpsertSubscription 写入地址并开启推送。
// 新建时偏好为默认值叠加请求值；已存在时只覆盖请求中给出的 key，其它字段保持不变。
func (r *RecipientRepository) UpsertSubscription(ctx context.Context, id string, s Subscription) (*model.Recipient, error) {
	initialPrefs, err := json.Marshal(model.DefaultPreferences().Merge(s.Preferences))
	if err != nil {
		return nil, err
	}
	patchPrefs, err := json.Marshal(nonNilPrefs(s.Preferences))
	if err != nil {
		return nil, err
	}
	var deviceJSON []byte
	if s.DeviceInfo != nil {
		if deviceJSON, err = json.Marshal(s.DeviceInfo); err != nil {
			return nil, err
		}
	}

	query := `
		INSERT INTO recipients (id, address, enabled, preferences, device_info, last_address_update, updated_at)
		VALUES ($1, $2, TRUE, $3::jsonb, COALESCE($4::jsonb, '{}'::jsonb), $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			enabled = TRUE,
			preferences = recipients.preferences || $6::jsonb,
			device_info = COALESCE($4::jsonb, recipients.device_info),
			last_address_update = EXCLUDED.last_address_update,
			updated_at = NOW()
		RETURNING ` + recipientColumns

	rec, err := scanRecipient(r.db.QueryRow(ctx, query,
		id, s.Address, string(initialPrefs), nullableJSON(deviceJSON), s.At, string(patchPrefs),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return rec, nil
}

// ClearAddress 取消订阅：清空地址并关闭，其它字段保留
func (r *RecipientRepository) ClearAddress(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE recipients
		SET address = NULL, enabled = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to clear address: %w", err)
	}
	return nil
}

// MergePreferences 按 key 合并偏好
func (r *RecipientRepository) MergePreferences(ctx context.Context, id string, prefs model.Preferences) (*model.Recipient, error) {
	patch, err := json.Marshal(nonNilPrefs(prefs))
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE recipients
		SET preferences = preferences || $2::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + recipientColumns

	rec, err := scanRecipient(r.db.QueryRow(ctx, query, id, string(patch)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to merge preferences: %w", err)
	}
	return rec, nil
}

// InvalidateAddresses 一条语句清空所有匹配地址的接收者并关闭推送。
// 重复执行或并发执行结果相同。
func (r *RecipientRepository) InvalidateAddresses(ctx context.Context, addresses []string) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE recipients
		SET address = NULL, enabled = FALSE, updated_at = NOW()
		WHERE address = ANY($1)
	`, addresses)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate addresses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nonNilPrefs(p model.Preferences) model.Preferences {
	if p == nil {
		return model.Preferences{}
	}
	return p
}

func nullableJSON(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
