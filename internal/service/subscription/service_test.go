package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/composer"
)

// memStore 模拟 recipient_repo 的合并语义
type memStore struct {
	recipients map[string]*model.Recipient
}

func newMemStore() *memStore {
	return &memStore{recipients: make(map[string]*model.Recipient)}
}

func (m *memStore) Get(_ context.Context, id string) (*model.Recipient, error) {
	r, ok := m.recipients[id]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", id, repository.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpsertSubscription(_ context.Context, id string, s repository.Subscription) (*model.Recipient, error) {
	r, ok := m.recipients[id]
	if !ok {
		r = &model.Recipient{ID: id, Preferences: model.DefaultPreferences()}
		m.recipients[id] = r
	}
	addr := s.Address
	at := s.At
	r.Address = &addr
	r.Enabled = true
	r.Preferences = r.Preferences.Merge(s.Preferences)
	if s.DeviceInfo != nil {
		r.DeviceInfo = *s.DeviceInfo
	}
	r.LastAddressUpdate = &at
	cp := *r
	return &cp, nil
}

func (m *memStore) ClearAddress(_ context.Context, id string) error {
	if r, ok := m.recipients[id]; ok {
		r.Address = nil
		r.Enabled = false
	}
	return nil
}

func (m *memStore) MergePreferences(_ context.Context, id string, prefs model.Preferences) (*model.Recipient, error) {
	r, ok := m.recipients[id]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", id, repository.ErrNotFound)
	}
	r.Preferences = r.Preferences.Merge(prefs)
	cp := *r
	return &cp, nil
}

func newService(store RecipientStore) *Service {
	svc := NewService(store, composer.New("/admin"), zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	return svc
}

func TestSubscribeCreatesWithDefaults(t *testing.T) {
	store := newMemStore()
	svc := newService(store)

	rec, err := svc.Subscribe(context.Background(), "u1", SubscribeRequest{
		Address:     " tok-1 ",
		Preferences: model.Preferences{model.CategoryLowStock: false},
		DeviceInfo:  &model.DeviceInfo{Platform: "web"},
	})

	require.NoError(t, err)
	assert.True(t, rec.Eligible())
	assert.Equal(t, "tok-1", *rec.Address)
	assert.False(t, rec.Preferences[model.CategoryLowStock])
	assert.True(t, rec.Preferences[model.CategoryPayments])
	assert.Equal(t, "web", rec.DeviceInfo.Platform)
	require.NotNil(t, rec.LastAddressUpdate)
}

func TestResubscribeKeepsUnrelatedFields(t *testing.T) {
	store := newMemStore()
	svc := newService(store)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "u1", SubscribeRequest{
		Address:     "tok-1",
		Preferences: model.Preferences{model.CategoryPayments: false},
		DeviceInfo:  &model.DeviceInfo{Platform: "web"},
	})
	require.NoError(t, err)

	rec, err := svc.Subscribe(ctx, "u1", SubscribeRequest{Address: "tok-2"})
	require.NoError(t, err)
	assert.Equal(t, "tok-2", *rec.Address)
	assert.False(t, rec.Preferences[model.CategoryPayments])
	assert.Equal(t, "web", rec.DeviceInfo.Platform)
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	svc := newService(newMemStore())

	_, err := svc.Subscribe(context.Background(), "u1", SubscribeRequest{Address: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Subscribe(context.Background(), "u1", SubscribeRequest{
		Address:     "tok",
		Preferences: model.Preferences{"marketing": true},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUnsubscribeClearsAddressOnly(t *testing.T) {
	store := newMemStore()
	svc := newService(store)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "u1", SubscribeRequest{
		Address:     "tok-1",
		Preferences: model.Preferences{model.CategoryLowStock: false},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(ctx, "u1"))
	rec, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.Eligible())
	assert.Nil(t, rec.Address)
	assert.False(t, rec.Preferences[model.CategoryLowStock])

	// 不存在的接收者
	assert.NoError(t, svc.Unsubscribe(ctx, "ghost"))
}

func TestUpdatePreferences(t *testing.T) {
	store := newMemStore()
	svc := newService(store)
	ctx := context.Background()

	_, err := svc.UpdatePreferences(ctx, "ghost", model.Preferences{model.CategoryLowStock: false})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.Subscribe(ctx, "u1", SubscribeRequest{Address: "tok-1"})
	require.NoError(t, err)

	rec, err := svc.UpdatePreferences(ctx, "u1", model.Preferences{model.CategoryNewOrders: false})
	require.NoError(t, err)
	assert.False(t, rec.Preferences[model.CategoryNewOrders])
	assert.True(t, rec.Preferences[model.CategoryLowStock])

	_, err = svc.UpdatePreferences(ctx, "u1", model.Preferences{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.UpdatePreferences(ctx, "u1", model.Preferences{"spam": false})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPreviewMatchesBackgroundShape(t *testing.T) {
	svc := newService(newMemStore())

	n := svc.Preview(PreviewRequest{
		Type:    model.TriggerOrderStatusChange,
		Payload: model.TriggerPayload{OrderID: "123", OldStatus: "pending", NewStatus: "ready"},
	})

	assert.Equal(t, "Order Status Updated", n.Title)
	assert.Equal(t, model.TabHistory, n.Data["tab"])
	assert.Equal(t, "/admin?tab=history", n.Data["url"])
}
