package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/composer"
	"pushfanout/internal/service/retention"
	"pushfanout/internal/service/subscription"
	"pushfanout/pkg/outbox"
	"pushfanout/pkg/rbac"
	"pushfanout/pkg/trace"
	"pushfanout/pkg/util"
)

const testSecret = "test-secret"

type fakeTriggers struct {
	created []model.TriggerType
}

func (f *fakeTriggers) Create(_ context.Context, typ model.TriggerType, p model.TriggerPayload) (*model.Trigger, error) {
	t, err := model.NewTrigger(typ, p)
	if err != nil {
		return nil, err
	}
	f.created = append(f.created, typ)
	return t, nil
}

type fakeSubscriptions struct {
	recipients map[string]*model.Recipient
	composer   *composer.Composer
}

func (f *fakeSubscriptions) Subscribe(_ context.Context, userID string, req subscription.SubscribeRequest) (*model.Recipient, error) {
	if err := req.Preferences.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", subscription.ErrInvalidRequest, err)
	}
	addr := req.Address
	r := &model.Recipient{ID: userID, Address: &addr, Enabled: true, Preferences: model.DefaultPreferences().Merge(req.Preferences)}
	f.recipients[userID] = r
	return r, nil
}

func (f *fakeSubscriptions) Unsubscribe(_ context.Context, userID string) error {
	if r, ok := f.recipients[userID]; ok {
		r.Address = nil
		r.Enabled = false
	}
	return nil
}

func (f *fakeSubscriptions) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) (*model.Recipient, error) {
	r, err := f.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.Preferences = r.Preferences.Merge(prefs)
	return r, nil
}

func (f *fakeSubscriptions) Get(_ context.Context, userID string) (*model.Recipient, error) {
	r, ok := f.recipients[userID]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", userID, repository.ErrNotFound)
	}
	return r, nil
}

func (f *fakeSubscriptions) Preview(req subscription.PreviewRequest) model.Notification {
	return f.composer.Compose(&model.Trigger{Type: req.Type, Payload: req.Payload})
}

type fakeReplayer struct {
	replayed []int64
}

func (f *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	if id == 404 {
		return outbox.ErrEventNotFound
	}
	f.replayed = append(f.replayed, id)
	return nil
}

func (f *fakeReplayer) ReplayFailedEvents(_ context.Context, limit int) (int, error) {
	return limit / 10, nil
}

type fakeSweeper struct{ runs int }

func (f *fakeSweeper) Sweep(context.Context) (retention.SweepResult, error) {
	f.runs++
	return retention.SweepResult{Cutoff: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Triggers: 4}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type apiHarness struct {
	router   *Router
	triggers *fakeTriggers
	subs     *fakeSubscriptions
	replayer *fakeReplayer
	sweeper  *fakeSweeper
}

func newAPIHarness(t *testing.T, db Pinger) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &apiHarness{
		triggers: &fakeTriggers{},
		subs:     &fakeSubscriptions{recipients: map[string]*model.Recipient{}, composer: composer.New("/admin")},
		replayer: &fakeReplayer{},
		sweeper:  &fakeSweeper{},
	}
	log := zap.NewNop()
	h.router = NewRouter(Handlers{
		Triggers:   NewTriggerHandler(h.triggers, log),
		Recipients: NewRecipientHandler(h.subs, log),
		Admin:      NewAdminHandler(h.replayer, h.sweeper, log),
	}, testSecret, db)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := util.GenerateJWT(userID, role, testSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "", "", nil).Code)

	down := newAPIHarness(t, fakePinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/readyz", "", "", nil).Code)
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})

	w := h.do(t, http.MethodGet, "/api/v1/recipients/me", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/recipients/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	h.router.Engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTraceIDEchoed(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(trace.HeaderName, "trace-abc")
	w := httptest.NewRecorder()
	h.router.Engine.ServeHTTP(w, req)

	assert.Equal(t, "trace-abc", w.Header().Get(trace.HeaderName))
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})

	w := h.do(t, http.MethodGet, "/api/v1/recipients/me", "u1", rbac.RoleUser, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPut, "/api/v1/recipients/me/subscription", "u1", rbac.RoleUser, map[string]any{
		"address":     "tok-1",
		"preferences": map[string]bool{"lowStock": false},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "tok-1")

	var got struct {
		Subscribed  bool            `json:"subscribed"`
		Preferences map[string]bool `json:"preferences"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Subscribed)

	w = h.do(t, http.MethodPatch, "/api/v1/recipients/me/preferences", "u1", rbac.RoleUser, map[string]bool{"payments": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.subs.recipients["u1"].Preferences[model.CategoryPayments])

	w = h.do(t, http.MethodDelete, "/api/v1/recipients/me/subscription", "u1", rbac.RoleUser, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, h.subs.recipients["u1"].Eligible())
}

func TestSubscribeValidation(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})

	w := h.do(t, http.MethodPut, "/api/v1/recipients/me/subscription", "u1", rbac.RoleUser, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPut, "/api/v1/recipients/me/subscription", "u1", rbac.RoleUser, map[string]any{
		"address":     "tok",
		"preferences": map[string]bool{"marketing": true},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreview(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})

	w := h.do(t, http.MethodPost, "/api/v1/notifications/preview", "u1", rbac.RoleUser, map[string]any{
		"type":    "low_stock",
		"payload": map[string]any{"itemName": "Flour", "quantity": 0, "threshold": 5},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var n model.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, "Low Stock Alert", n.Title)
	assert.Equal(t, model.TabInventory, n.Data["tab"])
}

func TestCreateTriggerRequiresProducer(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})
	body := map[string]any{"type": "new_order", "payload": map[string]any{"orderId": "77"}}

	w := h.do(t, http.MethodPost, "/api/v1/triggers", "u1", rbac.RoleUser, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/triggers", "svc", rbac.RoleProducer, body)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []model.TriggerType{model.TriggerNewOrder}, h.triggers.created)

	w = h.do(t, http.MethodPost, "/api/v1/triggers", "svc", rbac.RoleProducer, map[string]any{"type": "refund"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	h := newAPIHarness(t, fakePinger{})

	w := h.do(t, http.MethodPost, "/api/v1/admin/retention/sweep", "svc", rbac.RoleProducer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/admin/retention/sweep", "ops", rbac.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.sweeper.runs)
	assert.Contains(t, w.Body.String(), `"triggers":4`)

	w = h.do(t, http.MethodPost, "/api/v1/admin/outbox/replay?id=7", "ops", rbac.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{7}, h.replayer.replayed)

	w = h.do(t, http.MethodPost, "/api/v1/admin/outbox/replay?id=404", "ops", rbac.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/admin/outbox/replay?id=abc", "ops", rbac.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/admin/outbox/replay-failed?limit=50", "ops", rbac.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success_count":5`)
}
