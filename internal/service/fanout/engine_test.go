package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/internal/push"
	"pushfanout/internal/service/composer"
	"pushfanout/internal/service/reconcile"
)

type fakeStore struct {
	deleted []uuid.UUID
	err     error
}

func (s *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeDirectory struct {
	recipients []model.Recipient
	err        error
}

func (d *fakeDirectory) ListEligible(context.Context) ([]model.Recipient, error) {
	return d.recipients, d.err
}

type fakeTransport struct {
	calls    [][]string
	sent     []model.Notification
	outcomes map[string]push.Outcome
	err      error
}

func (f *fakeTransport) Send(_ context.Context, addresses []string, n model.Notification) ([]push.Result, error) {
	f.calls = append(f.calls, addresses)
	f.sent = append(f.sent, n)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]push.Result, len(addresses))
	for i, a := range addresses {
		out[i] = push.Result{Address: a, Outcome: f.outcomes[a]}
	}
	return out, nil
}

type fakeReconciler struct {
	got [][]push.Result
	err error
}

func (r *fakeReconciler) Reconcile(_ context.Context, results []push.Result) (int64, error) {
	r.got = append(r.got, results)
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for _, res := range results {
		if res.Outcome == push.OutcomePermanentFailure {
			n++
		}
	}
	return n, nil
}

func recipient(id, addr string, prefs model.Preferences) model.Recipient {
	r := model.Recipient{ID: id, Enabled: true, Preferences: prefs}
	if addr != "" {
		r.Address = &addr
	}
	return r
}

type harness struct {
	store      *fakeStore
	directory  *fakeDirectory
	transport  *fakeTransport
	reconciler *fakeReconciler
	engine     *Engine
}

func newHarness(recipients ...model.Recipient) *harness {
	h := &harness{
		store:      &fakeStore{},
		directory:  &fakeDirectory{recipients: recipients},
		transport:  &fakeTransport{outcomes: map[string]push.Outcome{}},
		reconciler: &fakeReconciler{},
	}
	h.engine = NewEngine(h.store, h.directory, composer.New(""), h.transport, h.reconciler, zap.NewNop())
	return h
}

func lowStockTrigger(t *testing.T) *model.Trigger {
	qty, threshold := 2, 5
	trig, err := model.NewTrigger(model.TriggerLowStock, model.TriggerPayload{
		ItemName: "Flour", Quantity: &qty, Threshold: &threshold,
	})
	require.NoError(t, err)
	return trig
}

func TestProcessDeliversToAllEligibleRecipients(t *testing.T) {
	h := newHarness(
		recipient("u1", "tok-1", nil),
		recipient("u2", "tok-2", model.Preferences{model.CategoryLowStock: true}),
	)
	trig := lowStockTrigger(t)

	report, err := h.engine.Process(context.Background(), trig)

	require.NoError(t, err)
	require.Len(t, h.transport.calls, 1)
	assert.ElementsMatch(t, []string{"tok-1", "tok-2"}, h.transport.calls[0])
	assert.Equal(t, "Low Stock Alert", h.transport.sent[0].Title)
	assert.Equal(t, 2, report.Succeeded)
	assert.True(t, report.Dispatched)
	assert.True(t, report.Deleted)
	assert.True(t, trig.Processed)
	assert.Equal(t, []uuid.UUID{trig.ID}, h.store.deleted)
}

func TestProcessFiltersIneligibleAndOptedOut(t *testing.T) {
	disabled := recipient("u2", "tok-2", nil)
	disabled.Enabled = false
	h := newHarness(
		recipient("u1", "tok-1", nil),
		disabled,
		recipient("u3", "", nil),
		recipient("u4", "tok-4", model.Preferences{model.CategoryLowStock: false}),
		recipient("u5", "tok-5", model.Preferences{model.CategoryPayments: false}),
		recipient("u6", "tok-1", nil),
	)

	report, err := h.engine.Process(context.Background(), lowStockTrigger(t))

	require.NoError(t, err)
	require.Len(t, h.transport.calls, 1)
	assert.Equal(t, []string{"tok-1", "tok-5"}, h.transport.calls[0])
	assert.Equal(t, 2, report.Targeted)
}

func TestProcessWithNoRecipientsStillDeletes(t *testing.T) {
	h := newHarness(recipient("u1", "tok-1", model.Preferences{model.CategoryLowStock: false}))
	trig := lowStockTrigger(t)

	report, err := h.engine.Process(context.Background(), trig)

	require.NoError(t, err)
	assert.Empty(t, h.transport.calls)
	assert.Empty(t, h.reconciler.got)
	assert.False(t, report.Dispatched)
	assert.True(t, report.Deleted)
	assert.Len(t, h.store.deleted, 1)
}

func TestProcessTransportErrorKeepsTrigger(t *testing.T) {
	h := newHarness(recipient("u1", "tok-1", nil))
	h.transport.err = errors.New("push transport: send multicast: unavailable")
	trig := lowStockTrigger(t)

	report, err := h.engine.Process(context.Background(), trig)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch notification")
	assert.False(t, report.Dispatched)
	assert.Empty(t, h.store.deleted)
	assert.False(t, trig.Processed)
}

func TestProcessDirectoryErrorKeepsTrigger(t *testing.T) {
	h := newHarness()
	h.directory.err = errors.New("connection refused")

	_, err := h.engine.Process(context.Background(), lowStockTrigger(t))

	require.Error(t, err)
	assert.Empty(t, h.transport.calls)
	assert.Empty(t, h.store.deleted)
}

func TestProcessReconcilesPermanentFailures(t *testing.T) {
	h := newHarness(
		recipient("u1", "tok-1", nil),
		recipient("u2", "tok-2", nil),
		recipient("u3", "tok-3", nil),
	)
	h.transport.outcomes["tok-2"] = push.OutcomePermanentFailure
	h.transport.outcomes["tok-3"] = push.OutcomeTransientFailure

	report, err := h.engine.Process(context.Background(), lowStockTrigger(t))

	require.NoError(t, err)
	require.Len(t, h.reconciler.got, 1)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.TransientFailures)
	assert.Equal(t, 1, report.PermanentFailures)
	assert.Equal(t, int64(1), report.Reconciled)
	assert.True(t, report.Deleted)
}

func TestProcessReconcileErrorIsNotFatal(t *testing.T) {
	h := newHarness(recipient("u1", "tok-1", nil))
	h.transport.outcomes["tok-1"] = push.OutcomePermanentFailure
	h.reconciler.err = errors.New("db down")

	report, err := h.engine.Process(context.Background(), lowStockTrigger(t))

	require.NoError(t, err)
	assert.Zero(t, report.Reconciled)
	assert.True(t, report.Deleted)
}

func TestProcessDeleteFailureAfterDispatch(t *testing.T) {
	h := newHarness(recipient("u1", "tok-1", nil))
	h.store.err = errors.New("connection reset")
	trig := lowStockTrigger(t)

	report, err := h.engine.Process(context.Background(), trig)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete trigger")
	assert.True(t, report.Dispatched)
	assert.False(t, report.Deleted)
	assert.False(t, trig.Processed)
}

// memDirectory 同时充当接收者目录和地址回收的写入端
type memDirectory struct {
	recipients []*model.Recipient
}

func (d *memDirectory) ListEligible(context.Context) ([]model.Recipient, error) {
	var out []model.Recipient
	for _, r := range d.recipients {
		if r.Eligible() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (d *memDirectory) InvalidateAddresses(_ context.Context, addresses []string) (int64, error) {
	var n int64
	for _, r := range d.recipients {
		if r.Address == nil {
			continue
		}
		for _, a := range addresses {
			if *r.Address == a {
				r.Address = nil
				r.Enabled = false
				n++
				break
			}
		}
	}
	return n, nil
}

func TestNewOrderDeliveryAndInvalidation(t *testing.T) {
	trigger := func() *model.Trigger {
		trig, err := model.NewTrigger(model.TriggerNewOrder, model.TriggerPayload{OrderID: "ORD-1", ClientName: "Asha"})
		require.NoError(t, err)
		return trig
	}
	tok := func(s string) *string { return &s }

	t.Run("opted in recipient receives it", func(t *testing.T) {
		dir := &memDirectory{recipients: []*model.Recipient{
			{ID: "u1", Enabled: true, Address: tok("tok1"), Preferences: model.Preferences{model.CategoryNewOrders: true}},
		}}
		store := &fakeStore{}
		transport := &fakeTransport{outcomes: map[string]push.Outcome{}}
		engine := NewEngine(store, dir, composer.New(""), transport, reconcile.New(dir, zap.NewNop()), zap.NewNop())

		_, err := engine.Process(context.Background(), trigger())
		require.NoError(t, err)
		require.Len(t, transport.sent, 1)
		assert.Contains(t, transport.sent[0].Title, "New Order")
		assert.Equal(t, "ORD-1", transport.sent[0].Data["orderId"])
		assert.Len(t, store.deleted, 1)
	})

	t.Run("opted out recipient is skipped", func(t *testing.T) {
		dir := &memDirectory{recipients: []*model.Recipient{
			{ID: "u1", Enabled: true, Address: tok("tok1"), Preferences: model.Preferences{model.CategoryNewOrders: false}},
		}}
		store := &fakeStore{}
		transport := &fakeTransport{outcomes: map[string]push.Outcome{}}
		engine := NewEngine(store, dir, composer.New(""), transport, reconcile.New(dir, zap.NewNop()), zap.NewNop())

		_, err := engine.Process(context.Background(), trigger())
		require.NoError(t, err)
		assert.Empty(t, transport.calls)
		assert.Len(t, store.deleted, 1)
	})

	t.Run("invalid address is cleared", func(t *testing.T) {
		dir := &memDirectory{recipients: []*model.Recipient{
			{ID: "u1", Enabled: true, Address: tok("tok1")},
			{ID: "u2", Enabled: true, Address: tok("tok2")},
		}}
		transport := &fakeTransport{outcomes: map[string]push.Outcome{
			"tok1": push.OutcomePermanentFailure,
			"tok2": push.OutcomeTransientFailure,
		}}
		engine := NewEngine(&fakeStore{}, dir, composer.New(""), transport, reconcile.New(dir, zap.NewNop()), zap.NewNop())

		report, err := engine.Process(context.Background(), trigger())
		require.NoError(t, err)
		assert.Equal(t, int64(1), report.Reconciled)

		assert.Nil(t, dir.recipients[0].Address)
		assert.False(t, dir.recipients[0].Enabled)
		require.NotNil(t, dir.recipients[1].Address)
		assert.Equal(t, "tok2", *dir.recipients[1].Address)
		assert.True(t, dir.recipients[1].Enabled)
	})
}
