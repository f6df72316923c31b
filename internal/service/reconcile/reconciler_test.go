package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pushfanout/internal/push"
)

type recordingInvalidator struct {
	calls [][]string
	err   error
}

func (r *recordingInvalidator) InvalidateAddresses(_ context.Context, addresses []string) (int64, error) {
	r.calls = append(r.calls, addresses)
	if r.err != nil {
		return 0, r.err
	}
	return int64(len(addresses)), nil
}

func TestReconcileOnlyPermanentFailures(t *testing.T) {
	inv := &recordingInvalidator{}
	rec := New(inv, zap.NewNop())

	n, err := rec.Reconcile(context.Background(), []push.Result{
		{Address: "ok", Outcome: push.OutcomeSuccess},
		{Address: "later", Outcome: push.OutcomeTransientFailure},
		{Address: "gone", Outcome: push.OutcomePermanentFailure},
		{Address: "gone", Outcome: push.OutcomePermanentFailure},
		{Address: "mismatch", Outcome: push.OutcomePermanentFailure},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, inv.calls, 1, "one write per reconciliation")
	assert.Equal(t, []string{"gone", "mismatch"}, inv.calls[0])
}

func TestReconcileSkipsWriteWhenNothingInvalid(t *testing.T) {
	inv := &recordingInvalidator{}
	n, err := New(inv, zap.NewNop()).Reconcile(context.Background(), []push.Result{
		{Address: "a", Outcome: push.OutcomeSuccess},
		{Address: "b", Outcome: push.OutcomeTransientFailure},
	})

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, inv.calls)
}

func TestReconcileReturnsWriteError(t *testing.T) {
	inv := &recordingInvalidator{err: errors.New("connection reset")}
	_, err := New(inv, zap.NewNop()).Reconcile(context.Background(), []push.Result{
		{Address: "gone", Outcome: push.OutcomePermanentFailure},
	})
	assert.Error(t, err)
}
