package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fcmReply FCM v1 messages:send 对单个 token 的应答
type fcmReply struct {
	status int
	body   string
}

func fcmError(code int, status, errorCode string) fcmReply {
	return fcmReply{
		status: code,
		body: fmt.Sprintf(`{"error":{"code":%d,"message":"%s","status":"%s","details":[`+
			`{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"%s"}]}}`,
			code, strings.ToLower(errorCode), status, errorCode),
	}
}

var (
	fcmOK              = fcmReply{status: http.StatusOK, body: `{"name":"projects/demo-project/messages/1"}`}
	fcmUnregistered    = fcmError(http.StatusNotFound, "NOT_FOUND", "UNREGISTERED")
	fcmInvalidArgument = fcmError(http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_ARGUMENT")
	fcmSenderMismatch  = fcmError(http.StatusForbidden, "PERMISSION_DENIED", "SENDER_ID_MISMATCH")
)

// newFCMServer 按请求里的 token 返回预设应答
func newFCMServer(t *testing.T, replies map[string]fcmReply) *FCMTransport {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/projects/demo-project/messages:send") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Message struct {
				Token string `json:"token"`
			} `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, ok := replies[req.Message.Token]
		if !ok {
			reply = fcmOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.status)
		_, _ = w.Write([]byte(reply.body))
	}))
	t.Cleanup(srv.Close)

	tr, err := NewFCMTransport(context.Background(),
		FCMConfig{ProjectID: "demo-project"},
		zap.NewNop(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return tr
}

func outcomes(results []Result) map[string]Outcome {
	out := make(map[string]Outcome, len(results))
	for _, r := range results {
		out[r.Address] = r.Outcome
	}
	return out
}

func TestFCMSingleInvalidArgumentIsTransient(t *testing.T) {
	tr := newFCMServer(t, map[string]fcmReply{"tok-only": fcmInvalidArgument})

	results, err := tr.Send(context.Background(), []string{"tok-only"}, note)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeTransientFailure, results[0].Outcome, "a single invalid-argument may be a bad message, the address must be kept")
}

func TestFCMUnregisteredIsPermanent(t *testing.T) {
	tr := newFCMServer(t, map[string]fcmReply{
		"tok-gone":     fcmUnregistered,
		"tok-mismatch": fcmSenderMismatch,
	})

	results, err := tr.Send(context.Background(), []string{"tok-gone", "tok-mismatch", "tok-live"}, note)

	require.NoError(t, err)
	got := outcomes(results)
	assert.Equal(t, OutcomePermanentFailure, got["tok-gone"])
	assert.Equal(t, OutcomePermanentFailure, got["tok-mismatch"])
	assert.Equal(t, OutcomeSuccess, got["tok-live"])
}

func TestFCMInvalidArgumentPermanentWhenBatchPartlySucceeds(t *testing.T) {
	tr := newFCMServer(t, map[string]fcmReply{"tok-bad": fcmInvalidArgument})

	results, err := tr.Send(context.Background(), []string{"tok-bad", "tok-live"}, note)

	require.NoError(t, err)
	got := outcomes(results)
	assert.Equal(t, OutcomePermanentFailure, got["tok-bad"])
	assert.Equal(t, OutcomeSuccess, got["tok-live"])
}

func TestFCMInvalidArgumentForWholeBatchIsTransient(t *testing.T) {
	tr := newFCMServer(t, map[string]fcmReply{
		"tok-a": fcmInvalidArgument,
		"tok-b": fcmInvalidArgument,
	})

	results, err := tr.Send(context.Background(), []string{"tok-a", "tok-b"}, note)

	require.NoError(t, err)
	_, transient, permanent := Tally(results)
	assert.Equal(t, 2, transient)
	assert.Zero(t, permanent)
}
