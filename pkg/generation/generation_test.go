package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/stargate/pkg/charge"
	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

func TestHTTPClient_Accepted(t *testing.T) {
	var got Request
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 100, 1)
	err := c.Request(context.Background(), Request{
		OperationID: "op-1",
		Kind:        pricing.OperationImage,
		Prompt:      "a red fox",
		ModelRef:    "flux",
		UserID:      7,
		UIContext:   UIContext{ConversationKey: "chat:7", Locale: "ru"},
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", idem)
	assert.Equal(t, "a red fox", got.Prompt)
	assert.Equal(t, "chat:7", got.UIContext.ConversationKey)
}

func TestHTTPClient_Failures(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt refused", status)
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, 100, 1)

	err := c.Request(context.Background(), Request{OperationID: "op-1"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "prompt refused")

	status = http.StatusBadGateway
	err = c.Request(context.Background(), Request{OperationID: "op-2"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestHTTPClient_ThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, 0.001, 1)

	require.NoError(t, c.Request(context.Background(), Request{OperationID: "op-1"}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Request(ctx, Request{OperationID: "op-2"}))
}

func TestUnconfigured(t *testing.T) {
	assert.ErrorIs(t, Unconfigured.Request(context.Background(), Request{}), ErrRejected)
}

type sink struct {
	mu   sync.Mutex
	sent map[string][]scene.Message
}

func (s *sink) Send(_ context.Context, key string, m scene.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]scene.Message)
	}
	s.sent[key] = append(s.sent[key], m)
	return nil
}

func accepted(t *testing.T) (*charge.Runner, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, l.Open(ctx, 7, 100, "test"))
	r := charge.NewRunner(l, charge.NewMemoryPendingStore())
	res, err := r.Run(ctx, charge.Charge{
		UserID: 7, Amount: 30, Reason: ledger.ReasonImage, OperationID: "op-1",
		ConversationKey: "chat:7", Locale: "ru",
	}, func(context.Context, string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, charge.StatusAccepted, res.Status)
	return r, l
}

func TestNotifier_Success(t *testing.T) {
	ctx := context.Background()
	r, l := accepted(t)
	out := &sink{}
	n := NewNotifier(r, out)

	require.NoError(t, n.Complete(ctx, Completion{OperationID: "op-1", Success: true, ArtifactURL: "https://cdn/x.png"}))
	require.Len(t, out.sent["chat:7"], 1)
	msg := out.sent["chat:7"][0]
	assert.Equal(t, locale.GenerationReady, msg.Key)
	assert.Equal(t, "https://cdn/x.png", msg.URL)
	assert.Equal(t, "ru", msg.Locale)

	balance, err := l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestNotifier_FailureRefundsOnce(t *testing.T) {
	ctx := context.Background()
	r, l := accepted(t)
	out := &sink{}
	n := NewNotifier(r, out)

	failed := Completion{OperationID: "op-1", Error: "gpu out of memory"}
	require.NoError(t, n.Complete(ctx, failed))
	require.NoError(t, n.Complete(ctx, failed))

	require.Len(t, out.sent["chat:7"], 1)
	assert.Equal(t, locale.GenerationFailedRefunded, out.sent["chat:7"][0].Key)
	assert.Equal(t, []any{int64(30)}, out.sent["chat:7"][0].Args)

	balance, err := l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	history, err := l.History(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3, "grant, debit, refund")
}

func TestNotifier_FailureAfterSweepRefundIsSilent(t *testing.T) {
	ctx := context.Background()
	r, l := accepted(t)
	out := &sink{}
	n := NewNotifier(r, out)

	_, err := l.Credit(ctx, ledger.Mutation{UserID: 7, Amount: 30, Reason: ledger.ReasonRefund, Actor: "compensation", OperationID: charge.RefundID("op-1")})
	require.NoError(t, err)

	require.NoError(t, n.Complete(ctx, Completion{OperationID: "op-1", Error: "timeout"}))
	assert.Empty(t, out.sent["chat:7"])

	balance, err := l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestNotifier_RejectsMissingOperationID(t *testing.T) {
	n := NewNotifier(charge.NewRunner(ledger.New(ledger.NewMemoryStore()), charge.NewMemoryPendingStore()), &sink{})
	assert.Error(t, n.Complete(context.Background(), Completion{Success: true}))
}

func TestNotifier_Refunded(t *testing.T) {
	out := &sink{}
	n := NewNotifier(nil, out)
	n.Refunded(context.Background(), charge.Pending{OperationID: "op-9", Amount: 12, ConversationKey: "chat:9", Locale: "en"})
	require.Len(t, out.sent["chat:9"], 1)
	assert.Equal(t, locale.GenerationFailedRefunded, out.sent["chat:9"][0].Key)
}
