package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/metrics"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/store"
	"github.com/BTreeMap/MsgQueue/internal/testutil"
)

type testEnv struct {
	queues  *store.Queues
	handler http.Handler
	clock   *clock.Fake
	seen    []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{clock: clock.NewFake(testutil.TestStart)}
	queues := testutil.NewFileQueues(t, env.clock)
	env.queues = queues

	rm := recovery.NewManager(recovery.ManagerConfig{}, recovery.WithClock(env.clock))
	rm.Register(queues.Inbound, func(ctx context.Context, e models.QueueEntry) error {
		env.seen = append(env.seen, e.ID)
		return nil
	})
	env.handler = NewServer(queues, rm, metrics.NewQueueMetrics()).Router()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	var resp models.APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (env *testEnv) enqueue(t *testing.T, dir models.Direction, session string) string {
	t.Helper()
	q, err := env.queues.Get(dir)
	require.NoError(t, err)
	return testutil.MustEnqueue(t, q, session, "")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)
}

func TestEnqueueHandler(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"sessionId":"s1","channel":"whatsapp","address":"+1234567890","body":"hello"}`)
	rec, resp := env.do(t, http.MethodPost, "/queues/outbound/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, string(models.APIStatusQueued), resp.Status)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok, "result should be an object")
	assert.Equal(t, true, result["queued"])
	id, _ := result["id"].(string)
	entry, err := env.queues.Outbound.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "hello", entry.Body)
}

func TestEnqueueHandler_Rejects(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/queues/inbound/messages", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", resp.Status)

	rec, resp = env.do(t, http.MethodPost, "/queues/inbound/messages", []byte(`{"channel":"whatsapp","address":"+1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Message, "sessionId is required")

	rec, _ = env.do(t, http.MethodPost, "/queues/sideways/messages", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndPending(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, models.DirectionInbound, "s1")
	env.clock.Advance(time.Millisecond)
	env.enqueue(t, models.DirectionInbound, "s2")

	rec, resp := env.do(t, http.MethodGet, "/queues/inbound/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := resp.Result.(map[string]interface{})
	assert.Equal(t, 2.0, stats["pending"])

	rec, resp = env.do(t, http.MethodGet, "/queues/inbound/pending?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Result, 1)

	rec, _ = env.do(t, http.MethodGet, "/queues/inbound/pending?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.enqueue(t, models.DirectionInbound, "s1")
	require.NoError(t, env.queues.Inbound.MoveToDeadLetter(ctx, id, "Max retries exceeded"))

	rec, resp := env.do(t, http.MethodGet, "/queues/inbound/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Result, 1)

	rec, resp = env.do(t, http.MethodGet, "/queues/inbound/deadletters/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Max retries exceeded", resp.Result.(map[string]interface{})["finalError"])

	rec, _ = env.do(t, http.MethodGet, "/queues/inbound/deadletters/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/queues/inbound/deadletters/..", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, http.MethodPost, "/queues/inbound/deadletters/"+id+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	newID := resp.Result.(map[string]interface{})["id"].(string)
	assert.NotEqual(t, id, newID)

	pending, err := env.queues.Inbound.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newID, pending[0].ID)
}

func TestRecoverHandler(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, models.DirectionInbound, "s1")

	rec, resp := env.do(t, http.MethodPost, "/queues/inbound/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, resp.Result.(map[string]interface{})["recovered"])
	assert.Equal(t, []string{id}, env.seen)

	rec, _ = env.do(t, http.MethodPost, "/queues/outbound/recover", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "outbound has no registered processor")
}

func TestLocksHandler(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, models.DirectionInbound, "s1")
	claimed, err := env.queues.Inbound.DequeueNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed.Entry)

	rec, resp := env.do(t, http.MethodGet, "/locks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	locks := resp.Result.([]interface{})
	require.Len(t, locks, 1)
	assert.Equal(t, "s1", locks[0].(map[string]interface{})["sessionId"])
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, models.DirectionOutbound, "s1")
	env.do(t, http.MethodGet, "/queues/outbound/stats", nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `msgqueue_pending_entries{direction="outbound"} 1`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(env.queues, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEnqueueHandler_DefaultMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	handler := NewServer(env.queues, nil, nil, WithDefaultMaxRetries(2)).Router()

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/queues/inbound/messages",
		models.EnqueueParams{SessionID: "s1", Channel: "whatsapp", Address: "+1"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rec.Code, "enqueue without maxRetries")
	testutil.AssertJSONResponse(t, rec, models.APIStatusQueued)

	pending, err := env.queues.Inbound.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].MaxRetries)
}

// flakyStore rejects its first few Enqueue calls, then delegates.
type flakyStore struct {
	store.QueueStore
	rejections int
	attempts   int
}

func (f *flakyStore) Enqueue(ctx context.Context, p models.EnqueueParams) models.EnqueueResult {
	f.attempts++
	if f.attempts <= f.rejections {
		return models.EnqueueResult{Queued: false, Error: "database is locked"}
	}
	return f.QueueStore.Enqueue(ctx, p)
}

func TestEnqueueHandler_RetriesRejectedWrite(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStore{QueueStore: env.queues.Inbound, rejections: 1}
	handler := NewServer(&store.Queues{Inbound: flaky, Outbound: env.queues.Outbound}, nil, nil).Router()

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/queues/inbound/messages",
		models.EnqueueParams{SessionID: "s1", Channel: "whatsapp", Address: "+1"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rec.Code, "enqueue after one rejected write")
	assert.Equal(t, 2, flaky.attempts)

	pending, err := env.queues.Inbound.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueueHandler_RetriesDisabled(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStore{QueueStore: env.queues.Inbound, rejections: 1}
	handler := NewServer(&store.Queues{Inbound: flaky, Outbound: env.queues.Outbound}, nil, nil,
		WithEnqueueRetries(0)).Router()

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/queues/inbound/messages",
		models.EnqueueParams{SessionID: "s1", Channel: "whatsapp", Address: "+1"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rec.Code, "enqueue without retries")
	testutil.AssertJSONResponse(t, rec, models.APIStatusError)
	assert.Equal(t, 1, flaky.attempts)
}
