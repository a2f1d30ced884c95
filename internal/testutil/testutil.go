// Package testutil provides common test helpers for queue, API and command tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// TestStart is the fixed instant fake clocks in tests start from.
var TestStart = time.UnixMilli(1700000000000)

// NewFileQueues opens file-backed queues in a temporary state directory. They are closed
// when the test ends.
func NewFileQueues(t *testing.T, clk clock.Clock) *store.Queues {
	t.Helper()
	queues, err := store.OpenQueues(context.Background(), store.Config{
		Backend:  store.BackendFile,
		StateDir: t.TempDir(),
		Clock:    clk,
		WorkerID: "test-worker",
	})
	if err != nil {
		t.Fatalf("failed to open test queues: %v", err)
	}
	t.Cleanup(func() { queues.Close() })
	return queues
}

// MustEnqueue queues a minimal valid entry for session and returns its id.
func MustEnqueue(t *testing.T, q store.QueueStore, session, body string) string {
	t.Helper()
	res := q.Enqueue(context.Background(), models.EnqueueParams{
		SessionID: session,
		Channel:   "whatsapp",
		Address:   "+1234567890",
		Body:      body,
	})
	if !res.Queued {
		t.Fatalf("enqueue failed: %s", res.Error)
	}
	return res.ID
}

// SeedQueue leaves q with one pending entry and one dead letter, returning both ids.
func SeedQueue(t *testing.T, q store.QueueStore) (pendingID, deadID string) {
	t.Helper()
	pendingID = MustEnqueue(t, q, "seed-pending", "pending")
	deadID = MustEnqueue(t, q, "seed-dead", "dead")
	if err := q.MoveToDeadLetter(context.Background(), deadID, "Max retries exceeded"); err != nil {
		t.Fatalf("failed to seed dead letter: %v", err)
	}
	return pendingID, deadID
}

// AssertPendingCount validates the number of pending entries in q.
func AssertPendingCount(t *testing.T, q store.QueueStore, expected int, label string) {
	t.Helper()
	pending, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("%s: failed to list pending entries: %v", label, err)
	}
	if len(pending) != expected {
		t.Errorf("%s: expected %d pending entries, got %d", label, expected, len(pending))
	}
}

// AssertEntryEquals compares the routing and content fields of two entries.
func AssertEntryEquals(t *testing.T, expected, actual models.QueueEntry, context string) {
	t.Helper()
	if actual.ID != expected.ID ||
		actual.SessionID != expected.SessionID ||
		actual.Channel != expected.Channel ||
		actual.Address != expected.Address ||
		actual.Body != expected.Body ||
		actual.RetryCount != expected.RetryCount ||
		actual.MaxRetries != expected.MaxRetries {
		t.Errorf("%s: entries don't match\nexpected: %+v\nactual: %+v", context, expected, actual)
	}
	if !actual.EnqueuedAt.Equal(expected.EnqueuedAt) {
		t.Errorf("%s: enqueuedAt mismatch: expected %v, got %v", context, expected.EnqueuedAt, actual.EnqueuedAt)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, response.Status, response.Message)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
