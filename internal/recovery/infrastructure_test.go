package recovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

func TestWebhookProcessFunc(t *testing.T) {
	var got models.QueueEntry
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Queue-Entry-Id")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	entry := models.QueueEntry{ID: "abc", Direction: models.DirectionOutbound, SessionID: "s", Channel: "whatsapp", Address: "+1", Body: "hi"}
	if err := WebhookProcessFunc(srv.Client(), srv.URL)(context.Background(), entry); err != nil {
		t.Fatalf("WebhookProcessFunc failed: %v", err)
	}
	if header != "abc" {
		t.Errorf("X-Queue-Entry-Id = %q, want abc", header)
	}
	if got.Body != "hi" || got.Address != "+1" {
		t.Errorf("unexpected webhook payload: %+v", got)
	}
}

func TestWebhookProcessFunc_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := WebhookProcessFunc(nil, srv.URL)(context.Background(), models.QueueEntry{ID: "x"})
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}

func TestLogProcessFunc(t *testing.T) {
	if err := LogProcessFunc(nil)(context.Background(), models.QueueEntry{ID: "x"}); err != nil {
		t.Errorf("LogProcessFunc should always succeed: %v", err)
	}
}
