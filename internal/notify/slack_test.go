package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inlet-sync/inlet/internal/ledger"
)

func testRun() *ledger.RunRecord {
	return &ledger.RunRecord{
		ID:     "run-123",
		Source: "crm",
		Entity: "contacts",
		Mode:   "delta",
		Status: ledger.StatusSuccess,
		Counts: ledger.Counts{Fetched: 100, Created: 10, Updated: 85, Failed: 5},
	}
}

func captureWebhook(t *testing.T) (*httptest.Server, *[]slackMessage) {
	t.Helper()
	var messages []slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading webhook body: %v", err)
		}
		var msg slackMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("unmarshaling webhook payload: %v", err)
		}
		messages = append(messages, msg)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &messages
}

func TestRunCompleted(t *testing.T) {
	srv, messages := captureWebhook(t)
	s := NewSlack(SlackConfig{WebhookURL: srv.URL, Channel: "#sync", Enabled: true})

	if err := s.RunCompleted(testRun()); err != nil {
		t.Fatalf("RunCompleted() error = %v", err)
	}
	if len(*messages) != 1 {
		t.Fatalf("expected 1 webhook call, got %d", len(*messages))
	}

	msg := (*messages)[0]
	if msg.Channel != "#sync" {
		t.Errorf("channel = %q, want #sync", msg.Channel)
	}
	if msg.Username != "inlet" {
		t.Errorf("default username = %q, want inlet", msg.Username)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if !strings.Contains(att.Title, "crm/contacts") || !strings.Contains(att.Title, "delta") {
		t.Errorf("unexpected title: %s", att.Title)
	}
	wantFields := map[string]string{
		"Run ID":  "run-123",
		"Fetched": "100",
		"Created": "10",
		"Updated": "85",
		"Failed":  "5",
	}
	for _, f := range att.Fields {
		if want, ok := wantFields[f.Title]; ok && f.Value != want {
			t.Errorf("field %s = %q, want %q", f.Title, f.Value, want)
		}
		delete(wantFields, f.Title)
	}
	if len(wantFields) > 0 {
		t.Errorf("missing fields: %v", wantFields)
	}
}

func TestRunFailedIncludesError(t *testing.T) {
	srv, messages := captureWebhook(t)
	s := NewSlack(SlackConfig{WebhookURL: srv.URL, Username: "sync-bot", Enabled: true})

	run := testRun()
	run.Status = ledger.StatusFailed
	run.Error = "fetching records: transport error from /contacts: connection reset"
	if err := s.RunFailed(run); err != nil {
		t.Fatalf("RunFailed() error = %v", err)
	}

	msg := (*messages)[0]
	if msg.Username != "sync-bot" {
		t.Errorf("username = %q, want sync-bot", msg.Username)
	}
	att := msg.Attachments[0]
	if !strings.Contains(att.Title, "Sync failed") {
		t.Errorf("unexpected title: %s", att.Title)
	}
	var errField string
	for _, f := range att.Fields {
		if f.Title == "Error" {
			errField = f.Value
		}
	}
	if !strings.Contains(errField, "connection reset") {
		t.Errorf("error field = %q, want run error included", errField)
	}
}

func TestDisabledSkipsDelivery(t *testing.T) {
	srv, messages := captureWebhook(t)

	s := NewSlack(SlackConfig{WebhookURL: srv.URL, Enabled: false})
	if err := s.RunCompleted(testRun()); err != nil {
		t.Fatalf("RunCompleted() error = %v", err)
	}

	s = NewSlack(SlackConfig{Enabled: true})
	if err := s.RunFailed(testRun()); err != nil {
		t.Fatalf("RunFailed() with empty URL error = %v", err)
	}

	if len(*messages) != 0 {
		t.Errorf("expected no webhook calls, got %d", len(*messages))
	}
}

func TestWebhookErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL, Enabled: true})
	err := s.RunCompleted(testRun())
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status error, got %v", err)
	}
}
