package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func captureServer(t *testing.T, status int) (*httptest.Server, *[]SlackMessage) {
	t.Helper()
	var received []SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("Failed to decode Slack message: %v", err)
		}
		received = append(received, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestSendRotationFailureAlert(t *testing.T) {
	srv, received := captureServer(t, http.StatusOK)
	client := NewSlackClient(srv.URL)

	err := client.SendRotationFailureAlert(context.Background(), "worker", "1700000000", "drain-and-terminate", errors.New("throttled"), true)
	if err != nil {
		t.Fatalf("SendRotationFailureAlert() error = %v", err)
	}

	if len(*received) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(*received))
	}
	att := (*received)[0].Attachments[0]
	if att.Color != "#ff0000" {
		t.Errorf("Expected critical color, got %q", att.Color)
	}
	if !strings.Contains(att.Text, "`drain-and-terminate`") {
		t.Errorf("Expected phase in text, got %q", att.Text)
	}

	fields := map[string]string{}
	for i, f := range att.Fields {
		fields[f.Title] = f.Value
		if i > 0 && att.Fields[i-1].Title > f.Title {
			t.Errorf("Fields are not sorted: %q before %q", att.Fields[i-1].Title, f.Title)
		}
	}
	if fields["Action"] != "node-rotator --role worker --resume 1700000000" {
		t.Errorf("Unexpected resume hint %q", fields["Action"])
	}
	if fields["Error"] != "throttled" {
		t.Errorf("Unexpected error field %q", fields["Error"])
	}
}

func TestSendRotationStartAlertResumed(t *testing.T) {
	srv, received := captureServer(t, http.StatusOK)
	client := NewSlackClient(srv.URL)

	if err := client.SendRotationStartAlert(context.Background(), "control-plane", "42", "", 0, true); err != nil {
		t.Fatalf("SendRotationStartAlert() error = %v", err)
	}

	att := (*received)[0].Attachments[0]
	if !strings.Contains(att.Title, "Resumed") {
		t.Errorf("Expected resumed title, got %q", att.Title)
	}
	for _, f := range att.Fields {
		if f.Title == "Auto Scaling Group" {
			t.Errorf("Did not expect an empty group field")
		}
	}
}

func TestSendRotationSuccessAlert(t *testing.T) {
	srv, received := captureServer(t, http.StatusOK)
	client := NewSlackClient(srv.URL)

	err := client.SendRotationSuccessAlert(context.Background(), "worker", "42", "worker-asg", 3, 90*time.Second)
	if err != nil {
		t.Fatalf("SendRotationSuccessAlert() error = %v", err)
	}
	att := (*received)[0].Attachments[0]
	if att.Text != "Replaced 3 worker nodes in 1m30s" {
		t.Errorf("Unexpected text %q", att.Text)
	}
}

func TestSendAlertNonOK(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError)
	client := NewSlackClient(srv.URL)

	err := client.SendAlert(context.Background(), AlertLevelInfo, "title", "message", nil)
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestSendAlertWithoutWebhook(t *testing.T) {
	client := NewSlackClient("")
	if err := client.SendAlert(context.Background(), AlertLevelInfo, "title", "message", nil); err != nil {
		t.Errorf("Expected no error without webhook, got %v", err)
	}
}

func TestMaskWebhookURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"short", "***masked***"},
		{"https://hooks.slack.com/services/T000/B000/XXXXXXXXXXXXXXXX", "https://hooks.slack.com/servic...XXXXXXXXXX"},
	}
	for _, tt := range tests {
		if got := maskWebhookURL(tt.url); got != tt.want {
			t.Errorf("maskWebhookURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestSendRotationFailureAlertNotResumable(t *testing.T) {
	srv, received := captureServer(t, http.StatusOK)
	client := NewSlackClient(srv.URL)

	err := client.SendRotationFailureAlert(context.Background(), "worker", "42", "expand", errors.New("throttled"), false)
	if err != nil {
		t.Fatalf("SendRotationFailureAlert() error = %v", err)
	}
	for _, f := range (*received)[0].Attachments[0].Fields {
		if f.Title == "Action" && f.Value != "node-rotator --role worker" {
			t.Errorf("Expected a fresh rotation hint, got %q", f.Value)
		}
	}
}
