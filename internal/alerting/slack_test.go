package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"protocol-monitor/internal/storage"
)

func TestSlackNotifySendsAttachment(t *testing.T) {
	var captured slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected application/json content type, got %q", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, time.Second, zerolog.Nop())
	alert := storage.Alert{
		ProtocolID:  "aave-v3",
		Kind:        string(KindTVLDrop),
		Severity:    string(SeverityCritical),
		Message:     "TVL dropped 30.00% in 24 hours",
		TriggeredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := notifier.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	if len(captured.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(captured.Attachments))
	}
	att := captured.Attachments[0]
	if att.Color != "#FF0000" {
		t.Errorf("critical alert should be red, got %s", att.Color)
	}
	if len(att.Blocks) != 3 {
		t.Fatalf("expected header, fields and details blocks, got %d", len(att.Blocks))
	}
	if got := att.Blocks[0].Text.Text; got != "CRITICAL Alert: aave-v3" {
		t.Errorf("unexpected header text %q", got)
	}
	if got := att.Blocks[2].Text.Text; !strings.Contains(got, alert.Message) {
		t.Errorf("details block %q missing alert message", got)
	}
}

func TestSlackNotifyWarningColor(t *testing.T) {
	msg := renderSlackAlert(storage.Alert{Severity: string(SeverityWarning)})
	if msg.Attachments[0].Color != "#FFA500" {
		t.Errorf("warning alert should be orange, got %s", msg.Attachments[0].Color)
	}
}

func TestSlackNotifyNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, time.Second, zerolog.Nop())
	err := notifier.Notify(context.Background(), storage.Alert{ProtocolID: "aave-v3"})
	if err == nil {
		t.Fatal("expected error for non-200 webhook response")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error should carry the status code, got %v", err)
	}
}

func TestSlackSendTest(t *testing.T) {
	var captured slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, time.Second, zerolog.Nop())
	if err := notifier.SendTest(context.Background()); err != nil {
		t.Fatalf("SendTest returned error: %v", err)
	}
	if captured.Text == "" {
		t.Error("test message should carry plain text")
	}
}

func TestSlackNotifyUnreachable(t *testing.T) {
	notifier := NewSlackNotifier("http://127.0.0.1:1", time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), storage.Alert{}); err == nil {
		t.Fatal("expected transport error for unreachable webhook")
	}
}
