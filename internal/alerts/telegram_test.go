package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"lp-rebalancer/internal/config"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	if err := client.Notify(context.Background(), "k", "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

type capture struct {
	mu       sync.Mutex
	path     string
	payloads []map[string]string
}

func newCaptureServer(c *capture) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.path = r.URL.Path
		c.payloads = append(c.payloads, payload)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
}

func TestTelegramSendPostsMessage(t *testing.T) {
	c := &capture{}
	server := newCaptureServer(c)
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if c.path != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", c.path)
	}
	if c.payloads[0]["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", c.payloads[0]["chat_id"])
	}
	if c.payloads[0]["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", c.payloads[0]["text"])
	}
}

func TestTelegramNotifySuppressesRepeats(t *testing.T) {
	c := &capture{}
	server := newCaptureServer(c)
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := client.Notify(ctx, "mint_failed", "mint failed"); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if err := client.Notify(ctx, "rebalanced", "rebalanced"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(c.payloads) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(c.payloads))
	}
	if !strings.HasPrefix(c.payloads[0]["text"], "[lp-rebalancer] ") {
		t.Fatalf("expected prefixed text, got %q", c.payloads[0]["text"])
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected chat not found error, got %v", err)
	}
}
