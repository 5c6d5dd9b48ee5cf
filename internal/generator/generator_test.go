package generator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

func TestWebhook_Generate(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     bool
		wantText    string
		wantPersist bool
	}{
		{
			name:        "persisted variant",
			status:      http.StatusOK,
			body:        `{"text": "Your cart misses you", "should_persist": true}`,
			wantText:    "Your cart misses you",
			wantPersist: true,
		},
		{
			name:     "ephemeral preview",
			status:   http.StatusOK,
			body:     `{"text": "Preview", "should_persist": false}`,
			wantText: "Preview",
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			body:    `upstream down`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			status:  http.StatusOK,
			body:    `{"text":`,
			wantErr: true,
		},
		{
			name:    "missing should_persist",
			status:  http.StatusOK,
			body:    `{"text": "hi"}`,
			wantErr: true,
		},
		{
			name:    "empty text",
			status:  http.StatusOK,
			body:    `{"text": "", "should_persist": true}`,
			wantErr: true,
		},
		{
			name:    "wrong type",
			status:  http.StatusOK,
			body:    `{"text": 42, "should_persist": "yes"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			wh, err := NewWebhook(WebhookConfig{URL: srv.URL}, zap.NewNop())
			if err != nil {
				t.Fatalf("NewWebhook() error = %v", err)
			}

			res, err := wh.Generate(context.Background(), Request{IntentID: "cart_abandon", Locale: "en-US"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Generate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res.Text != tt.wantText || res.ShouldPersist != tt.wantPersist {
				t.Errorf("Generate() = %+v, want text=%q persist=%v", res, tt.wantText, tt.wantPersist)
			}
		})
	}
}

func TestWebhook_SendsRequestPayload(t *testing.T) {
	var got Request
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Workflow-Secret")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"text": "ok", "should_persist": true}`)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Workflow-Secret": "s3cret"}}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	req := Request{
		IntentID:    "price_drop",
		Locale:      "fr-FR",
		Context:     map[string]string{"product": "shoes"},
		BaseMessage: "Price dropped",
	}
	if _, err := wh.Generate(context.Background(), req.WithAvoid("Old text")); err != nil {
		t.Fatal(err)
	}

	if got.IntentID != "price_drop" || got.Locale != "fr-FR" || got.BaseMessage != "Price dropped" {
		t.Errorf("unexpected payload %+v", got)
	}
	if got.Context["product"] != "shoes" || got.Context[AvoidKey] != "Old text" {
		t.Errorf("unexpected context %+v", got.Context)
	}
	if secret != "s3cret" {
		t.Errorf("expected custom header, got %q", secret)
	}
}

func TestWebhook_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := wh.Generate(context.Background(), Request{IntentID: "x"}); err == nil {
		t.Error("expected timeout error")
	}
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	if _, err := NewWebhook(WebhookConfig{}, zap.NewNop()); err == nil {
		t.Error("expected error without url")
	}
}

func TestWithAvoid_DoesNotMutateOriginal(t *testing.T) {
	req := Request{Context: map[string]string{"a": "1"}}
	next := req.WithAvoid("dup")

	if _, ok := req.Context[AvoidKey]; ok {
		t.Error("original context was mutated")
	}
	if next.Context[AvoidKey] != "dup" || next.Context["a"] != "1" {
		t.Errorf("unexpected context %+v", next.Context)
	}
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Generate(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestThrottled(t *testing.T) {
	calls := 0
	next := Func(func(context.Context, Request) (*Result, error) {
		calls++
		return &Result{Text: "hi", ShouldPersist: true}, nil
	})

	th := NewThrottled(next, 0.001, 2)

	for i := 0; i < 2; i++ {
		if _, err := th.Generate(context.Background(), Request{}); err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
	}
	_, err := th.Generate(context.Background(), Request{})
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("expected ErrThrottled, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 forwarded calls, got %d", calls)
	}
}

func TestRequestJSONShape(t *testing.T) {
	b, err := json.Marshal(Request{IntentID: "i", Locale: "en-US", BaseMessage: "b"})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"intent_id"`, `"locale"`, `"context"`, `"base_message"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("missing %s in %s", key, b)
		}
	}
	if strings.Contains(string(b), "timestamp") {
		t.Errorf("expected timestamp to be omitted: %s", b)
	}
}
