package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
)

func deepseekAgainst(t *testing.T, handler http.HandlerFunc) *ChatAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := NewDeepSeekAdapter("test-key", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestDeepSeekGenerate(t *testing.T) {
	a := deepseekAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"deepseek-chat",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"patched"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":0}}`))
	})

	resp, err := a.Generate(context.Background(), "deepseek-chat", "fix it")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "patched" || resp.Adapter != "deepseek" || resp.Model != "deepseek-chat" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Fatalf("expected derived total of 7 tokens, got %+v", resp.Usage)
	}
}

func TestDeepSeekStatusBecomesProviderError(t *testing.T) {
	a := deepseekAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})

	_, err := a.Generate(context.Background(), "deepseek-chat", "fix it")
	var provider *ProviderError
	if !errors.As(err, &provider) {
		t.Fatalf("expected ProviderError, got %T %v", err, err)
	}
	if provider.Adapter != "deepseek" || provider.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected provider error %+v", provider)
	}
	if !IsTransient(err) {
		t.Fatalf("503 must be retried")
	}
}

func TestChatAdapterEmptyChoices(t *testing.T) {
	a := deepseekAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"deepseek-chat","choices":[]}`))
	})
	if _, err := a.Generate(context.Background(), "deepseek-chat", "fix it"); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}
