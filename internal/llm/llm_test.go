package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/everstacklabs/evalcore/internal/httpclient"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func decodeErr(body string, v any) error {
	return fmt.Errorf("unmarshaling response: %w", json.Unmarshal([]byte(body), v))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindSuccess},
		{"429", &httpclient.StatusError{StatusCode: 429, RetryAfter: time.Second}, KindRateLimited},
		{"wrapped 429", fmt.Errorf("calling: %w", &httpclient.StatusError{StatusCode: 429}), KindRateLimited},
		{"500", &httpclient.StatusError{StatusCode: 500}, KindTransient},
		{"503", &httpclient.StatusError{StatusCode: 503}, KindTransient},
		{"408", &httpclient.StatusError{StatusCode: 408}, KindTransient},
		{"400", &httpclient.StatusError{StatusCode: 400}, KindFatal},
		{"401", &httpclient.StatusError{StatusCode: 401}, KindFatal},
		{"deadline", fmt.Errorf("sending request: %w", context.DeadlineExceeded), KindTransient},
		{"canceled", context.Canceled, KindFatal},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), KindTransient},
		{"empty", ErrEmptyResponse, KindTransient},
		{"rate limit text", errors.New("Rate limit reached for requests"), KindRateLimited},
		{"unauthorized text", errors.New("Unauthorized"), KindFatal},
		{"unknown", errors.New("connection reset by peer"), KindTransient},
		{"garbled body", decodeErr(`{"choices":`, &struct{}{}), KindTransient},
		{"wrong body shape", decodeErr(`"text"`, new(int)), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Kind(); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_RetryAfterCarried(t *testing.T) {
	o := Classify(&httpclient.StatusError{StatusCode: 429, RetryAfter: 2 * time.Second})
	rl, ok := o.(RateLimited)
	if !ok {
		t.Fatalf("expected RateLimited, got %T", o)
	}
	if rl.RetryAfter != 2*time.Second {
		t.Errorf("expected 2s, got %v", rl.RetryAfter)
	}
}

func TestErr(t *testing.T) {
	if Err(Success{Text: "x"}) != nil {
		t.Error("success should have no error")
	}
	cause := errors.New("boom")
	err := Err(Fatal{Cause: cause})
	if !errors.Is(err, cause) {
		t.Errorf("expected fatal to unwrap to cause, got %v", err)
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{ModelID: "openai:gpt-4o", Prompt: "hi", Temperature: Float(0.7)}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	msgs := Request{ModelID: "openai:gpt-4o", Messages: []Message{{Role: "user", Content: "hi"}}}
	if err := msgs.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := []Request{
		{Prompt: "hi"},
		{ModelID: "m"},
		{ModelID: "m", Prompt: "hi", Temperature: Float(3)},
		{ModelID: "m", Messages: []Message{{Role: "robot", Content: "x"}}},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestConversation(t *testing.T) {
	r := Request{Prompt: "hello"}
	conv := r.Conversation()
	if len(conv) != 1 || conv[0].Role != "user" || conv[0].Content != "hello" {
		t.Errorf("unexpected conversation: %+v", conv)
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("unexpected model %s", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}
		if req.Seed == nil || *req.Seed != 7 {
			t.Errorf("expected seed 7")
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/", httpclient.New(httpclient.WithName("openai")))
	text, err := c.Complete(context.Background(), Completion{
		Model:    "gpt-4o-mini",
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Seed:     Int(7),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, httpclient.New())
	_, err := c.Complete(context.Background(), Completion{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOpenAIClient_GarbledBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`invalid gateway page`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, httpclient.New())
	_, err := c.Complete(context.Background(), Completion{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if got := Classify(err).Kind(); got != KindTransient {
		t.Errorf("expected transient, got %s (%v)", got, err)
	}
}

func TestOpenAIClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, httpclient.New())
	vec, err := c.Embed(context.Background(), "text-embedding-3-small", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.System != "sys\n\ninline" {
			t.Errorf("unexpected system %q", req.System)
		}
		if req.MaxTokens != anthropicDefaultMaxTokens {
			t.Errorf("expected default max tokens, got %d", req.MaxTokens)
		}
		if len(req.Messages) != 1 {
			t.Errorf("expected system turns folded, got %+v", req.Messages)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, httpclient.New())
	text, err := c.Complete(context.Background(), Completion{
		Model:  "claude-3-5-haiku",
		System: "sys",
		Messages: []Message{
			{Role: "system", Content: "inline"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "part one part two" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestAnthropicClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, httpclient.New(httpclient.WithName("anthropic")))
	_, err := c.Complete(context.Background(), Completion{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	o := Classify(err)
	rl, ok := o.(RateLimited)
	if !ok {
		t.Fatalf("expected RateLimited, got %T (%v)", o, err)
	}
	if rl.RetryAfter != time.Second {
		t.Errorf("expected 1s retry, got %v", rl.RetryAfter)
	}
}
