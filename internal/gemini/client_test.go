package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseBody(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "data: %s\n\n", e)
	}
	return sb.String()
}

func newSSEServer(t *testing.T, status int, body string, gotReq *genRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if gotReq != nil {
			if err := json.NewDecoder(r.Body).Decode(gotReq); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(baseURL string) *HTTPClient {
	c := NewHTTPClient("test-key", "gemini-2.0-flash", GenerationConfig{
		Temperature: 0.5, TopP: 0.9, TopK: 20, MaxOutputTokens: 256,
	})
	c.BaseURL = baseURL
	return c
}

func TestStreamGenerate_ForwardsFragmentsAndSummary(t *testing.T) {
	body := sseBody(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":5}}`,
	)
	var got genRequest
	srv := newSSEServer(t, http.StatusOK, body, &got)
	c := newTestClient(srv.URL)

	stream, err := c.StreamGenerate(context.Background(), []Content{{Role: RoleUser, Text: "hi"}})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}

	var frags []string
	for f := range stream.Chunks() {
		frags = append(frags, f)
	}
	sum, err := stream.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if strings.Join(frags, "") != "Hello world" {
		t.Fatalf("unexpected fragments: %q", frags)
	}
	if sum.FinishReason != FinishStop || sum.FullText != "Hello world" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if !sum.UsageReported || sum.PromptTokens != 12 || sum.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", sum)
	}

	// The request carried the prompt and sampling parameters.
	if len(got.Contents) != 1 || got.Contents[0].Parts[0].Text != "hi" {
		t.Fatalf("unexpected request contents: %+v", got.Contents)
	}
	if got.GenerationConfig.MaxOutputTokens != 256 {
		t.Fatalf("unexpected generation config: %+v", got.GenerationConfig)
	}
}

func TestStreamGenerate_MaxTokensFinish(t *testing.T) {
	body := sseBody(
		`{"candidates":[{"content":{"parts":[{"text":"cut off"}]},"finishReason":"MAX_TOKENS"}]}`,
	)
	srv := newSSEServer(t, http.StatusOK, body, nil)
	c := newTestClient(srv.URL)

	stream, err := c.StreamGenerate(context.Background(), []Content{{Role: RoleUser, Text: "long"}})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	for range stream.Chunks() {
	}
	sum, err := stream.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.FinishReason != FinishMaxTokens {
		t.Fatalf("expected MAX_TOKENS, got %q", sum.FinishReason)
	}
	if sum.UsageReported {
		t.Fatalf("usage must not be reported when metadata is absent")
	}
}

func TestStreamGenerate_HTTPErrorStatus(t *testing.T) {
	srv := newSSEServer(t, http.StatusForbidden, `{"error":{"message":"bad key"}}`, nil)
	c := newTestClient(srv.URL)

	_, err := c.StreamGenerate(context.Background(), []Content{{Role: RoleUser, Text: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected upstream error body in message, got %v", err)
	}
}

func TestStreamGenerate_InlineErrorEvent(t *testing.T) {
	body := sseBody(`{"error":{"message":"quota exceeded"}}`)
	srv := newSSEServer(t, http.StatusOK, body, nil)
	c := newTestClient(srv.URL)

	stream, err := c.StreamGenerate(context.Background(), []Content{{Role: RoleUser, Text: "hi"}})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	for range stream.Chunks() {
	}
	if _, err := stream.Summary(); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected inline error, got %v", err)
	}
}

func TestStreamGenerate_EmptyResponseIsError(t *testing.T) {
	body := sseBody(`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`)
	srv := newSSEServer(t, http.StatusOK, body, nil)
	c := newTestClient(srv.URL)

	stream, err := c.StreamGenerate(context.Background(), []Content{{Role: RoleUser, Text: "hi"}})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	for range stream.Chunks() {
	}
	if _, err := stream.Summary(); err == nil {
		t.Fatalf("expected empty-response error")
	}
}

func TestStreamGenerate_ValidatesInputs(t *testing.T) {
	c := newTestClient("http://unused")
	if _, err := c.StreamGenerate(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty contents")
	}

	c.APIKey = ""
	if _, err := c.StreamGenerate(context.Background(), []Content{{Text: "x"}}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestInfo_ReflectsConfig(t *testing.T) {
	c := newTestClient("http://unused")
	mi := c.Info()
	if mi.Model != "gemini-2.0-flash" || mi.MaxOutputTokens != 256 || mi.TopK != 20 {
		t.Fatalf("unexpected model info: %+v", mi)
	}
}
