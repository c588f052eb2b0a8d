// Package gemini implements the completion-service client: a streaming
// generateContent call against the Gemini REST API. The relay consumes the
// fragment stream and the terminating summary (finish reason, full text,
// token counts); everything else in the repo treats this package through the
// Client interface.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Completion API roles. Stored assistant turns map to "model".
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// FinishReason is the upstream's signal for why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "STOP"
	FinishMaxTokens FinishReason = "MAX_TOKENS"
	FinishSafety    FinishReason = "SAFETY"
	FinishUnknown   FinishReason = ""
)

// Content is one prompt turn sent upstream.
type Content struct {
	Role string
	Text string
}

// Summary terminates a stream: why generation stopped, the concatenated
// text, and the reported token counts. UsageReported is false when the API
// omitted usage metadata; the ledger writes nothing in that case.
type Summary struct {
	FinishReason     FinishReason
	FullText         string
	PromptTokens     int
	CompletionTokens int
	UsageReported    bool
}

// Stream is an in-flight generation. Read every fragment from Chunks (the
// channel closes on completion), then call Summary for the terminating
// metadata or the stream error.
type Stream struct {
	chunks  chan string
	done    chan struct{}
	summary *Summary
	err     error
}

// Chunks returns the fragment channel. It is closed when the upstream
// stream ends, successfully or not.
func (s *Stream) Chunks() <-chan string { return s.chunks }

// Summary blocks until the stream has ended and returns the terminating
// summary, or the error that cut the stream short.
func (s *Stream) Summary() (*Summary, error) {
	<-s.done
	if s.err != nil {
		return nil, s.err
	}
	return s.summary, nil
}

// NewStaticStream returns an already-finished Stream that yields the given
// fragments and then the summary or error. Useful for fakes of the Client
// interface.
func NewStaticStream(fragments []string, summary *Summary, err error) *Stream {
	s := &Stream{chunks: make(chan string, len(fragments)), done: make(chan struct{})}
	for _, f := range fragments {
		s.chunks <- f
	}
	close(s.chunks)
	s.summary = summary
	s.err = err
	close(s.done)
	return s
}

// Client is the completion-service contract consumed by the relay.
type Client interface {
	// StreamGenerate starts a streamed completion for the given turns.
	StreamGenerate(ctx context.Context, contents []Content) (*Stream, error)
}

// GenerationConfig carries the model sampling parameters.
type GenerationConfig struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// HTTPClient talks to the Gemini REST API over SSE.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Config  GenerationConfig
	Client  *http.Client
}

// NewHTTPClient builds a client with the production endpoint default.
func NewHTTPClient(apiKey, model string, cfg GenerationConfig) *HTTPClient {
	return &HTTPClient{
		BaseURL: "https://generativelanguage.googleapis.com",
		APIKey:  apiKey,
		Model:   model,
		Config:  cfg,
		// Streams can run for minutes; per-request deadlines come from ctx.
		Client: &http.Client{Timeout: 0},
	}
}

// ModelInfo describes the configured model for the /info command.
type ModelInfo struct {
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

// Info returns the static model configuration.
func (c *HTTPClient) Info() ModelInfo {
	return ModelInfo{
		Model:           c.Model,
		Temperature:     c.Config.Temperature,
		TopP:            c.Config.TopP,
		TopK:            c.Config.TopK,
		MaxOutputTokens: c.Config.MaxOutputTokens,
	}
}

// Wire types for the generateContent request/response.

type genPart struct {
	Text string `json:"text"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type genRequest struct {
	Contents         []genContent `json:"contents"`
	GenerationConfig genConfig    `json:"generationConfig"`
}

type genResponse struct {
	Candidates []struct {
		Content      genContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamGenerate opens a streamGenerateContent SSE call and feeds fragments
// into the returned Stream as they arrive.
func (c *HTTPClient) StreamGenerate(ctx context.Context, contents []Content) (*Stream, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	model := strings.TrimSpace(c.Model)
	if model == "" {
		return nil, errors.New("gemini: model is required")
	}
	if len(contents) == 0 {
		return nil, errors.New("gemini: no content to send")
	}

	reqBody := genRequest{
		GenerationConfig: genConfig{
			Temperature:     c.Config.Temperature,
			TopP:            c.Config.TopP,
			TopK:            c.Config.TopK,
			MaxOutputTokens: c.Config.MaxOutputTokens,
		},
	}
	for _, ct := range contents {
		reqBody.Contents = append(reqBody.Contents, genContent{
			Role:  ct.Role,
			Parts: []genPart{{Text: ct.Text}},
		})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(c.BaseURL, "/"), model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("gemini: %s", msg)
	}

	st := &Stream{
		chunks: make(chan string, 16),
		done:   make(chan struct{}),
	}
	go c.consume(ctx, resp.Body, st)
	return st, nil
}

// consume reads the SSE body, forwarding text fragments and accumulating the
// terminating summary.
func (c *HTTPClient) consume(ctx context.Context, body io.ReadCloser, st *Stream) {
	defer close(st.done)
	defer close(st.chunks)
	defer body.Close()

	summary := &Summary{FinishReason: FinishUnknown}
	var full strings.Builder

	sc := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var decoded genResponse
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			st.err = err
			return
		}
		if decoded.Error != nil && decoded.Error.Message != "" {
			st.err = errors.New(decoded.Error.Message)
			return
		}
		if decoded.UsageMetadata != nil {
			summary.PromptTokens = decoded.UsageMetadata.PromptTokenCount
			summary.CompletionTokens = decoded.UsageMetadata.CandidatesTokenCount
			summary.UsageReported = true
		}
		if len(decoded.Candidates) == 0 {
			continue
		}
		cand := decoded.Candidates[0]
		if cand.FinishReason != "" {
			summary.FinishReason = FinishReason(cand.FinishReason)
		}
		for _, part := range cand.Content.Parts {
			if part.Text == "" {
				continue
			}
			full.WriteString(part.Text)
			select {
			case st.chunks <- part.Text:
			case <-ctx.Done():
				st.err = ctx.Err()
				return
			}
		}
	}
	if err := sc.Err(); err != nil {
		st.err = err
		return
	}

	summary.FullText = full.String()
	if summary.FullText == "" {
		st.err = errors.New("gemini: empty response")
		return
	}
	st.summary = summary
}
