package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/duskgate/duskgate/pkg/scheduler"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// GeminiForwarder speaks the Gemini generateContent/streamGenerateContent API.
type GeminiForwarder struct {
	opts   Options
	client *http.Client
}

func NewGeminiForwarder(opts Options) *GeminiForwarder {
	return &GeminiForwarder{opts: opts, client: newHTTPClient()}
}

var _ Forwarder = (*GeminiForwarder)(nil)

func (f *GeminiForwarder) Family() Family { return Gemini }

// PrepareURL builds the model-scoped endpoint; streaming responses request
// the ?alt=sse encoding, per §4.C step 4.
func (f *GeminiForwarder) PrepareURL(req Request) string {
	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", f.opts.GeminiBaseURL, req.Model, verb)
	if req.Stream {
		url += "?alt=sse"
	}
	return url
}

// PrepareHeaders sets Gemini's x-goog-api-key auth header and, when the
// upstream gateway option is enabled, the Cloudflare AI Gateway auth header.
func (f *GeminiForwarder) PrepareHeaders(key upstreamkey.UpstreamKey) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-goog-api-key", key.Secret)
	if f.opts.CloudflareEnabled && f.opts.CFAIAuthKey != "" {
		h.Set("cf-aig-authorization", f.opts.CFAIAuthKey)
	}
	return h
}

func (f *GeminiForwarder) Send(ctx context.Context, key upstreamkey.UpstreamKey, req Request) (*Result, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &scheduler.ClassifiedError{Kind: scheduler.RequestError, Err: fmt.Errorf("encoding request body: %w", err)}
	}

	resp, err := doRequest(ctx, f.client, http.MethodPost, f.PrepareURL(req), f.PrepareHeaders(key), body)
	if err != nil {
		return nil, err
	}

	if !req.Stream {
		out, err := decodeUnary(resp)
		if err != nil {
			return nil, err
		}
		return &Result{Body: out, Usage: geminiUsage(out)}, nil
	}

	ch := make(chan Chunk)
	result := &Result{Chunks: ch}
	go func() {
		// Usage is carried on the terminal Chunk itself (see Chunk.Usage),
		// not written back onto result here: that would race with the
		// caller reading result.Usage after observing the channel close.
		scanSSE(ctx, resp, ch, geminiFrameIsTerminal)
	}()
	return result, nil
}

func geminiFrameIsTerminal(payload string) bool {
	var frame struct {
		Candidates []struct {
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return false
	}
	for _, c := range frame.Candidates {
		if c.FinishReason == "STOP" {
			return true
		}
	}
	return false
}

func geminiUsage(body map[string]any) Usage {
	u, ok := body["usageMetadata"].(map[string]any)
	if !ok {
		return Usage{}
	}
	return Usage{
		PromptTokens:     intField(u, "promptTokenCount"),
		CompletionTokens: intField(u, "candidatesTokenCount"),
		TotalTokens:      intField(u, "totalTokenCount"),
	}
}
