package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/duskgate/duskgate/pkg/scheduler"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// OpenAIForwarder speaks the OpenAI-compatible /chat/completions API,
// including the upstream-gateway passthrough mode that proxies Gemini
// models through an OpenAI-shaped endpoint.
type OpenAIForwarder struct {
	opts   Options
	client *http.Client
}

func NewOpenAIForwarder(opts Options) *OpenAIForwarder {
	return &OpenAIForwarder{opts: opts, client: newHTTPClient()}
}

var _ Forwarder = (*OpenAIForwarder)(nil)

func (f *OpenAIForwarder) Family() Family { return OpenAI }

// PrepareURL is constant regardless of stream mode, per §4.C step 1.
func (f *OpenAIForwarder) PrepareURL(_ Request) string {
	return f.opts.OpenAIBaseURL + "/chat/completions"
}

func (f *OpenAIForwarder) PrepareHeaders(key upstreamkey.UpstreamKey) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+key.Secret)
	if f.opts.CloudflareEnabled && f.opts.CFAIAuthKey != "" {
		h.Set("cf-aig-authorization", f.opts.CFAIAuthKey)
	}
	return h
}

// prepareBody applies §4.C step 5's OpenAI-specific adjustments: folding
// include_thoughts/thinking_budget into extra_body.google.thinking_config,
// dropping the unsupported seed field, forcing stream_options.include_usage
// when streaming, and prefixing the model with google-ai-studio/ when
// running behind the upstream gateway.
func prepareBody(req Request, cloudflareEnabled bool) map[string]any {
	body := make(map[string]any, len(req.Body)+2)
	for k, v := range req.Body {
		body[k] = v
	}
	delete(body, "seed")

	includeThoughts, hasThoughts := body["include_thoughts"]
	thinkingBudget, hasBudget := body["thinking_budget"]
	if hasThoughts || hasBudget {
		delete(body, "include_thoughts")
		delete(body, "thinking_budget")
		thinkingConfig := map[string]any{}
		if hasThoughts {
			thinkingConfig["include_thoughts"] = includeThoughts
		}
		if hasBudget {
			thinkingConfig["thinking_budget"] = thinkingBudget
		}
		body["extra_body"] = map[string]any{
			"google": map[string]any{"thinking_config": thinkingConfig},
		}
	}

	if req.Stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	model, _ := body["model"].(string)
	if model == "" {
		model = req.Model
	}
	if cloudflareEnabled && !strings.HasPrefix(model, "google-ai-studio/") {
		model = "google-ai-studio/" + model
	}
	body["model"] = model

	return body
}

func (f *OpenAIForwarder) Send(ctx context.Context, key upstreamkey.UpstreamKey, req Request) (*Result, error) {
	payload := prepareBody(req, f.opts.CloudflareEnabled)
	body, err := json.Marshal(payload)
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
		return &Result{Body: out, Usage: openAIUsage(out)}, nil
	}

	ch := make(chan Chunk)
	result := &Result{Chunks: ch}
	go func() {
		// Usage is carried on the terminal Chunk itself (see Chunk.Usage),
		// not written back onto result here: that would race with the
		// caller reading result.Usage after observing the channel close.
		scanSSE(ctx, resp, ch, openAIFrameIsTerminal)
	}()
	return result, nil
}

func openAIFrameIsTerminal(payload string) bool {
	var frame struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return false
	}
	for _, c := range frame.Choices {
		if c.FinishReason == "stop" {
			return true
		}
	}
	return false
}

func openAIUsage(body map[string]any) Usage {
	u, ok := body["usage"].(map[string]any)
	if !ok {
		return Usage{}
	}
	return Usage{
		PromptTokens:     intField(u, "prompt_tokens"),
		CompletionTokens: intField(u, "completion_tokens"),
		TotalTokens:      intField(u, "total_tokens"),
	}
}
