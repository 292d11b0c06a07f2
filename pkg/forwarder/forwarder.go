// Package forwarder implements the Request Forwarder: translating a
// provider-agnostic chat request into an upstream HTTP call, unary or
// streamed, against Gemini or OpenAI, and extracting token usage from the
// response. Grounded on the shared dispatch pipeline described in
// original_source/backend/app/services/request_service/base_request_service.py.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duskgate/duskgate/pkg/scheduler"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// Family identifies the upstream provider a Forwarder speaks to.
type Family string

const (
	Gemini Family = "gemini"
	OpenAI Family = "openai"
)

// Usage is upstream-reported token accounting, normalized across families.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is the provider-agnostic inbound chat request this package adapts.
type Request struct {
	Model  string
	Stream bool
	Body   map[string]any // upstream-shaped fields, passed through as-is
}

// Chunk is one SSE frame handed to the caller as it arrives. A final Chunk
// carrying Err (and no Data) is sent immediately before the channel closes
// if the stream ended abnormally, so the Retry Orchestrator can distinguish
// a clean close from one worth retrying. Usage is populated only on the
// chunk with Done set, carried on the chunk itself (rather than on Result,
// read only after the channel closes) so the value reaches the reader
// through the same channel synchronization instead of a separate
// unsynchronized field write from the sender goroutine.
type Chunk struct {
	Data  string // the raw payload after "data: ", without the trailing newlines
	Done  bool   // true once the terminal signal has been observed
	Usage Usage  // set only when Done
	Err   error
}

// Options carries the ambient gateway configuration every Forwarder needs.
type Options struct {
	GeminiBaseURL     string
	OpenAIBaseURL     string
	CloudflareEnabled bool
	CFAIAuthKey       string
}

// StreamingCompletionError reports that an SSE connection closed before a
// terminal signal was observed in any frame — distinct from an HTTP error
// since the response began with 2xx.
type StreamingCompletionError struct {
	Err error
}

func (e *StreamingCompletionError) Error() string {
	return fmt.Sprintf("streaming completion error: %v", e.Err)
}
func (e *StreamingCompletionError) Unwrap() error { return e.Err }

// HTTPError wraps a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Forwarder is the interface both provider variants implement, and the
// interface pkg/gateway's Retry Orchestrator depends on.
type Forwarder interface {
	Family() Family
	PrepareURL(req Request) string
	PrepareHeaders(key upstreamkey.UpstreamKey) http.Header
	Send(ctx context.Context, key upstreamkey.UpstreamKey, req Request) (*Result, error)
}

// Result is the outcome of one Send call. Exactly one of Body or Chunks is
// set, depending on req.Stream.
type Result struct {
	Body   map[string]any // unary response
	Chunks <-chan Chunk   // streaming response; closed when done or on error
	Usage  Usage
}

// doRequest is shared plumbing: it issues req against url with headers
// and returns the raw *http.Response on 2xx, or a ClassifiedError wrapping an
// HTTPError on non-2xx. Grounded on the teacher's http client-pool-per-base-URL
// note carried into §4.C of the distilled spec.
func doRequest(ctx context.Context, client *http.Client, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, &scheduler.ClassifiedError{Kind: scheduler.RequestError, Err: err}
	}
	httpReq.Header = headers

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &scheduler.ClassifiedError{Kind: scheduler.RequestError, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	kind := scheduler.ClassifyHTTPStatus(resp.StatusCode)
	return nil, &scheduler.ClassifiedError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Err:        &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)},
	}
}

func decodeUnary(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &scheduler.ClassifiedError{Kind: scheduler.RequestError, Err: fmt.Errorf("decoding response body: %w", err)}
	}
	return out, nil
}

// scanSSE reads data: frames off resp.Body, sending each to ch, and reports
// whether a terminal signal was observed before the stream ended. The
// sentinel "[DONE]" is passed through but does not itself count as terminal,
// per §4.C step 6.
func scanSSE(ctx context.Context, resp *http.Response, ch chan<- Chunk, isTerminal func(payload string) bool) (sawTerminal bool, usage Usage, err error) {
	defer resp.Body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") && !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if payload == "" {
			continue
		}

		terminal := payload != "[DONE]" && isTerminal(payload)
		chunkUsage := Usage{}
		if terminal {
			sawTerminal = true
			if u, ok := extractUsageFromFrame(payload); ok {
				usage = u
				chunkUsage = u
			}
		}

		select {
		case ch <- Chunk{Data: payload, Done: terminal, Usage: chunkUsage}:
		case <-ctx.Done():
			return sawTerminal, usage, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		sendErr(ctx, ch, err)
		return sawTerminal, usage, err
	}
	if !sawTerminal {
		streamErr := &StreamingCompletionError{Err: fmt.Errorf("connection closed before a terminal frame was observed")}
		sendErr(ctx, ch, streamErr)
		return false, usage, streamErr
	}
	return true, usage, nil
}

func sendErr(ctx context.Context, ch chan<- Chunk, err error) {
	select {
	case ch <- Chunk{Err: err}:
	case <-ctx.Done():
	}
}

// extractUsageFromFrame tries both families' usage shapes against a single
// terminal SSE frame payload.
func extractUsageFromFrame(payload string) (Usage, bool) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return Usage{}, false
	}
	if u, ok := frame["usageMetadata"].(map[string]any); ok {
		return Usage{
			PromptTokens:     intField(u, "promptTokenCount"),
			CompletionTokens: intField(u, "candidatesTokenCount"),
			TotalTokens:      intField(u, "totalTokenCount"),
		}, true
	}
	if u, ok := frame["usage"].(map[string]any); ok {
		return Usage{
			PromptTokens:     intField(u, "prompt_tokens"),
			CompletionTokens: intField(u, "completion_tokens"),
			TotalTokens:      intField(u, "total_tokens"),
		}, true
	}
	return Usage{}, false
}

func intField(m map[string]any, key string) int {
	v, ok := m[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// newHTTPClient returns a client with no overall timeout, appropriate for
// long-lived SSE streams. Deadlines come only from ctx: the Retry
// Orchestrator bounds unary calls with its request timeout, while streaming
// calls carry no deadline beyond the inbound request's context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0, // ctx governs the deadline; streaming responses can run long
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
