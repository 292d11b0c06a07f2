package forwarder

import (
	"context"
	"time"

	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// Prober implements scheduler.HealthProber using a minimal unary request
// against each family's cheapest endpoint. Injected into scheduler.New at
// construction, resolving the Scheduler/Forwarder cyclic reference per the
// "gateway context" design note.
type Prober struct {
	Gemini      *GeminiForwarder
	OpenAI      *OpenAIForwarder
	GeminiModel string // e.g. "gemini-2.5-flash-lite"
	OpenAIModel string // only used when no Gemini forwarder is configured
}

// ProbeHealth issues a trivial, near-zero-cost completion request and
// reports any failure as the key's liveness signal for the release loop.
func (p *Prober) ProbeHealth(ctx context.Context, key upstreamkey.UpstreamKey) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	f := p.forwarderFor(key)
	req := p.probeRequest(f)

	_, err := f.Send(ctx, key, req)
	return err
}

// probeRequest builds a family-shaped minimal request — Gemini and OpenAI
// disagree on the request body format, so the probe body must match
// whichever forwarder forwarderFor picked.
func (p *Prober) probeRequest(f Forwarder) Request {
	if f.Family() == Gemini {
		return Request{
			Model:  p.GeminiModel,
			Stream: false,
			Body: map[string]any{
				"contents": []map[string]any{
					{"role": "user", "parts": []map[string]any{{"text": "ping"}}},
				},
				"generationConfig": map[string]any{"maxOutputTokens": 1},
			},
		}
	}
	return Request{
		Model:  p.OpenAIModel,
		Stream: false,
		Body: map[string]any{
			"model": p.OpenAIModel,
			"messages": []map[string]any{
				{"role": "user", "content": "ping"},
			},
			"max_tokens": 1,
		},
	}
}

// forwarderFor picks a family for the probe. Keys in this system are Gemini
// API keys (per original_source's _check_key_health, which always probes
// through the Gemini-native endpoint), so the probe must go out as a
// Gemini request — sending a Gemini secret as an OpenAI Bearer token would
// never authenticate and would silently break the health-checked release
// variant. OpenAI is only used as a fallback when Gemini isn't configured.
func (p *Prober) forwarderFor(_ upstreamkey.UpstreamKey) Forwarder {
	if p.Gemini != nil {
		return p.Gemini
	}
	return p.OpenAI
}
