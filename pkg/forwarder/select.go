package forwarder

import "strings"

// geminiModelPrefixes lists model-name prefixes that route to Gemini when no
// explicit family discriminator is supplied, per SPEC_FULL.md's routing
// expansion ("a model prefix heuristic").
var geminiModelPrefixes = []string{"gemini-", "models/gemini-"}

// SelectFamily resolves which family a request targets, preferring an
// explicit discriminator (typically a query parameter) and falling back to
// a model-name prefix heuristic.
func SelectFamily(explicit string, model string) Family {
	switch strings.ToLower(explicit) {
	case string(Gemini):
		return Gemini
	case string(OpenAI):
		return OpenAI
	}

	lower := strings.ToLower(model)
	for _, prefix := range geminiModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return Gemini
		}
	}
	return OpenAI
}
