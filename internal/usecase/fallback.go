package usecase

import (
	"strings"

	"chat-orchestrator/internal/domain"
)

const minimalFallback = "The answer engine is unavailable right now and no answer could be generated. Please try again later."

// SynthesizeFallback builds the locally generated reply used whenever the
// answer gateway did not return content. It is deterministic and never panics.
func SynthesizeFallback(query string, status domain.GatewayStatus) (content string) {
	defer func() {
		if r := recover(); r != nil {
			content = minimalFallback
		}
	}()
	content = renderFallback(query, status)
	if strings.TrimSpace(content) == "" {
		return minimalFallback
	}
	return content
}

var renderFallback = func(query string, status domain.GatewayStatus) string {
	return strings.Join([]string{
		fallbackReason(status),
		"",
		"**Your Query:** \"" + query + "\"",
		"",
		"Once the answer engine is connected, I'll be able to:",
		"- Search through your indexed documents",
		"- Find relevant merchant, supplier, and customer data",
		"- Provide answers with source citations",
		"",
		"**To connect the answer engine:**",
		connectSteps(),
		"",
		"In the meantime, you can upload documents via the Documents tab and retry this question later.",
	}, "\n")
}

func fallbackReason(status domain.GatewayStatus) string {
	switch status {
	case domain.GatewayTimeout:
		return "The answer engine did not respond in time, so this reply was generated locally."
	case domain.GatewayError:
		return "There was an error reaching the answer engine, so this reply was generated locally."
	default:
		return "The answer engine is offline (no endpoint is configured), so this reply was generated locally."
	}
}

func connectSteps() string {
	return strings.Join([]string{
		"1) Deploy the retrieval workflow that answers chat queries.",
		"2) Set its webhook URL in the ANSWER_GATEWAY_URL environment variable.",
		"3) Redeploy; new questions are routed to the engine automatically.",
	}, "\n")
}
