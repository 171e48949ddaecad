// Package orchestrator routes user messages to agents and runs the
// assistant tool loop for the selected one.
package orchestrator

import (
	"strings"

	"github.com/gasable/hub/pkg/models"
)

// routing buckets: keyword evidence per agent id. Scores are summed over
// keyword occurrences; support wins ties and takes unmatched messages.
var routingKeywords = map[string][]string{
	"research":    {"research", "find", "analyze", "compare", "investigate", "report"},
	"marketing":   {"email", "campaign", "draft", "newsletter", "promote", "announce"},
	"procurement": {"order", "place", "invoice", "purchase", "buy", "quote", "supply"},
}

const fallbackAgent = "support"

// routeAgent picks the agent id for a message. A known agent preference
// wins outright; otherwise keyword evidence decides, with support as the
// tie-break and default.
func routeAgent(message, preference string, available []models.Agent) string {
	known := make(map[string]struct{}, len(available))
	for _, a := range available {
		known[a.ID] = struct{}{}
	}
	if preference != "" {
		if _, ok := known[preference]; ok {
			return preference
		}
	}

	lower := strings.ToLower(message)
	best := fallbackAgent
	bestScore := 0
	// Deterministic bucket order so equal scores resolve the same way
	// on every call.
	for _, id := range []string{"research", "marketing", "procurement"} {
		if _, ok := known[id]; !ok {
			continue
		}
		score := 0
		for _, kw := range routingKeywords[id] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best = id
			bestScore = score
		}
	}
	if _, ok := known[best]; !ok {
		// Fall back to any available agent rather than failing the run.
		for _, a := range available {
			return a.ID
		}
	}
	return best
}
