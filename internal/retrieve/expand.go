// Package retrieve implements the hybrid retrieval pipeline: query
// expansion, parallel dense and lexical lanes, RRF fusion, boosting, MMR
// selection, and the optional LLM rerank.
package retrieve

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

// DetectLanguage classifies a query as "ar", "en", or "mixed" by letter
// script counts. Digits and punctuation are ignored.
func DetectLanguage(query string) string {
	var arabic, latin int
	for _, r := range query {
		switch {
		case r >= 0x0600 && r <= 0x06FF:
			arabic++
		case unicode.IsLetter(r) && r < 0x0250:
			latin++
		}
	}
	switch {
	case arabic == 0 && latin == 0:
		return "en"
	case arabic > 0 && latin == 0:
		return "ar"
	case latin > 0 && arabic == 0:
		return "en"
	default:
		return "mixed"
	}
}

// Expander produces query rewrites. With a configured chat client it asks
// the model for paraphrases; otherwise, or on any model failure, it falls
// back to deterministic rewrites so retrieval always has expansions.
type Expander struct {
	chat  contracts.ChatClient
	model string
}

func NewExpander(chat contracts.ChatClient, model string) *Expander {
	return &Expander{chat: chat, model: model}
}

const expandPrompt = `Rewrite the user query into %d alternative search queries that preserve its meaning. Reply with a JSON array of strings only, no prose.`

// Expand returns the original query followed by up to n distinct rewrites.
func (e *Expander) Expand(ctx context.Context, query string, n int) []string {
	out := []string{query}
	if n <= 0 {
		return out
	}
	if e.chat != nil {
		if rewrites := e.llmExpand(ctx, query, n); len(rewrites) > 0 {
			return appendDistinct(out, rewrites, n)
		}
	}
	return appendDistinct(out, deterministicRewrites(query), n)
}

func (e *Expander) llmExpand(ctx context.Context, query string, n int) []string {
	resp, err := e.chat.Chat(ctx, e.model, []models.ChatMessage{
		{Role: "system", Content: strings.Replace(expandPrompt, "%d", itoa(n), 1)},
		{Role: "user", Content: query},
	}, nil)
	if err != nil {
		log.Debug().Err(err).Msg("query expansion model failed, using deterministic rewrites")
		return nil
	}
	raw := strings.TrimSpace(resp.Content)
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil
	}
	var rewrites []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &rewrites); err != nil {
		return nil
	}
	var out []string
	for _, r := range rewrites {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// deterministicRewrites generates rewrites without a model: reversed token
// order, suffix-stripped tokens, and domain synonym injections.
func deterministicRewrites(query string) []string {
	tokens := strings.Fields(query)
	var out []string

	if len(tokens) > 1 {
		rev := make([]string, len(tokens))
		for i, t := range tokens {
			rev[len(tokens)-1-i] = t
		}
		out = append(out, strings.Join(rev, " "))
	}

	stripped := make([]string, len(tokens))
	changed := false
	for i, t := range tokens {
		s := stripSuffix(t)
		stripped[i] = s
		if s != t {
			changed = true
		}
	}
	if changed {
		out = append(out, strings.Join(stripped, " "))
	}

	lower := strings.ToLower(query)
	appended := map[string]bool{}
	for _, group := range domainSynonyms {
		// Whole-word match; "delivery" must not trigger the "ev" group.
		if !containsWord(lower, group.trigger) {
			continue
		}
		for _, syn := range group.synonyms {
			if !appended[syn] {
				appended[syn] = true
				out = append(out, query+" "+syn)
			}
		}
	}
	return out
}

// Trigger order is fixed so rewrites are stable run to run.
var domainSynonyms = []struct {
	trigger  string
	synonyms []string
}{
	{"ev", []string{"electric vehicle charging", "OCPP charge point", "Type 2 connector"}},
	{"charging", []string{"electric vehicle charging", "OCPP charge point"}},
	{"diesel", []string{"mobile refueling", "on-demand fuel delivery"}},
	{"delivery", []string{"on-demand delivery", "last mile fulfillment"}},
}

func stripSuffix(token string) string {
	lower := strings.ToLower(token)
	switch {
	case strings.HasSuffix(lower, "ing") && len(lower) > 5:
		return token[:len(token)-3]
	case strings.HasSuffix(lower, "s") && len(lower) > 3 && !strings.HasSuffix(lower, "ss"):
		return token[:len(token)-1]
	default:
		return token
	}
}

func containsWord(haystack, word string) bool {
	for _, tok := range strings.Fields(haystack) {
		if strings.Trim(tok, ".,;:!?()[]\"'") == word {
			return true
		}
	}
	return false
}

func appendDistinct(base, candidates []string, n int) []string {
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[strings.ToLower(s)] = struct{}{}
	}
	added := 0
	for _, c := range candidates {
		if added >= n {
			break
		}
		key := strings.ToLower(c)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		base = append(base, c)
		added++
	}
	return base
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return "several"
}
