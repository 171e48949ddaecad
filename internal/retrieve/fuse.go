package retrieve

import (
	"sort"
	"strings"

	"github.com/gasable/hub/pkg/models"
)

// rrfK is the reciprocal-rank-fusion constant. Standard value from the
// literature; small enough to reward top ranks, large enough to damp noise.
const rrfK = 60

// rrfFuse merges ranked lists by reciprocal rank. Scores in the input
// lists are ignored; only rank matters. Output is sorted by fused score
// descending with node id as the tie-break, so fusion is deterministic for
// a given set of input lists.
func rrfFuse(lists ...[]models.Hit) []models.Hit {
	fused := make(map[string]*models.Hit)
	for _, list := range lists {
		for rank, h := range list {
			contribution := 1.0 / float64(rrfK+rank+1)
			if existing, ok := fused[h.NodeID]; ok {
				existing.Score += contribution
				if existing.Text == "" {
					existing.Text = h.Text
				}
				if existing.Metadata == nil {
					existing.Metadata = h.Metadata
				}
			} else {
				fused[h.NodeID] = &models.Hit{
					NodeID:   h.NodeID,
					Text:     h.Text,
					Score:    contribution,
					Metadata: h.Metadata,
				}
			}
		}
	}
	out := make([]models.Hit, 0, len(fused))
	for _, h := range fused {
		out = append(out, *h)
	}
	sortHits(out)
	return out
}

func sortHits(hits []models.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].NodeID < hits[j].NodeID
	})
}

// tokenSet splits text into lowercase tokens of more than 2 characters.
func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 2 {
			out[strings.ToLower(cur.String())] = struct{}{}
		}
		cur.Reset()
	}
	for _, r := range text {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= 0x0600 && r <= 0x06FF) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var shared int
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func overlapCount(a, b map[string]struct{}) int {
	var n int
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}

// noiseMarkers identify corpus sources that tend to pollute answers with
// boilerplate. Penalties for matching ids and texts add up, but a hit
// always keeps at least 90% of its score.
var noiseMarkers = []string{"market_analysis", "certificate", "gmail", "mail-", "incident", "audit"}

const (
	noiseIDPenalty   = 0.05
	noiseTextPenalty = 0.03
	noiseFloor       = 0.9
	intentBoost      = 0.1
)

// deliveryIntentTerms and evIntentTerms drive the intent boost: a hit
// whose text matches the query's detected intent edges out neutral
// neighbors with similar fused scores.
var (
	deliveryIntentTerms = []string{"delivery", "deliver", "refuel", "diesel", "fuel"}
	evIntentTerms       = []string{"charg", "ocpp", "electric", "connector"}
)

func isEVQuery(query string) bool {
	lower := strings.ToLower(query)
	return strings.Contains(lower, "ev ") || strings.HasSuffix(lower, " ev") || lower == "ev" ||
		strings.Contains(lower, "charg") || strings.Contains(lower, "electric vehicle")
}

func isDeliveryQuery(query string) bool {
	return containsAny(strings.ToLower(query), deliveryIntentTerms)
}

func containsAny(haystack string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// applyBoosts adjusts fused scores in place: preferred-domain prefix gets
// +0.5, web hits get +0.25 when the preferred domain is a web URL, noise
// sources are damped, intent-matching texts get a fixed boost, and query
// token overlap adds a small nudge so near matches edge out accidental
// neighbors. Resorts on return.
func applyBoosts(hits []models.Hit, query, preferDomain string) {
	qTokens := tokenSet(query)
	preferWeb := strings.HasPrefix(preferDomain, "http") || strings.HasPrefix(preferDomain, "www")
	evIntent := isEVQuery(query)
	deliveryIntent := isDeliveryQuery(query)
	for i := range hits {
		h := &hits[i]
		if preferDomain != "" {
			if strings.HasPrefix(h.NodeID, preferDomain) {
				h.Score += 0.5
			} else if preferWeb && strings.HasPrefix(h.NodeID, "web://") {
				h.Score += 0.25
			}
		}
		lowerID := strings.ToLower(h.NodeID)
		lowerText := strings.ToLower(h.Text)
		penalty := 0.0
		for _, marker := range noiseMarkers {
			if strings.Contains(lowerID, marker) {
				penalty += noiseIDPenalty
			}
			if strings.Contains(lowerText, marker) {
				penalty += noiseTextPenalty
			}
		}
		if factor := 1 - penalty; factor > noiseFloor {
			h.Score *= factor
		} else {
			h.Score *= noiseFloor
		}
		if deliveryIntent && containsAny(lowerText, deliveryIntentTerms) {
			h.Score += intentBoost
		}
		if evIntent && containsAny(lowerText, evIntentTerms) {
			h.Score += intentBoost
		}
		h.Score += 0.02 * jaccard(qTokens, tokenSet(h.Text))
	}
	sortHits(hits)
}

// filterByOverlap drops candidates sharing too few tokens with the query.
// EV-intent queries require 2 shared tokens because the corpus is dense
// with near-miss energy content. If the filter would empty the pool, the
// original slice is returned untouched.
func filterByOverlap(hits []models.Hit, query string) []models.Hit {
	minOverlap := 1
	if isEVQuery(query) {
		minOverlap = 2
	}
	qTokens := tokenSet(query)
	if len(qTokens) < minOverlap {
		return hits
	}
	var kept []models.Hit
	for _, h := range hits {
		if overlapCount(qTokens, tokenSet(h.Text)) >= minOverlap {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return hits
	}
	return kept
}

// mmrSelect picks up to k hits greedily, trading relevance against
// redundancy: score = lambda*relevance - (1-lambda)*maxSimilarityToPicked.
// Relevance is normalized to [0,1] over the candidate pool. Ties break on
// node id so selection is deterministic.
func mmrSelect(hits []models.Hit, lambda float64, k int) []models.Hit {
	if k <= 0 || len(hits) == 0 {
		return nil
	}
	if len(hits) <= k {
		out := make([]models.Hit, len(hits))
		copy(out, hits)
		return out
	}

	maxScore := hits[0].Score
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	rel := make([]float64, len(hits))
	for i, h := range hits {
		if maxScore > 0 {
			rel[i] = h.Score / maxScore
		}
	}
	tokens := make([]map[string]struct{}, len(hits))
	for i, h := range hits {
		tokens[i] = tokenSet(h.Text)
	}

	picked := make([]int, 0, k)
	used := make([]bool, len(hits))
	for len(picked) < k {
		best := -1
		bestScore := 0.0
		for i := range hits {
			if used[i] {
				continue
			}
			maxSim := 0.0
			for _, p := range picked {
				if sim := jaccard(tokens[i], tokens[p]); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*rel[i] - (1-lambda)*maxSim
			if best == -1 || score > bestScore ||
				(score == bestScore && hits[i].NodeID < hits[best].NodeID) {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		picked = append(picked, best)
	}

	out := make([]models.Hit, 0, len(picked))
	for _, i := range picked {
		out = append(out, hits[i])
	}
	return out
}
