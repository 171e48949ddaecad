package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

const (
	maxSummaryBullets = 8
	maxSections       = 4
	maxBulletRunes    = 180
)

const noContextEN = "No context available."
const noContextAR = "لا يوجد سياق متاح."

// Answerer synthesizes structured answers from retrieved hits. With
// strictContextOnly set, or without a chat client, only the deterministic
// builder runs.
type Answerer struct {
	chat              contracts.ChatClient
	model             string
	strictContextOnly bool
}

func New(chat contracts.ChatClient, model string, strictContextOnly bool) *Answerer {
	return &Answerer{chat: chat, model: model, strictContextOnly: strictContextOnly}
}

// Answer produces the structured answer plus its prose rendering. Model
// failures degrade to the deterministic builder; only the no-context case
// short-circuits.
func (a *Answerer) Answer(ctx context.Context, query, language string, hits []models.Hit, rep contracts.StepReporter) (*models.StructuredAnswer, string, error) {
	if rep == nil {
		rep = contracts.NopReporter{}
	}
	start := time.Now()
	if len(hits) == 0 {
		ans := noContextAnswer(language)
		rep.Step("answer_generated", map[string]interface{}{
			"duration_ms": time.Since(start).Milliseconds(), "chars": len(ans.Summary[0]),
		})
		return ans, ans.Summary[0], nil
	}

	var ans *models.StructuredAnswer
	if a.chat != nil && !a.strictContextOnly {
		ans = a.synthesize(ctx, query, language, hits)
	}
	if ans == nil {
		ans = buildDeterministic(query, hits)
	}
	clamp(ans)
	attachSources(ans, hits)
	text := RenderText(ans)
	rep.Step("answer_generated", map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(), "chars": len(text),
	})
	return ans, text, nil
}

func noContextAnswer(language string) *models.StructuredAnswer {
	msg := noContextEN
	if language == "ar" {
		msg = noContextAR
	}
	return &models.StructuredAnswer{Title: "", Summary: []string{msg}}
}

const synthesisPrompt = `Answer the question using ONLY the numbered context passages. Reply with JSON only, matching exactly:
{"title": "...", "summary": ["..."], "sections": [{"heading": "...", "bullets": ["..."]}]}
Do not invent facts absent from the context. Answer in the same language as the question.`

// synthesize asks the model for the JSON answer shape, retrying once on a
// malformed reply. Returns nil when the model path fails entirely.
func (a *Answerer) synthesize(ctx context.Context, query, language string, hits []models.Hit) *models.StructuredAnswer {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nContext:")
	for i, h := range hits {
		text := Sanitize(h.Text)
		if len(text) > 1200 {
			text = text[:1200]
		}
		fmt.Fprintf(&sb, "\n[%d] %s", i+1, text)
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := a.chat.Chat(ctx, a.model, []models.ChatMessage{
			{Role: "system", Content: synthesisPrompt},
			{Role: "user", Content: sb.String()},
		}, nil)
		if err != nil {
			log.Debug().Err(err).Msg("answer synthesis failed, using deterministic builder")
			return nil
		}
		if ans := parseAnswer(resp.Content); ans != nil {
			return ans
		}
		log.Debug().Int("attempt", attempt+1).Msg("answer reply was not valid JSON")
	}
	return nil
}

// parseAnswer extracts the first balanced JSON object from raw and decodes
// it. Models often wrap JSON in prose or code fences.
func parseAnswer(raw string) *models.StructuredAnswer {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				var ans models.StructuredAnswer
				if json.Unmarshal([]byte(raw[start:i+1]), &ans) != nil {
					return nil
				}
				if len(ans.Summary) == 0 && len(ans.Sections) == 0 {
					return nil
				}
				return &ans
			}
		}
	}
	return nil
}

// Heading classifiers for the deterministic builder, applied to each
// context sentence in order. First match wins.
var sectionClassifiers = []struct {
	heading string
	re      *regexp.Regexp
}{
	{"Services", regexp.MustCompile(`(?i)\b(service|offer|provide|solution|platform)`)},
	{"Deployment", regexp.MustCompile(`(?i)\b(deploy|install|setup|integrat|onboard|rollout)`)},
	{"Pricing", regexp.MustCompile(`(?i)\b(price|pricing|cost|fee|subscription|sar|usd)`)},
	{"SLAs", regexp.MustCompile(`(?i)\b(sla|uptime|availability|support hours|response time)`)},
	{"Benefits", regexp.MustCompile(`(?i)\b(benefit|advantage|saving|efficien|reduce)`)},
}

var sentenceSplitRe = regexp.MustCompile(`[.!?؟]\s+`)

// buildDeterministic assembles an answer from the hits alone: the top
// sentences become the summary, classified sentences become sections, and
// unclassifiable content collapses into a Details paragraph.
func buildDeterministic(query string, hits []models.Hit) *models.StructuredAnswer {
	ans := &models.StructuredAnswer{Title: clipRunes(strings.TrimSpace(query), 120)}

	sections := make(map[string][]string)
	var order []string
	var unclassified []string

	for _, h := range hits {
		text := Sanitize(h.Text)
		for _, sentence := range sentenceSplitRe.Split(text, -1) {
			sentence = strings.TrimSpace(sentence)
			if len([]rune(sentence)) < 12 {
				continue
			}
			if len(ans.Summary) < maxSummaryBullets {
				ans.Summary = append(ans.Summary, sentence)
			}
			placed := false
			for _, cls := range sectionClassifiers {
				if cls.re.MatchString(sentence) {
					if _, seen := sections[cls.heading]; !seen {
						order = append(order, cls.heading)
					}
					sections[cls.heading] = append(sections[cls.heading], sentence)
					placed = true
					break
				}
			}
			if !placed {
				unclassified = append(unclassified, sentence)
			}
		}
	}

	for _, heading := range order {
		if len(ans.Sections) >= maxSections {
			break
		}
		ans.Sections = append(ans.Sections, models.AnswerSection{
			Heading: heading,
			Bullets: sections[heading],
		})
	}
	if len(ans.Sections) == 0 && len(unclassified) > 0 {
		para := strings.Join(unclassified, ". ")
		ans.Sections = append(ans.Sections, models.AnswerSection{
			Heading:   "Details",
			Paragraph: clipRunes(para, 800),
		})
	}
	return ans
}

// clamp enforces the answer shape limits after sanitization.
func clamp(ans *models.StructuredAnswer) {
	ans.Title = clipRunes(Sanitize(ans.Title), 120)
	if len(ans.Summary) > maxSummaryBullets {
		ans.Summary = ans.Summary[:maxSummaryBullets]
	}
	for i, b := range ans.Summary {
		ans.Summary[i] = clipRunes(Sanitize(b), maxBulletRunes)
	}
	if len(ans.Sections) > maxSections {
		ans.Sections = ans.Sections[:maxSections]
	}
	for i := range ans.Sections {
		sec := &ans.Sections[i]
		sec.Heading = clipRunes(Sanitize(sec.Heading), 80)
		for j, b := range sec.Bullets {
			sec.Bullets[j] = clipRunes(Sanitize(b), maxBulletRunes)
		}
		sec.Paragraph = Sanitize(sec.Paragraph)
	}
}

func attachSources(ans *models.StructuredAnswer, hits []models.Hit) {
	if len(ans.Sources) > 0 {
		return
	}
	for _, h := range hits {
		label := ""
		if h.Metadata != nil {
			label, _ = h.Metadata["title"].(string)
		}
		ans.Sources = append(ans.Sources, models.AnswerSource{ID: h.NodeID, Label: label})
	}
}

// RenderText flattens an answer into plain prose.
func RenderText(ans *models.StructuredAnswer) string {
	var sb strings.Builder
	if ans.Title != "" {
		sb.WriteString(ans.Title)
		sb.WriteString("\n\n")
	}
	for _, b := range ans.Summary {
		sb.WriteString("- ")
		sb.WriteString(b)
		sb.WriteByte('\n')
	}
	for _, sec := range ans.Sections {
		sb.WriteByte('\n')
		sb.WriteString(sec.Heading)
		sb.WriteByte('\n')
		for _, b := range sec.Bullets {
			sb.WriteString("- ")
			sb.WriteString(b)
			sb.WriteByte('\n')
		}
		if sec.Paragraph != "" {
			sb.WriteString(sec.Paragraph)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSpace(sb.String())
}

// RenderHTML renders an answer as a minimal HTML fragment with all
// content escaped.
func RenderHTML(ans *models.StructuredAnswer) string {
	var sb strings.Builder
	if ans.Title != "" {
		fmt.Fprintf(&sb, "<h2>%s</h2>", html.EscapeString(ans.Title))
	}
	if len(ans.Summary) > 0 {
		sb.WriteString("<ul>")
		for _, b := range ans.Summary {
			fmt.Fprintf(&sb, "<li>%s</li>", html.EscapeString(b))
		}
		sb.WriteString("</ul>")
	}
	for _, sec := range ans.Sections {
		fmt.Fprintf(&sb, "<h3>%s</h3>", html.EscapeString(sec.Heading))
		if len(sec.Bullets) > 0 {
			sb.WriteString("<ul>")
			for _, b := range sec.Bullets {
				fmt.Fprintf(&sb, "<li>%s</li>", html.EscapeString(b))
			}
			sb.WriteString("</ul>")
		}
		if sec.Paragraph != "" {
			fmt.Fprintf(&sb, "<p>%s</p>", html.EscapeString(sec.Paragraph))
		}
	}
	return sb.String()
}
