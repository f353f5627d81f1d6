package nlu

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/vocab"
)

const (
	maxHeuristicConfidence = 0.9
	baseConfidence         = 0.5
	perMatchConfidence     = 0.2

	// Messages up to this many tokens are short enough to be a bare answer.
	rawAnswerTokens = 3
	// Messages up to this many tokens never replace an established topic.
	shortFollowUpTokens = 10
)

var (
	topicPhrase = regexp.MustCompile(`(?i)(?:^|\s)(o|about|na temat|dotycząc[aey]|regarding)\s+(.+?)\s*(?:[,.;!?]|$)`)
	numberRe    = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)\s*$`)
	anyNumberRe = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// topicMarkers let a short message replace an established topic.
var topicMarkers = []string{"temat", "topic"}

// topicStops end a topic phrase where another parameter usually begins
// ("o kawie na instagram", "about coffee for instagram").
var topicStops = map[string]bool{
	"na": true, "w": true, "we": true, "dla": true, "do": true,
	"for": true, "on": true, "in": true, "with": true, "at": true,
}

// polishTopicMarkers introduce a Polish locative or genitive noun.
var polishTopicMarkers = map[string]bool{"o": true, "na temat": true}

// locativeSuffixes turn single-word locatives back into the nominative ("kawie" -> "kawa").
var locativeSuffixes = []struct{ from, to string }{
	{"cie", "ta"},
	{"dzie", "da"},
	{"ce", "ka"},
	{"ie", "a"},
}

// Heuristic classifies by catalog patterns and extracts by vocabulary, per-task
// patterns and short-answer rules. It never fails and never blocks.
type Heuristic struct {
	catalog *catalog.Holder
	vocab   *vocab.Holder
}

// NewHeuristic returns the heuristic backend over the active catalog and vocabulary.
func NewHeuristic(c *catalog.Holder, v *vocab.Holder) *Heuristic {
	return &Heuristic{catalog: c, vocab: v}
}

// Name implements Backend.
func (h *Heuristic) Name() string { return SourceHeuristic }

// Classify implements Backend. The highest score wins; ties keep the earlier-registered type.
func (h *Heuristic) Classify(ctx context.Context, in ClassifyInput) (Classification, error) {
	var best *catalog.TaskType
	bestScore := 0.0
	for _, t := range h.catalog.Load().Types() {
		n := t.MatchCount(in.Text)
		if n == 0 {
			continue
		}
		score := min(maxHeuristicConfidence, baseConfidence+perMatchConfidence*float64(n))
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil {
		return Classification{TaskType: Unknown, Source: SourceHeuristic}, nil
	}

	ex, _ := h.Extract(ctx, ExtractInput{
		Text:     in.Text,
		Locale:   in.Locale,
		TaskType: best.Name,
		Missing:  best.Params(),
	})
	return Classification{
		TaskType:   best.Name,
		Confidence: bestScore,
		Params:     ex.Params,
		Source:     SourceHeuristic,
	}, nil
}

// Extract implements Backend.
func (h *Heuristic) Extract(_ context.Context, in ExtractInput) (Extraction, error) {
	task, ok := h.catalog.Load().Get(in.TaskType)
	if !ok {
		return Extraction{Params: map[string]any{}, Source: SourceHeuristic}, nil
	}
	voc := h.vocab.Load().Vocabulary
	text := strings.TrimSpace(in.Text)
	tokens := vocab.TokenCount(text)
	out := map[string]any{}

	// Vocabulary first: it always beats the other rules.
	for _, p := range task.Params() {
		if !voc.Has(p) {
			continue
		}
		if v, ok := voc.Match(p, text); ok {
			out[p] = v
		}
	}

	for _, p := range task.Params() {
		if _, done := out[p]; done {
			continue
		}
		re, ok := task.ParamPattern(p)
		if !ok {
			continue
		}
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if v, ok := paramValue(task, p, m[1]); ok {
			out[p] = v
		}
	}

	if topic, ok := topicFromText(text); ok {
		key := task.Resolve("topic")
		if _, done := out[key]; !done && task.Declares(key) {
			out[key] = topic
		}
	}

	rawUsed := false
	if target := in.TargetParam; target != "" && task.Declares(target) {
		if _, done := out[target]; !done {
			switch {
			case task.IsNumeric(target):
				if m := numberRe.FindStringSubmatch(text); m != nil {
					if v, ok := parseNumber(m[1]); ok {
						out[target] = v
					}
				}
			case tokens > 0 && tokens <= rawAnswerTokens:
				out[target] = trimAnswer(text)
				rawUsed = true
			}
		}
	}

	guardTopic(task, in.Gathered, text, out)

	return Extraction{
		Params:             out,
		NeedsClarification: stillRequired(task, in.Missing, out),
		Confidence:         extractionConfidence(len(out), rawUsed),
		Source:             SourceHeuristic,
	}, nil
}

// guardTopic drops a topic value that would overwrite an established topic from a short
// message, unless the message names the topic explicitly.
func guardTopic(task *catalog.TaskType, gathered map[string]any, text string, out map[string]any) {
	key := task.TopicParam
	if key == "" {
		return
	}
	if _, proposed := out[key]; !proposed {
		return
	}
	if existing, ok := gathered[key]; !ok || existing == "" {
		return
	}
	if vocab.TokenCount(text) > shortFollowUpTokens {
		return
	}
	for _, m := range topicMarkers {
		if vocab.ContainsPhrase(text, m) {
			return
		}
	}
	delete(out, key)
}

func stillRequired(task *catalog.TaskType, missing []string, out map[string]any) []string {
	var need []string
	for _, p := range missing {
		if _, ok := out[p]; ok {
			continue
		}
		for _, r := range task.Required {
			if r == p {
				need = append(need, p)
				break
			}
		}
	}
	return need
}

func extractionConfidence(n int, raw bool) float64 {
	switch {
	case n == 0:
		return 0
	case raw && n == 1:
		return baseConfidence
	default:
		return min(maxHeuristicConfidence, 0.6+0.1*float64(n))
	}
}

func paramValue(task *catalog.TaskType, param, raw string) (any, bool) {
	raw = trimAnswer(raw)
	if raw == "" {
		return nil, false
	}
	if !task.IsNumeric(param) {
		return raw, true
	}
	m := anyNumberRe.FindString(raw)
	if m == "" {
		return nil, false
	}
	return parseNumber(m)
}

// parseNumber returns an int when the value is whole, otherwise a float64.
func parseNumber(s string) (any, bool) {
	s = strings.ReplaceAll(s, ",", ".")
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

// topicFromText finds "o X" / "about X" / "na temat X" phrases.
func topicFromText(text string) (string, bool) {
	m := topicPhrase.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	topic := cutAtStop(trimAnswer(m[2]))
	if topic == "" {
		return "", false
	}
	marker := vocab.Lower(m[1])
	if polishTopicMarkers[marker] && !strings.ContainsAny(topic, " \t") {
		topic = nominative(topic)
	}
	return topic, true
}

// cutAtStop keeps the words before the first connector. The first word is always kept.
func cutAtStop(phrase string) string {
	words := strings.Fields(phrase)
	for i := 1; i < len(words); i++ {
		if topicStops[vocab.Lower(words[i])] {
			return trimAnswer(strings.Join(words[:i], " "))
		}
	}
	return phrase
}

// nominative applies light suffix rules to a single Polish word.
func nominative(word string) string {
	lw := vocab.Lower(word)
	for _, s := range locativeSuffixes {
		if strings.HasSuffix(lw, s.from) && len([]rune(lw)) > len([]rune(s.from))+1 {
			return lw[:len(lw)-len(s.from)] + s.to
		}
	}
	return lw
}

func trimAnswer(s string) string {
	return strings.Trim(strings.TrimSpace(s), " \t\"'.,;:!?")
}
