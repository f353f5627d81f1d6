package nlu

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/taskflow/internal/catalog"
)

// Prompts shared by the hosted-model backends. Both ask for a single JSON object and
// the reply is parsed leniently: any prose around the outermost braces is ignored.

func classifySystemPrompt(c *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString("You classify user requests for a business task assistant.\n")
	b.WriteString("Known task types:\n")
	for _, t := range c.Types() {
		fmt.Fprintf(&b, "- %s (%s): parameters %s\n", t.Name, t.DisplayName("en"), strings.Join(t.Params(), ", "))
	}
	b.WriteString(`Answer with one JSON object and nothing else:
{"task_type": "<one of the task types or unknown>", "confidence": <0..1>, "params": {<parameter>: <value>},
 "non_task": <true when the user chats or asks for help instead of requesting a task>,
 "reply": "<short answer in the user's language when non_task is true>"}
Only include parameters the user actually stated.`)
	return b.String()
}

func extractSystemPrompt(t *catalog.TaskType) string {
	return fmt.Sprintf(`You extract parameters for the task %q (%s).
Parameters: %s.
Answer with one JSON object and nothing else:
{"params": {<parameter>: <value>}, "needs_clarification": [<parameter>], "confidence": <0..1>}
Only include parameters the user states in the message. Never restate already gathered values.`,
		t.Name, t.DisplayName("en"), strings.Join(t.Params(), ", "))
}

func classifyUserPrompt(in ClassifyInput) string {
	return userPayload(map[string]any{
		"message":           in.Text,
		"locale":            in.Locale,
		"context":           in.Context,
		"previous_task":     in.PreviousTaskType,
		"question_pending":  in.PendingQuestion,
		"answering_pending": in.Answering,
	})
}

func extractUserPrompt(in ExtractInput) string {
	return userPayload(map[string]any{
		"message":      in.Text,
		"locale":       in.Locale,
		"context":      in.Context,
		"gathered":     in.Gathered,
		"missing":      in.Missing,
		"target_param": in.TargetParam,
	})
}

func userPayload(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

type classificationWire struct {
	TaskType   string         `json:"task_type"`
	Confidence float64        `json:"confidence"`
	Params     map[string]any `json:"params"`
	NonTask    bool           `json:"non_task"`
	Reply      string         `json:"reply"`
}

type extractionWire struct {
	Params             map[string]any `json:"params"`
	NeedsClarification []string       `json:"needs_clarification"`
	Confidence         float64        `json:"confidence"`
}

func parseClassification(text string) (Classification, error) {
	var w classificationWire
	if err := decodeObject(text, &w); err != nil {
		return Classification{}, err
	}
	return Classification{
		TaskType:   w.TaskType,
		Confidence: w.Confidence,
		Params:     w.Params,
		NonTask:    w.NonTask,
		Reply:      strings.TrimSpace(w.Reply),
	}, nil
}

func parseExtraction(text string) (Extraction, error) {
	var w extractionWire
	if err := decodeObject(text, &w); err != nil {
		return Extraction{}, err
	}
	if w.Params == nil {
		w.Params = map[string]any{}
	}
	return Extraction{
		Params:             w.Params,
		NeedsClarification: w.NeedsClarification,
		Confidence:         w.Confidence,
	}, nil
}

func decodeObject(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in reply", ErrBadResponse)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}
