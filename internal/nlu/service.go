package nlu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/vocab"
)

// followUpTokens bounds the vocabulary-answer follow-up rule.
const followUpTokens = 5

// ServiceConfig bounds enhanced backend calls.
type ServiceConfig struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// MaxAttempts is capped at two: one call and one retry.
	MaxAttempts int
}

// Service fronts the heuristic and the optional enhanced backend. Enhanced calls run
// under a per-attempt timeout, are retried once on timeouts and transport failures, and
// fall back to the heuristic on any non-success.
type Service struct {
	heuristic *Heuristic
	enhanced  Backend
	catalog   *catalog.Holder
	vocab     *vocab.Holder
	cfg       ServiceConfig
}

// NewService wires the NLU service. enhanced may be nil.
func NewService(c *catalog.Holder, v *vocab.Holder, enhanced Backend, cfg ServiceConfig) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > 2 {
		cfg.MaxAttempts = 2
	}
	return &Service{
		heuristic: NewHeuristic(c, v),
		enhanced:  enhanced,
		catalog:   c,
		vocab:     v,
		cfg:       cfg,
	}
}

// EnhancedName returns the configured enhanced backend, or "".
func (s *Service) EnhancedName() string {
	if s.enhanced == nil {
		return ""
	}
	return s.enhanced.Name()
}

// IsFollowUp reports whether the message answers the pending question: the controller
// said so, or it is a short known vocabulary value, or it is a control phrase.
func (s *Service) IsFollowUp(in ClassifyInput) bool {
	if !in.PendingQuestion || in.PreviousTaskType == "" {
		return false
	}
	if in.Answering {
		return true
	}
	tables := s.vocab.Load()
	if vocab.TokenCount(in.Text) <= followUpTokens && tables.Vocabulary.IsKnownValue(in.Text) {
		return true
	}
	return tables.Controls.IsControl(in.Locale, in.Text)
}

// Classify returns the task type of a message. Follow-ups skip classification entirely
// and keep the previous task type at full confidence.
func (s *Service) Classify(ctx context.Context, in ClassifyInput) (Classification, Outcome) {
	if s.IsFollowUp(in) {
		return Classification{
			TaskType:   in.PreviousTaskType,
			Confidence: 1.0,
			Params:     map[string]any{},
			Source:     SourceFollowUp,
		}, Outcome{}
	}

	heur, _ := s.heuristic.Classify(ctx, in)
	if s.enhanced == nil {
		return heur, Outcome{}
	}

	enh, out := attempt(ctx, s, func(ctx context.Context) (Classification, error) {
		c, err := s.enhanced.Classify(ctx, in)
		if err != nil {
			return Classification{}, err
		}
		return s.validateClassification(c)
	})
	if !out.OK() {
		logFallback("classify", out)
		return heur, out
	}
	if !enh.IsTask() {
		return enh, out
	}
	if enh.TaskType == heur.TaskType {
		enh.Params = mergeParams(heur.Params, enh.Params)
	} else {
		ex, _ := s.heuristic.Extract(ctx, ExtractInput{Text: in.Text, Locale: in.Locale, TaskType: enh.TaskType})
		enh.Params = mergeParams(ex.Params, enh.Params)
	}
	return enh, out
}

// Extract returns parameter values found in a message.
func (s *Service) Extract(ctx context.Context, in ExtractInput) (Extraction, Outcome) {
	heur, _ := s.heuristic.Extract(ctx, in)
	if s.enhanced == nil {
		return heur, Outcome{}
	}

	enh, out := attempt(ctx, s, func(ctx context.Context) (Extraction, error) {
		e, err := s.enhanced.Extract(ctx, in)
		if err != nil {
			return Extraction{}, err
		}
		return s.validateExtraction(in, e)
	})
	if !out.OK() {
		logFallback("extract", out)
		return heur, out
	}

	task, ok := s.catalog.Load().Get(in.TaskType)
	if !ok {
		return heur, out
	}
	merged := mergeParams(heur.Params, enh.Params)
	guardTopic(task, in.Gathered, in.Text, merged)
	return Extraction{
		Params:             merged,
		NeedsClarification: stillRequired(task, in.Missing, merged),
		Confidence:         max(heur.Confidence, clamp01(enh.Confidence)),
		Source:             s.enhanced.Name(),
	}, out
}

func (s *Service) validateClassification(c Classification) (Classification, error) {
	c.Confidence = clamp01(c.Confidence)
	c.Source = s.enhanced.Name()
	if c.NonTask || c.TaskType == "" || c.TaskType == Unknown {
		if c.TaskType == "" {
			c.TaskType = Unknown
		}
		return c, nil
	}
	task, ok := s.catalog.Load().Get(c.TaskType)
	if !ok {
		return Classification{}, fmt.Errorf("%w: unknown task type %q", ErrBadResponse, c.TaskType)
	}
	c.Params = s.sanitize(task, c.Params)
	return c, nil
}

func (s *Service) validateExtraction(in ExtractInput, e Extraction) (Extraction, error) {
	task, ok := s.catalog.Load().Get(in.TaskType)
	if !ok {
		return Extraction{}, fmt.Errorf("%w: unknown task type %q", ErrBadResponse, in.TaskType)
	}
	e.Params = s.sanitize(task, e.Params)
	return e, nil
}

// sanitize keeps declared parameters only, resolves aliases, and maps vocabulary
// answers onto canonical values.
func (s *Service) sanitize(task *catalog.TaskType, params map[string]any) map[string]any {
	voc := s.vocab.Load().Vocabulary
	out := make(map[string]any, len(params))
	for k, v := range params {
		key := task.Resolve(k)
		if !task.Declares(key) || v == nil {
			continue
		}
		str, isStr := v.(string)
		if isStr {
			str = trimAnswer(str)
			if str == "" {
				continue
			}
			if voc.Has(key) {
				if canon, ok := voc.Match(key, str); ok {
					str = canon
				}
			}
			if task.IsNumeric(key) {
				if n, ok := paramValue(task, key, str); ok {
					out[key] = n
				}
				continue
			}
			out[key] = str
			continue
		}
		if f, ok := v.(float64); ok && task.IsNumeric(key) && f == float64(int(f)) {
			out[key] = int(f)
			continue
		}
		out[key] = v
	}
	return out
}

// attempt runs fn against the enhanced backend with the configured timeout and retry.
func attempt[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error)) (T, Outcome) {
	out := Outcome{Backend: s.enhanced.Name()}
	var zero T
	for out.Attempts < s.cfg.MaxAttempts {
		out.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		res, err := fn(callCtx)
		cancel()
		if err == nil {
			out.Kind, out.Err = "", nil
			return res, out
		}
		out.Err = err
		out.Kind = errorKind(ctx, err)
		if out.Kind == domain.ErrRateLimited || out.Kind == domain.ErrCancelled {
			break
		}
	}
	return zero, out
}

func errorKind(parent context.Context, err error) domain.ErrorKind {
	switch {
	case errors.Is(err, ErrRateLimited):
		return domain.ErrRateLimited
	case parent.Err() != nil:
		return domain.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	default:
		return domain.ErrBackendUnavailable
	}
}

func logFallback(op string, out Outcome) {
	slog.Warn("enhanced backend failed, using heuristic",
		"op", op,
		"backend", out.Backend,
		"attempts", out.Attempts,
		"kind", out.Kind,
		"error", out.Err,
	)
}

// mergeParams keeps base values and adds keys only found in extra.
func mergeParams(base, extra map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func clamp01(f float64) float64 {
	return min(1, max(0, f))
}
