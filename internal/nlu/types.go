// Package nlu turns free text into task classifications and parameter values.
//
// Every call has a heuristic path built on the task catalog and the vocabulary tables.
// An optional enhanced Backend (a hosted model or a remote service) is tried first
// under a timeout and is skipped without error whenever it does not answer cleanly.
package nlu

import (
	"context"
	"errors"

	"github.com/ashureev/taskflow/internal/domain"
)

// Unknown is the task type of a message that matched nothing.
const Unknown = "unknown"

// Sources of a result.
const (
	SourceHeuristic = "heuristic"
	SourceFollowUp  = "followup"
)

// Backend errors that drive the fallback decision.
var (
	ErrRateLimited = errors.New("backend rate limited")
	ErrUnavailable = errors.New("backend unavailable")
	ErrBadResponse = errors.New("backend returned an unusable response")
)

// ClassifyInput is what the classifier sees of a message.
type ClassifyInput struct {
	Text    string
	Locale  string
	Context string

	// PreviousTaskType is the task under negotiation, if any.
	PreviousTaskType string
	// PendingQuestion is true when the session awaits an answer.
	PendingQuestion bool
	// Answering is set by the controller when it judged the message to answer the
	// pending question.
	Answering bool
}

// Classification is the classifier result.
type Classification struct {
	TaskType   string         `json:"task_type"`
	Confidence float64        `json:"confidence"`
	Params     map[string]any `json:"params,omitempty"`
	// NonTask marks small talk or help requests. Reply, when set, is a ready answer.
	NonTask bool   `json:"non_task,omitempty"`
	Reply   string `json:"reply,omitempty"`
	Source  string `json:"source,omitempty"`
}

// IsTask reports whether the classification names a real task type.
func (c Classification) IsTask() bool {
	return !c.NonTask && c.TaskType != "" && c.TaskType != Unknown
}

// ExtractInput is what the extractor sees of a message.
type ExtractInput struct {
	Text     string
	Locale   string
	Context  string
	TaskType string
	Gathered map[string]any
	Missing  []string
	// TargetParam is the parameter the last question asked for; empty for bundled questions.
	TargetParam string
}

// Extraction is the extractor result.
type Extraction struct {
	Params             map[string]any `json:"params"`
	NeedsClarification []string       `json:"needs_clarification,omitempty"`
	Confidence         float64        `json:"confidence"`
	Source             string         `json:"source,omitempty"`
}

// Backend is an enhanced classifier/extractor.
type Backend interface {
	Name() string
	Classify(ctx context.Context, in ClassifyInput) (Classification, error)
	Extract(ctx context.Context, in ExtractInput) (Extraction, error)
}

// Outcome reports how the enhanced backend fared on one call.
type Outcome struct {
	Backend  string
	Attempts int
	// Kind is empty on success or when no backend is configured.
	Kind domain.ErrorKind
	Err  error
}

// OK reports whether the enhanced result was used.
func (o Outcome) OK() bool {
	return o.Backend != "" && o.Kind == "" && o.Err == nil
}

// Skipped reports whether no enhanced backend took part.
func (o Outcome) Skipped() bool {
	return o.Backend == ""
}
