// Package domain contains core domain types for the task-configuration flow.
package domain

import (
	"maps"
	"slices"
	"time"
)

// MaxHistory is the depth of the undo stack kept per session.
const MaxHistory = 5

// Stage is the position of a session in the negotiation state machine.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageGathering  Stage = "gathering"
	StageConfirming Stage = "confirming"
	StageExecuting  Stage = "executing"
	StageCompleted  Stage = "completed"
)

// Event drives a stage transition.
type Event string

const (
	EventStart    Event = "start"
	EventReady    Event = "ready"
	EventConfirm  Event = "confirm"
	EventReopen   Event = "reopen"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
)

type stageEvent struct {
	stage Stage
	event Event
}

// transitions is the complete set of legal (stage, event) pairs.
var transitions = map[stageEvent]Stage{
	{StageIdle, EventStart}:         StageGathering,
	{StageIdle, EventReady}:         StageConfirming,
	{StageGathering, EventReady}:    StageConfirming,
	{StageGathering, EventCancel}:   StageIdle,
	{StageConfirming, EventConfirm}: StageExecuting,
	{StageConfirming, EventReopen}:  StageGathering,
	{StageConfirming, EventCancel}:  StageIdle,
	{StageExecuting, EventComplete}: StageCompleted,
	{StageExecuting, EventFail}:     StageIdle,
	{StageExecuting, EventCancel}:   StageIdle,
	{StageCompleted, EventStart}:    StageGathering,
	{StageCompleted, EventCancel}:   StageIdle,
}

// CanTransition reports whether event is legal in stage.
func CanTransition(stage Stage, event Event) bool {
	_, ok := transitions[stageEvent{stage, event}]
	return ok
}

// ParamSnapshot is one entry of the undo stack.
type ParamSnapshot struct {
	Params             map[string]any `json:"params"`
	MissingRequired    []string       `json:"missing_required"`
	MissingRecommended []string       `json:"missing_recommended"`
}

// SessionState is the negotiation record for one session.
// It is mutated only by the flow controller that owns the session.
type SessionState struct {
	SessionID          string          `json:"session_id"`
	TenantID           string          `json:"tenant_id"`
	Stage              Stage           `json:"stage"`
	TaskType           string          `json:"task_type,omitempty"`
	OriginalRequest    string          `json:"original_request,omitempty"`
	TaskStartedAt      time.Time       `json:"task_started_at,omitzero"`
	GatheredParams     map[string]any  `json:"gathered_params"`
	MissingRequired    []string        `json:"missing_required"`
	MissingRecommended []string        `json:"missing_recommended"`
	LastQuestionText   string          `json:"last_question_text,omitempty"`
	LastQuestionParam  string          `json:"last_question_param,omitempty"`
	DispatchIDs        []string        `json:"dispatch_ids,omitempty"`
	ParamHistory       []ParamSnapshot `json:"param_history,omitempty"`
	Error              string          `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewSessionState returns an idle session.
func NewSessionState(tenantID, sessionID string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		SessionID:      sessionID,
		TenantID:       tenantID,
		Stage:          StageIdle,
		GatheredParams: map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition applies event. On an illegal pair the stage is left unchanged and false is returned.
func (s *SessionState) Transition(event Event) bool {
	next, ok := transitions[stageEvent{s.Stage, event}]
	if !ok {
		return false
	}
	s.Stage = next
	s.touch()
	return true
}

// StartTask seeds a new negotiation. Keys already present in initialParams are dropped
// from the missing lists. The stage becomes confirming when nothing is missing, otherwise gathering.
func (s *SessionState) StartTask(taskType, originalText string, initialParams map[string]any, missingRequired, missingRecommended []string) {
	s.TaskType = taskType
	s.OriginalRequest = originalText
	s.TaskStartedAt = time.Now().UTC()
	s.GatheredParams = make(map[string]any, len(initialParams))
	for k, v := range initialParams {
		s.GatheredParams[k] = v
	}
	s.MissingRequired = s.withoutGathered(missingRequired)
	s.MissingRecommended = s.withoutGathered(missingRecommended)
	s.LastQuestionText = ""
	s.LastQuestionParam = ""
	s.DispatchIDs = nil
	s.ParamHistory = nil
	s.Error = ""

	if len(s.MissingRequired) == 0 && len(s.MissingRecommended) == 0 {
		s.Stage = StageConfirming
	} else {
		s.Stage = StageGathering
	}
	s.touch()
}

func (s *SessionState) withoutGathered(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.GatheredParams[k]; ok {
			continue
		}
		if slices.Contains(out, k) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// AddParam sets key and removes it from both missing lists in one step.
func (s *SessionState) AddParam(key string, value any) {
	if s.GatheredParams == nil {
		s.GatheredParams = map[string]any{}
	}
	s.GatheredParams[key] = value
	s.MissingRequired = slices.DeleteFunc(s.MissingRequired, func(k string) bool { return k == key })
	s.MissingRecommended = slices.DeleteFunc(s.MissingRecommended, func(k string) bool { return k == key })
	s.touch()
}

// SkipRecommended drops key from the recommended list without gathering a value.
func (s *SessionState) SkipRecommended(key string) {
	s.MissingRecommended = slices.DeleteFunc(s.MissingRecommended, func(k string) bool { return k == key })
	s.touch()
}

// HasParam reports whether key has been gathered.
func (s *SessionState) HasParam(key string) bool {
	_, ok := s.GatheredParams[key]
	return ok
}

// PushSnapshot records the current parameters on the undo stack, evicting the oldest
// entry once MaxHistory is exceeded.
func (s *SessionState) PushSnapshot() {
	s.ParamHistory = append(s.ParamHistory, ParamSnapshot{
		Params:             maps.Clone(s.GatheredParams),
		MissingRequired:    slices.Clone(s.MissingRequired),
		MissingRecommended: slices.Clone(s.MissingRecommended),
	})
	if over := len(s.ParamHistory) - MaxHistory; over > 0 {
		s.ParamHistory = slices.Delete(s.ParamHistory, 0, over)
	}
}

// DropSnapshot discards the newest snapshot without restoring it.
func (s *SessionState) DropSnapshot() {
	switch n := len(s.ParamHistory); {
	case n == 1:
		s.ParamHistory = nil
	case n > 1:
		s.ParamHistory = s.ParamHistory[:n-1]
	}
}

// UndoLastChange restores the most recent snapshot. It returns false, changing nothing,
// when the history is empty.
func (s *SessionState) UndoLastChange() bool {
	n := len(s.ParamHistory)
	if n == 0 {
		return false
	}
	snap := s.ParamHistory[n-1]
	s.ParamHistory = s.ParamHistory[:n-1]
	s.GatheredParams = maps.Clone(snap.Params)
	if s.GatheredParams == nil {
		s.GatheredParams = map[string]any{}
	}
	s.MissingRequired = slices.Clone(snap.MissingRequired)
	s.MissingRecommended = slices.Clone(snap.MissingRecommended)
	s.touch()
	return true
}

// SetQuestion records the pending question. param is empty for bundled questions.
func (s *SessionState) SetQuestion(text, param string) {
	s.LastQuestionText = text
	s.LastQuestionParam = param
}

// ClearQuestion forgets the pending question.
func (s *SessionState) ClearQuestion() {
	s.LastQuestionText = ""
	s.LastQuestionParam = ""
}

// HasPendingQuestion reports whether a question awaits an answer.
func (s *SessionState) HasPendingQuestion() bool {
	return s.LastQuestionText != ""
}

// Reset clears the negotiation back to idle, keeping identity and creation time.
func (s *SessionState) Reset() {
	s.Stage = StageIdle
	s.TaskType = ""
	s.OriginalRequest = ""
	s.TaskStartedAt = time.Time{}
	s.GatheredParams = map[string]any{}
	s.MissingRequired = nil
	s.MissingRecommended = nil
	s.ClearQuestion()
	s.DispatchIDs = nil
	s.ParamHistory = nil
	s.Error = ""
	s.touch()
}

// Clone returns a deep copy suitable for speculative processing.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.GatheredParams = maps.Clone(s.GatheredParams)
	if c.GatheredParams == nil {
		c.GatheredParams = map[string]any{}
	}
	c.MissingRequired = slices.Clone(s.MissingRequired)
	c.MissingRecommended = slices.Clone(s.MissingRecommended)
	c.DispatchIDs = slices.Clone(s.DispatchIDs)
	if s.ParamHistory != nil {
		c.ParamHistory = make([]ParamSnapshot, len(s.ParamHistory))
		for i, h := range s.ParamHistory {
			c.ParamHistory[i] = ParamSnapshot{
				Params:             maps.Clone(h.Params),
				MissingRequired:    slices.Clone(h.MissingRequired),
				MissingRecommended: slices.Clone(h.MissingRecommended),
			}
		}
	}
	return &c
}

func (s *SessionState) touch() {
	s.UpdatedAt = time.Now().UTC()
}
