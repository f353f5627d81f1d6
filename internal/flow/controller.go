// Package flow drives the task-configuration state machine: one call per inbound message,
// dispatched on the session stage.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/dispatch"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/nlu"
	"github.com/ashureev/taskflow/internal/vocab"
)

// TaskSwitchConfidence is the classification confidence at which a message in an open
// negotiation starts a different task instead.
const TaskSwitchConfidence = 0.7

// answerTokens bounds messages treated as answering a targeted question.
const answerTokens = 3

// Understander classifies messages and extracts parameters. *nlu.Service implements it.
type Understander interface {
	Classify(ctx context.Context, in nlu.ClassifyInput) (nlu.Classification, nlu.Outcome)
	Extract(ctx context.Context, in nlu.ExtractInput) (nlu.Extraction, nlu.Outcome)
}

// Preferences is the read view of a tenant's learned preferences.
type Preferences interface {
	SmartDefaults() map[string]string
	ShouldSkipRecommendations(categories ...string) bool
	AutoApprove() bool
}

// Effects are changes outside the session that the caller applies once the new state
// is committed.
type Effects struct {
	// Completed holds the parameters of a task confirmed in this call.
	Completed map[string]any
	// SkipRecommendations is set when the user asked not to be asked again.
	SkipRecommendations bool
}

// Result is the outcome of one processed message.
type Result struct {
	Response domain.FlowResponse
	Effects  Effects
}

// Controller is stateless; all session data lives in the SessionState passed to Process.
type Controller struct {
	nlu     Understander
	catalog *catalog.Holder
	vocab   *vocab.Holder
	logger  *slog.Logger
}

// NewController creates a flow controller.
func NewController(u Understander, c *catalog.Holder, v *vocab.Holder, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{nlu: u, catalog: c, vocab: v, logger: logger}
}

// turn carries one Process call through the stage handlers.
type turn struct {
	ctx      context.Context
	text     string
	state    *domain.SessionState
	prefs    Preferences
	tenant   domain.TenantContext
	locale   string
	cat      *catalog.Catalog
	controls *vocab.ControlTable
	note     string
	res      Result
}

func (t *turn) resp() *domain.FlowResponse { return &t.res.Response }

func (t *turn) say(content string) {
	if t.note != "" {
		content = t.note + "\n\n" + content
	}
	t.res.Response.Content = content
}

// Process handles one message and mutates state in place. Callers that may discard the
// result must pass a clone. The only error is a done context, or a failure to build
// dispatch requests.
func (c *Controller) Process(ctx context.Context, message string, state *domain.SessionState, prefs Preferences, tenant domain.TenantContext) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	t := &turn{
		ctx:      ctx,
		text:     strings.TrimSpace(message),
		state:    state,
		prefs:    prefs,
		tenant:   tenant,
		locale:   tenant.LocaleOrDefault(),
		cat:      c.catalog.Load(),
		controls: c.vocab.Load().Controls,
	}
	t.res.Response.ExtractedParams = map[string]any{}
	t.res.Response.Actions = []domain.Action{}
	t.res.Response.TasksToCreate = []domain.DispatchRequest{}

	from := state.Stage
	var err error
	switch state.Stage {
	case domain.StageIdle:
		err = c.idle(t)
	case domain.StageGathering:
		err = c.gathering(t)
	case domain.StageConfirming:
		err = c.confirming(t)
	case domain.StageExecuting:
		c.executing(t)
	case domain.StageCompleted:
		state.Reset()
		err = c.idle(t)
	default:
		return Result{}, fmt.Errorf("session %s: unknown stage %q", state.SessionID, state.Stage)
	}
	if err != nil {
		return Result{}, err
	}

	resp := t.resp()
	resp.SessionState = state
	if resp.Progress == nil {
		task, _ := t.cat.Get(state.TaskType)
		resp.Progress = progress(state, task, t.locale)
	}

	c.logger.Debug("Processed message",
		"tenant_id", tenant.TenantID,
		"session_id", state.SessionID,
		"from", from,
		"stage", state.Stage,
		"intent", resp.Intent,
		"dispatches", len(resp.TasksToCreate),
	)
	return t.res, nil
}

func (c *Controller) idle(t *turn) error {
	cls, out := c.nlu.Classify(t.ctx, nlu.ClassifyInput{
		Text:    t.text,
		Locale:  t.locale,
		Context: t.tenant.Context,
	})
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return c.begin(t, cls, out)
}

// begin starts a negotiation from a classification.
func (c *Controller) begin(t *turn, cls nlu.Classification, out nlu.Outcome) error {
	resp := t.resp()
	resp.Intent = cls.TaskType
	resp.Confidence = cls.Confidence

	task, known := t.cat.Get(cls.TaskType)
	if !cls.IsTask() || !known {
		resp.Actions = exampleActions(t.cat, t.locale)
		if cls.NonTask && cls.Reply != "" {
			t.say(cls.Reply)
			return nil
		}
		content, examples := unknownContent(t.cat, t.locale)
		t.say(content)
		resp.Error = unknownError(out, examples, t.locale)
		return nil
	}

	initial := maps.Clone(cls.Params)
	if initial == nil {
		initial = map[string]any{}
	}
	maps.Copy(resp.ExtractedParams, initial)

	smart := t.prefs.SmartDefaults()
	for _, p := range slices.Concat(task.Recommended, task.Optional) {
		if _, set := initial[p]; set {
			continue
		}
		if s, ok := smart[p]; ok {
			if v, ok := coerce(task, p, s); ok {
				initial[p] = v
			}
		}
	}

	t.state.StartTask(task.Name, t.text, initial, task.Required, task.Recommended)
	return c.advance(t, task)
}

func unknownError(out nlu.Outcome, examples []string, locale string) *domain.FlowError {
	switch out.Kind {
	case domain.ErrRateLimited:
		return domain.NewFlowError(out.Kind, text(locale, msgRateLimitedTitle), text(locale, msgRateLimited))
	case domain.ErrTimeout, domain.ErrBackendUnavailable:
		return domain.NewFlowError(out.Kind, text(locale, msgBackendTitle), text(locale, msgBackend), examples...)
	default:
		return domain.NewFlowError(domain.ErrUnknownIntent, text(locale, msgUnknownTitle), text(locale, msgUnknownIntent), examples...)
	}
}

// advance asks for what is missing, or moves to confirmation. Required parameters are
// always asked before recommended ones.
func (c *Controller) advance(t *turn, task *catalog.TaskType) error {
	st := t.state
	resp := t.resp()
	resp.Intent = task.Name
	if resp.Confidence == 0 {
		resp.Confidence = 1
	}

	if len(st.MissingRequired) > 0 {
		reopen(st)
		p := st.MissingRequired[0]
		q := task.Question(p, t.locale)
		st.SetQuestion(q, p)
		t.say(q)
		resp.Actions = c.gatheringActions(st, t.locale)
		return nil
	}

	if len(st.MissingRecommended) > 0 {
		if t.res.Effects.SkipRecommendations || t.prefs.ShouldSkipRecommendations(st.MissingRecommended...) {
			c.applyDefaults(t, task)
		} else {
			reopen(st)
			if len(st.MissingRecommended) == 1 {
				p := st.MissingRecommended[0]
				q := task.Question(p, t.locale)
				st.SetQuestion(q, p)
				t.say(q + "\n" + text(t.locale, msgBundledFooter))
			} else {
				q := bundledQuestion(task, st.MissingRecommended, t.locale)
				st.SetQuestion(q, "")
				t.say(q)
			}
			resp.Actions = actions(t.locale, ActionUseDefaults, ActionDontAskAgain, ActionCancel)
			return nil
		}
	}

	st.ClearQuestion()
	if st.Stage == domain.StageGathering {
		st.Transition(domain.EventReady)
	}
	if t.prefs.AutoApprove() {
		return c.confirm(t, task)
	}
	t.say(preview(task, st.GatheredParams, t.locale))
	ids := []string{ActionConfirm, ActionModify, ActionCancel}
	if len(st.ParamHistory) > 0 {
		ids = append(ids, ActionUndo)
	}
	resp.Actions = actions(t.locale, ids...)
	return nil
}

func (c *Controller) gatheringActions(st *domain.SessionState, locale string) []domain.Action {
	if len(st.ParamHistory) > 0 {
		return actions(locale, ActionCancel, ActionUndo)
	}
	return actions(locale, ActionCancel)
}

func reopen(st *domain.SessionState) {
	if st.Stage == domain.StageConfirming {
		st.Transition(domain.EventReopen)
	}
}

// applyDefaults fills every missing recommended parameter from the tenant's preferred
// value, then the catalog default. Parameters with neither are skipped.
func (c *Controller) applyDefaults(t *turn, task *catalog.TaskType) {
	st := t.state
	smart := t.prefs.SmartDefaults()
	for _, p := range slices.Clone(st.MissingRecommended) {
		if s, ok := smart[p]; ok {
			if v, ok := coerce(task, p, s); ok {
				st.AddParam(p, v)
				continue
			}
		}
		if v, ok := task.Default(p); ok {
			st.AddParam(p, v)
			continue
		}
		st.SkipRecommended(p)
	}
}

func (c *Controller) gathering(t *turn) error {
	st := t.state
	task, ok := t.cat.Get(st.TaskType)
	if !ok {
		st.Reset()
		return c.idle(t)
	}

	switch t.command() {
	case vocab.CmdCancel:
		return c.cancel(t)
	case vocab.CmdUndo:
		return c.undo(t, task)
	case vocab.CmdUseDefaults:
		if len(st.MissingRecommended) > 0 {
			st.PushSnapshot()
			c.applyDefaults(t, task)
		}
		return c.advance(t, task)
	case vocab.CmdDontAskAgain:
		t.res.Effects.SkipRecommendations = true
		t.note = text(t.locale, msgWontAsk)
		if len(st.MissingRecommended) > 0 {
			st.PushSnapshot()
			c.applyDefaults(t, task)
		}
		return c.advance(t, task)
	}

	if switched, err := c.maybeSwitch(t); switched || err != nil {
		return err
	}

	ex, _ := c.nlu.Extract(t.ctx, t.extractInput(task, st.LastQuestionParam))
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if len(ex.Params) == 0 {
		t.note = text(t.locale, msgNotUnderstood)
		if len(st.MissingRequired) > 0 {
			t.resp().Error = domain.NewFlowError(domain.ErrMissingRequired,
				text(t.locale, msgMissingTitle), task.Question(st.MissingRequired[0], t.locale))
		}
		return c.advance(t, task)
	}

	st.PushSnapshot()
	c.merge(t, ex.Params)
	t.resp().Confidence = ex.Confidence
	return c.advance(t, task)
}

func (c *Controller) confirming(t *turn) error {
	st := t.state
	task, ok := t.cat.Get(st.TaskType)
	if !ok {
		st.Reset()
		return c.idle(t)
	}

	switch t.command() {
	case vocab.CmdConfirm:
		return c.confirm(t, task)
	case vocab.CmdCancel:
		return c.cancel(t)
	case vocab.CmdUndo:
		return c.undo(t, task)
	case vocab.CmdDontAskAgain:
		t.res.Effects.SkipRecommendations = true
		t.note = text(t.locale, msgWontAsk)
		return c.advance(t, task)
	case vocab.CmdUseDefaults:
		return c.advance(t, task)
	case vocab.CmdModify:
		return c.modify(t, task, true)
	}

	if switched, err := c.maybeSwitch(t); switched || err != nil {
		return err
	}
	return c.modify(t, task, false)
}

// modify applies new values given while confirming. Without any new value the user is
// asked to choose explicitly and nothing moves.
func (c *Controller) modify(t *turn, task *catalog.TaskType, explicit bool) error {
	st := t.state
	resp := t.resp()
	resp.Intent = task.Name

	st.PushSnapshot()
	ex, _ := c.nlu.Extract(t.ctx, t.extractInput(task, ""))
	if err := t.ctx.Err(); err != nil {
		return err
	}

	changed := map[string]any{}
	for k, v := range ex.Params {
		if old, ok := st.GatheredParams[k]; ok && fmt.Sprint(old) == fmt.Sprint(v) {
			continue
		}
		changed[k] = v
	}
	if len(changed) == 0 {
		st.DropSnapshot()
		if explicit {
			t.say(text(t.locale, msgWhatToChange))
		} else {
			t.say(text(t.locale, msgChooseAction))
		}
		resp.Confidence = 1
		resp.Actions = actions(t.locale, ActionConfirm, ActionModify, ActionCancel)
		return nil
	}

	c.merge(t, changed)
	t.note = text(t.locale, msgUpdated)
	return c.advance(t, task)
}

func (c *Controller) merge(t *turn, params map[string]any) {
	for k, v := range params {
		t.state.AddParam(k, v)
		t.resp().ExtractedParams[k] = v
	}
}

func (c *Controller) undo(t *turn, task *catalog.TaskType) error {
	if t.state.UndoLastChange() {
		t.note = text(t.locale, msgUndone)
	} else {
		t.note = text(t.locale, msgNothingToUndo)
	}
	return c.advance(t, task)
}

func (c *Controller) cancel(t *turn) error {
	t.state.Transition(domain.EventCancel)
	t.state.Reset()
	t.say(text(t.locale, msgCancelled))
	t.resp().Actions = exampleActions(t.cat, t.locale)
	return nil
}

func (c *Controller) confirm(t *turn, task *catalog.TaskType) error {
	st := t.state
	if st.Stage == domain.StageGathering {
		st.Transition(domain.EventReady)
	}
	if !st.Transition(domain.EventConfirm) {
		return fmt.Errorf("session %s: cannot confirm from stage %s", st.SessionID, st.Stage)
	}

	reqs, err := dispatch.Build(st, task)
	if err != nil {
		return fmt.Errorf("build dispatch requests: %w", err)
	}
	st.DispatchIDs = make([]string, len(reqs))
	for i, r := range reqs {
		st.DispatchIDs[i] = r.ID
	}
	st.ClearQuestion()

	resp := t.resp()
	resp.Intent = task.Name
	resp.TasksToCreate = reqs
	resp.ShouldExecute = true
	resp.ShowFeedback = true
	t.say(text(t.locale, msgDispatched, task.DisplayName(t.locale)))
	t.res.Effects.Completed = maps.Clone(st.GatheredParams)
	return nil
}

func (c *Controller) executing(t *turn) {
	resp := t.resp()
	resp.Intent = t.state.TaskType
	resp.Confidence = 1
	resp.Content = text(t.locale, msgExecuting)
}

// maybeSwitch abandons the negotiation when the message confidently asks for a different task.
func (c *Controller) maybeSwitch(t *turn) (bool, error) {
	st := t.state
	cls, out := c.nlu.Classify(t.ctx, nlu.ClassifyInput{
		Text:             t.text,
		Locale:           t.locale,
		Context:          t.tenant.Context,
		PreviousTaskType: st.TaskType,
		PendingQuestion:  st.HasPendingQuestion(),
		Answering:        st.LastQuestionParam != "" && vocab.TokenCount(t.text) <= answerTokens,
	})
	if err := t.ctx.Err(); err != nil {
		return false, err
	}
	if cls.Source == nlu.SourceFollowUp || !cls.IsTask() || cls.TaskType == st.TaskType || cls.Confidence < TaskSwitchConfidence {
		return false, nil
	}

	c.logger.Info("Switching task",
		"tenant_id", t.tenant.TenantID,
		"session_id", st.SessionID,
		"from", st.TaskType,
		"to", cls.TaskType,
		"confidence", cls.Confidence,
	)
	st.Reset()
	t.note = text(t.locale, msgSwitched)
	return true, c.begin(t, cls, out)
}

func (t *turn) command() vocab.Command {
	return t.controls.Detect(t.locale, t.text)
}

func (t *turn) extractInput(task *catalog.TaskType, target string) nlu.ExtractInput {
	st := t.state
	return nlu.ExtractInput{
		Text:        t.text,
		Locale:      t.locale,
		Context:     t.tenant.Context,
		TaskType:    task.Name,
		Gathered:    maps.Clone(st.GatheredParams),
		Missing:     slices.Concat(st.MissingRequired, st.MissingRecommended),
		TargetParam: target,
	}
}

// Finish reconciles the result of an executing task. Success completes the session;
// failure surfaces ExecutionFailed and resets it to idle.
func (c *Controller) Finish(state *domain.SessionState, success bool, detail, locale string) (domain.FlowResponse, error) {
	if state.Stage != domain.StageExecuting {
		return domain.FlowResponse{}, fmt.Errorf("session %s: not executing (stage %s)", state.SessionID, state.Stage)
	}
	if locale == "" {
		locale = domain.DefaultLocale
	}
	cat := c.catalog.Load()
	name := state.TaskType
	var task *catalog.TaskType
	if tt, ok := cat.Get(state.TaskType); ok {
		task = tt
		name = tt.DisplayName(locale)
	}

	resp := domain.FlowResponse{
		Intent:          state.TaskType,
		Confidence:      1,
		Actions:         []domain.Action{},
		TasksToCreate:   []domain.DispatchRequest{},
		ExtractedParams: map[string]any{},
		SessionState:    state,
	}
	if success {
		state.Transition(domain.EventComplete)
		resp.Content = text(locale, msgCompleted, name)
		resp.ShowFeedback = true
	} else {
		state.Transition(domain.EventFail)
		state.Reset()
		state.Error = detail
		resp.Content = text(locale, msgFailed, name)
		msg := detail
		if msg == "" {
			msg = resp.Content
		}
		resp.Error = domain.NewFlowError(domain.ErrExecutionFailed, text(locale, msgFailedTitle), msg)
		resp.Actions = exampleActions(cat, locale)
	}
	resp.Progress = progress(state, task, locale)
	return resp, nil
}

// coerce converts a stored preference string to the parameter's type.
func coerce(task *catalog.TaskType, param, s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	if !task.IsNumeric(param) {
		return s, true
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return f, true
}
