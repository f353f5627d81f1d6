package flow

import (
	"fmt"
	"strings"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
)

// Action ids sent back by clients. Labels double as control phrases, so a client that
// echoes the label as a message gets the same result as one that sends the id.
const (
	ActionConfirm      = "confirm"
	ActionModify       = "modify"
	ActionCancel       = "cancel"
	ActionUndo         = "undo"
	ActionUseDefaults  = "use_defaults"
	ActionDontAskAgain = "dont_ask_again"
	ActionExample      = "example"
)

type msgKey int

const (
	msgUnknownIntent msgKey = iota
	msgUnknownTitle
	msgBundledHeader
	msgBundledFooter
	msgPreviewHeader
	msgPreviewFooter
	msgExecuting
	msgDispatched
	msgCancelled
	msgNothingToUndo
	msgUndone
	msgChooseAction
	msgWhatToChange
	msgNotUnderstood
	msgMissingTitle
	msgUpdated
	msgWontAsk
	msgSwitched
	msgRateLimitedTitle
	msgRateLimited
	msgBackendTitle
	msgBackend
	msgCompleted
	msgFailedTitle
	msgFailed
	msgStageIdle
	msgStageGathering
	msgStageConfirming
	msgStageExecuting
	msgStageCompleted
)

var messages = map[string]map[msgKey]string{
	"pl": {
		msgUnknownIntent:    "Nie jestem pewien, o co chodzi. Spróbuj na przykład:",
		msgUnknownTitle:     "Nie rozpoznano zadania",
		msgBundledHeader:    "Kilka pytań, które pomogą lepiej dopasować wynik:",
		msgBundledFooter:    "Możesz też napisać „użyj domyślnych”.",
		msgPreviewHeader:    "Sprawdź parametry zadania „%s”:",
		msgPreviewFooter:    "Czy wykonać? Możesz potwierdzić, zmienić albo anulować.",
		msgExecuting:        "Zadanie jest w trakcie realizacji, proszę czekać.",
		msgDispatched:       "Zlecono wykonanie zadania „%s”.",
		msgCancelled:        "Anulowano. W czym jeszcze mogę pomóc?",
		msgNothingToUndo:    "Nie ma czego cofać.",
		msgUndone:           "Cofnięto ostatnią zmianę.",
		msgChooseAction:     "Nie rozpoznałem zmiany. Wybierz: potwierdź, zmień albo anuluj.",
		msgWhatToChange:     "Co chcesz zmienić? Podaj nową wartość, np. „ton formalny”.",
		msgNotUnderstood:    "Nie zrozumiałem odpowiedzi.",
		msgMissingTitle:     "Brakuje wymaganych danych",
		msgUpdated:          "Zaktualizowano parametry.",
		msgWontAsk:          "Dobrze, nie będę więcej pytać o zalecane ustawienia.",
		msgSwitched:         "Zaczynamy nowe zadanie.",
		msgRateLimitedTitle: "Zbyt wiele zapytań",
		msgRateLimited:      "Usługa jest chwilowo przeciążona. Spróbuj ponownie za chwilę.",
		msgBackendTitle:     "Usługa niedostępna",
		msgBackend:          "Nie udało się przetworzyć wiadomości. Spróbuj ponownie.",
		msgCompleted:        "Gotowe! Zadanie „%s” zostało wykonane.",
		msgFailedTitle:      "Wykonanie nie powiodło się",
		msgFailed:           "Nie udało się wykonać zadania „%s”. Możesz spróbować ponownie.",
		msgStageIdle:        "Czekam na zadanie",
		msgStageGathering:   "Zbieram parametry",
		msgStageConfirming:  "Czeka na potwierdzenie",
		msgStageExecuting:   "W realizacji",
		msgStageCompleted:   "Zakończone",
	},
	"en": {
		msgUnknownIntent:    "I'm not sure what you need. Try for example:",
		msgUnknownTitle:     "Task not recognised",
		msgBundledHeader:    "A few questions to tailor the result:",
		msgBundledFooter:    `You can also say "use defaults".`,
		msgPreviewHeader:    "Please review the %s task:",
		msgPreviewFooter:    "Shall I go ahead? You can confirm, change or cancel.",
		msgExecuting:        "Your task is running, please wait.",
		msgDispatched:       "Started the %s task.",
		msgCancelled:        "Cancelled. What else can I do for you?",
		msgNothingToUndo:    "There is nothing to undo.",
		msgUndone:           "Reverted the last change.",
		msgChooseAction:     "I didn't catch a change. Please choose: confirm, change or cancel.",
		msgWhatToChange:     `What would you like to change? Give the new value, e.g. "formal tone".`,
		msgNotUnderstood:    "I didn't get that.",
		msgMissingTitle:     "Required information missing",
		msgUpdated:          "Parameters updated.",
		msgWontAsk:          "Okay, I won't ask about recommended settings again.",
		msgSwitched:         "Starting a new task.",
		msgRateLimitedTitle: "Too many requests",
		msgRateLimited:      "The service is busy right now. Please try again in a moment.",
		msgBackendTitle:     "Service unavailable",
		msgBackend:          "I couldn't process your message. Please try again.",
		msgCompleted:        "Done! The %s task has finished.",
		msgFailedTitle:      "Execution failed",
		msgFailed:           "The %s task could not be completed. You can try again.",
		msgStageIdle:        "Waiting for a task",
		msgStageGathering:   "Collecting parameters",
		msgStageConfirming:  "Awaiting confirmation",
		msgStageExecuting:   "Running",
		msgStageCompleted:   "Finished",
	},
}

var actionLabels = map[string]map[string]string{
	"pl": {
		ActionConfirm:      "Tak",
		ActionModify:       "Zmień",
		ActionCancel:       "Anuluj",
		ActionUndo:         "Cofnij",
		ActionUseDefaults:  "Użyj domyślnych",
		ActionDontAskAgain: "Nie pytaj więcej",
	},
	"en": {
		ActionConfirm:      "Yes",
		ActionModify:       "Change",
		ActionCancel:       "Cancel",
		ActionUndo:         "Undo",
		ActionUseDefaults:  "Use defaults",
		ActionDontAskAgain: "Don't ask again",
	},
}

var actionStyles = map[string]string{
	ActionConfirm:      domain.StylePrimary,
	ActionModify:       domain.StyleSecondary,
	ActionCancel:       domain.StyleDanger,
	ActionUndo:         domain.StyleSecondary,
	ActionUseDefaults:  domain.StylePrimary,
	ActionDontAskAgain: domain.StyleSecondary,
}

func text(locale string, key msgKey, args ...any) string {
	m, ok := messages[locale]
	if !ok {
		m = messages[domain.DefaultLocale]
	}
	s := m[key]
	if len(args) > 0 {
		return fmt.Sprintf(s, args...)
	}
	return s
}

func actions(locale string, ids ...string) []domain.Action {
	labels, ok := actionLabels[locale]
	if !ok {
		labels = actionLabels[domain.DefaultLocale]
	}
	out := make([]domain.Action, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Action{ID: id, Label: labels[id], Style: actionStyles[id]})
	}
	return out
}

// ActionText returns the message a client should send for an action id.
func ActionText(locale, id string) (string, bool) {
	labels, ok := actionLabels[locale]
	if !ok {
		labels = actionLabels[domain.DefaultLocale]
	}
	s, ok := labels[id]
	return s, ok
}

func exampleActions(cat *catalog.Catalog, locale string) []domain.Action {
	var out []domain.Action
	for _, t := range cat.Types() {
		if ex := t.Example(locale); ex != "" {
			out = append(out, domain.Action{ID: ActionExample + ":" + t.Name, Label: ex, Style: domain.StyleSecondary})
		}
	}
	return out
}

func unknownContent(cat *catalog.Catalog, locale string) (string, []string) {
	var b strings.Builder
	b.WriteString(text(locale, msgUnknownIntent))
	var examples []string
	for _, t := range cat.Types() {
		if ex := t.Example(locale); ex != "" {
			examples = append(examples, ex)
			fmt.Fprintf(&b, "\n• %s", ex)
		}
	}
	return b.String(), examples
}

func bundledQuestion(task *catalog.TaskType, params []string, locale string) string {
	var b strings.Builder
	b.WriteString(text(locale, msgBundledHeader))
	for _, p := range params {
		fmt.Fprintf(&b, "\n• %s", task.Question(p, locale))
	}
	b.WriteString("\n")
	b.WriteString(text(locale, msgBundledFooter))
	return b.String()
}

func preview(task *catalog.TaskType, params map[string]any, locale string) string {
	var b strings.Builder
	fmt.Fprintf(&b, text(locale, msgPreviewHeader), task.DisplayName(locale))
	for _, p := range task.Params() {
		if v, ok := params[p]; ok {
			fmt.Fprintf(&b, "\n• %s: %v", p, v)
		}
	}
	b.WriteString("\n")
	b.WriteString(text(locale, msgPreviewFooter))
	return b.String()
}

func progress(state *domain.SessionState, task *catalog.TaskType, locale string) *domain.Progress {
	p := &domain.Progress{Stage: state.Stage}
	switch state.Stage {
	case domain.StageIdle:
		p.Message = text(locale, msgStageIdle)
	case domain.StageGathering:
		p.Message = text(locale, msgStageGathering)
		p.Percent = 20
		if task != nil {
			total := len(task.Required) + len(task.Recommended)
			missing := len(state.MissingRequired) + len(state.MissingRecommended)
			if total > 0 {
				p.Percent = 20 + 50*(total-missing)/total
			}
		}
	case domain.StageConfirming:
		p.Message = text(locale, msgStageConfirming)
		p.Percent = 80
	case domain.StageExecuting:
		p.Message = text(locale, msgStageExecuting)
		p.Percent = 90
	case domain.StageCompleted:
		p.Message = text(locale, msgStageCompleted)
		p.Percent = 100
	}
	return p
}

// ResolveAction returns the message a client action id stands for. Example actions
// ("example:<task type>") resolve to the task's example request.
func ResolveAction(cat *catalog.Catalog, locale, id string) (string, bool) {
	if name, ok := strings.CutPrefix(id, ActionExample+":"); ok {
		t, found := cat.Get(name)
		if !found {
			return "", false
		}
		ex := t.Example(locale)
		return ex, ex != ""
	}
	return ActionText(locale, id)
}

// RateLimited is the response for a tenant that sent too many messages.
func RateLimited(locale string) domain.FlowResponse {
	return domain.FlowResponse{
		Content:         text(locale, msgRateLimited),
		Actions:         []domain.Action{},
		TasksToCreate:   []domain.DispatchRequest{},
		ExtractedParams: map[string]any{},
		Error:           domain.NewFlowError(domain.ErrRateLimited, text(locale, msgRateLimitedTitle), text(locale, msgRateLimited)),
	}
}
