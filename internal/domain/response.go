package domain

// Action is a suggested quick reply rendered as a button.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style"`
}

// Action styles.
const (
	StylePrimary   = "primary"
	StyleSecondary = "secondary"
	StyleDanger    = "danger"
)

// Progress reports where the negotiation stands.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// FlowResponse is what the orchestrator returns to the presentation layer for one message.
type FlowResponse struct {
	Content         string            `json:"content"`
	Actions         []Action          `json:"actions"`
	TasksToCreate   []DispatchRequest `json:"tasks_to_create"`
	SessionState    *SessionState     `json:"session_state"`
	ShouldExecute   bool              `json:"should_execute"`
	Intent          string            `json:"intent"`
	Confidence      float64           `json:"confidence"`
	ExtractedParams map[string]any    `json:"extracted_params"`
	Progress        *Progress         `json:"progress"`
	Error           *FlowError        `json:"error"`
	ShowFeedback    bool              `json:"show_feedback"`
}
