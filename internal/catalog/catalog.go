// Package catalog declares the task types the orchestrator can negotiate: their parameter
// schema, aliases, defaults, questions and the capabilities a confirmed task is dispatched to.
package catalog

import (
	"fmt"
	"regexp"
	"slices"
	"sync/atomic"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/vocab"
)

// Capability is one downstream worker commissioned by a confirmed task.
type Capability struct {
	Capability string `yaml:"capability" json:"capability"`
	Category   string `yaml:"category" json:"category"`
	TaskKind   string `yaml:"task_kind" json:"task_kind"`
}

// TaskType is the schema of one negotiable task.
//
// Patterns are matched against folded text (lowercase, no diacritics) and only count
// toward classification. ParamPatterns are matched case-insensitively against the
// original text and must capture the value in group 1.
type TaskType struct {
	Name          string                       `yaml:"name" json:"name"`
	Display       map[string]string            `yaml:"display" json:"display"`
	Examples      map[string]string            `yaml:"examples" json:"examples,omitempty"`
	Patterns      []string                     `yaml:"patterns" json:"-"`
	Required      []string                     `yaml:"required" json:"required"`
	Recommended   []string                     `yaml:"recommended" json:"recommended"`
	Optional      []string                     `yaml:"optional" json:"optional,omitempty"`
	Numeric       []string                     `yaml:"numeric" json:"numeric,omitempty"`
	TopicParam    string                       `yaml:"topic_param" json:"topic_param,omitempty"`
	Aliases       map[string]string            `yaml:"aliases" json:"aliases,omitempty"`
	Defaults      map[string]any               `yaml:"defaults" json:"defaults,omitempty"`
	ParamPatterns map[string]string            `yaml:"param_patterns" json:"-"`
	Questions     map[string]map[string]string `yaml:"questions" json:"-"`
	Capabilities  []Capability                 `yaml:"capabilities" json:"capabilities"`

	patterns      []*regexp.Regexp
	paramPatterns map[string]*regexp.Regexp
}

func (t *TaskType) compile() error {
	if t.Name == "" {
		return fmt.Errorf("task type without name")
	}
	if len(t.Capabilities) == 0 {
		return fmt.Errorf("task type %q: no capabilities", t.Name)
	}
	if len(t.Required) == 0 && len(t.Recommended) == 0 {
		return fmt.Errorf("task type %q: no parameters", t.Name)
	}
	t.patterns = make([]*regexp.Regexp, 0, len(t.Patterns))
	for _, p := range t.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("task type %q: pattern %q: %w", t.Name, p, err)
		}
		t.patterns = append(t.patterns, re)
	}
	t.paramPatterns = make(map[string]*regexp.Regexp, len(t.ParamPatterns))
	for param, p := range t.ParamPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("task type %q: param pattern %q: %w", t.Name, param, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("task type %q: param pattern %q has no capture group", t.Name, param)
		}
		t.paramPatterns[param] = re
	}
	for from, to := range t.Aliases {
		if !t.Declares(to) {
			return fmt.Errorf("task type %q: alias %s -> %s targets undeclared parameter", t.Name, from, to)
		}
	}
	if t.TopicParam != "" && !t.Declares(t.TopicParam) {
		return fmt.Errorf("task type %q: topic parameter %q not declared", t.Name, t.TopicParam)
	}
	return nil
}

// MatchCount returns how many classification patterns hit the text.
func (t *TaskType) MatchCount(text string) int {
	folded := vocab.Fold(text)
	n := 0
	for _, re := range t.patterns {
		if re.MatchString(folded) {
			n++
		}
	}
	return n
}

// ParamPattern returns the compiled extraction pattern for param.
func (t *TaskType) ParamPattern(param string) (*regexp.Regexp, bool) {
	re, ok := t.paramPatterns[param]
	return re, ok
}

// Params lists every declared parameter: required, recommended, then optional.
func (t *TaskType) Params() []string {
	out := make([]string, 0, len(t.Required)+len(t.Recommended)+len(t.Optional))
	out = append(out, t.Required...)
	out = append(out, t.Recommended...)
	return append(out, t.Optional...)
}

// Declares reports whether param belongs to the schema.
func (t *TaskType) Declares(param string) bool {
	return slices.Contains(t.Required, param) || slices.Contains(t.Recommended, param) || slices.Contains(t.Optional, param)
}

// Resolve maps a generic key to the task's own slot via the alias table.
func (t *TaskType) Resolve(key string) string {
	if to, ok := t.Aliases[key]; ok {
		return to
	}
	return key
}

// IsNumeric reports whether param holds a number.
func (t *TaskType) IsNumeric(param string) bool {
	return slices.Contains(t.Numeric, param)
}

// IsTopic reports whether param is the topic-like slot.
func (t *TaskType) IsTopic(param string) bool {
	return param != "" && param == t.TopicParam
}

// Default returns the declared default for param.
func (t *TaskType) Default(param string) (any, bool) {
	v, ok := t.Defaults[param]
	return v, ok
}

// Question returns the question text for param in locale, falling back to the default
// locale and finally to the bare parameter name.
func (t *TaskType) Question(param, locale string) string {
	q := t.Questions[param]
	if s, ok := q[locale]; ok {
		return s
	}
	if s, ok := q[domain.DefaultLocale]; ok {
		return s
	}
	return param + "?"
}

// DisplayName returns the human name in locale.
func (t *TaskType) DisplayName(locale string) string {
	if s, ok := t.Display[locale]; ok {
		return s
	}
	if s, ok := t.Display[domain.DefaultLocale]; ok {
		return s
	}
	return t.Name
}

// Example returns a sample request phrase in locale.
func (t *TaskType) Example(locale string) string {
	if s, ok := t.Examples[locale]; ok {
		return s
	}
	return t.Examples[domain.DefaultLocale]
}

// Catalog is an immutable, ordered set of task types. Order is registration order and
// breaks classification ties.
type Catalog struct {
	types  []*TaskType
	byName map[string]*TaskType
}

// New validates and compiles task types.
func New(types []TaskType) (*Catalog, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("catalog has no task types")
	}
	c := &Catalog{byName: make(map[string]*TaskType, len(types))}
	for i := range types {
		t := types[i]
		if err := t.compile(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task type %q", t.Name)
		}
		c.types = append(c.types, &t)
		c.byName[t.Name] = &t
	}
	return c, nil
}

// Get returns the task type by name.
func (c *Catalog) Get(name string) (*TaskType, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Types returns task types in registration order.
func (c *Catalog) Types() []*TaskType {
	return slices.Clone(c.types)
}

// Names returns task type names in registration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.types))
	for i, t := range c.types {
		out[i] = t.Name
	}
	return out
}

// Holder publishes the active catalog to concurrent readers.
type Holder struct {
	p atomic.Pointer[Catalog]
}

// NewHolder returns a holder serving c.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.p.Store(c)
	return h
}

// Load returns the active catalog.
func (h *Holder) Load() *Catalog { return h.p.Load() }

// Store replaces the active catalog.
func (h *Holder) Store(c *Catalog) { h.p.Store(c) }
