package vocab

import (
	"fmt"
	"slices"
)

// Command is a logical control intent independent of the words used to express it.
type Command string

const (
	CmdNone         Command = ""
	CmdConfirm      Command = "confirm"
	CmdCancel       Command = "cancel"
	CmdModify       Command = "modify"
	CmdUndo         Command = "undo"
	CmdUseDefaults  Command = "useDefaults"
	CmdDontAskAgain Command = "dontAskAgain"
)

// detectionOrder lists commands from most to least specific. "nie pytaj więcej" must win over
// the bare "nie" of cancel, and "cofnij zmianę" over the "zmień" of modify.
var detectionOrder = []Command{CmdUndo, CmdDontAskAgain, CmdUseDefaults, CmdCancel, CmdModify, CmdConfirm}

// shortMessageTokens bounds the messages in which single-word phrases count. Such a
// message must consist of nothing but single-word phrases of one command.
const shortMessageTokens = 3

// PhraseSet is the control vocabulary of one locale.
type PhraseSet struct {
	Locale  string               `yaml:"locale"`
	Phrases map[Command][]string `yaml:"phrases"`
}

type compiledPhrases map[Command][][]string

// ControlTable recognises control commands across locales.
type ControlTable struct {
	locales []string
	sets    map[string]compiledPhrases
}

// NewControlTable compiles phrase sets. The first set is the fallback locale.
func NewControlTable(sets []PhraseSet) (*ControlTable, error) {
	t := &ControlTable{sets: make(map[string]compiledPhrases, len(sets))}
	for _, s := range sets {
		if s.Locale == "" {
			return nil, fmt.Errorf("control phrase set without locale")
		}
		cp := compiledPhrases{}
		for cmd, phrases := range s.Phrases {
			if !slices.Contains(detectionOrder, cmd) {
				return nil, fmt.Errorf("locale %q: unknown control command %q", s.Locale, cmd)
			}
			for _, p := range phrases {
				if toks := Tokens(p); len(toks) > 0 {
					cp[cmd] = append(cp[cmd], toks)
				}
			}
		}
		if _, dup := t.sets[s.Locale]; !dup {
			t.locales = append(t.locales, s.Locale)
		}
		t.sets[s.Locale] = cp
	}
	return t, nil
}

// Locales lists known locales, fallback first.
func (t *ControlTable) Locales() []string {
	return append([]string(nil), t.locales...)
}

// Detect returns the control command expressed by text. The tenant locale is consulted
// first, then every other locale.
func (t *ControlTable) Detect(locale, text string) Command {
	toks := Tokens(text)
	if len(toks) == 0 {
		return CmdNone
	}
	if cmd := t.detectIn(locale, toks); cmd != CmdNone {
		return cmd
	}
	for _, l := range t.locales {
		if l == locale {
			continue
		}
		if cmd := t.detectIn(l, toks); cmd != CmdNone {
			return cmd
		}
	}
	return CmdNone
}

// IsControl reports whether text carries any control command.
func (t *ControlTable) IsControl(locale, text string) bool {
	return t.Detect(locale, text) != CmdNone
}

func (t *ControlTable) detectIn(locale string, toks []string) Command {
	set, ok := t.sets[locale]
	if !ok {
		return CmdNone
	}
	short := len(toks) <= shortMessageTokens
	for _, cmd := range detectionOrder {
		for _, phrase := range set[cmd] {
			if len(phrase) > 1 && containsSeq(toks, phrase) {
				return cmd
			}
		}
		if short && onlyWords(toks, set[cmd]) {
			return cmd
		}
	}
	return CmdNone
}

// onlyWords reports whether every token is a single-word phrase of the command, so that
// "tak, wykonaj" confirms while "nie wiem" or "nie, facebook" do not cancel.
func onlyWords(toks []string, phrases [][]string) bool {
	for _, tok := range toks {
		found := false
		for _, p := range phrases {
			if len(p) == 1 && p[0] == tok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
