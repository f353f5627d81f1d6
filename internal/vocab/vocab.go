// Package vocab holds the value vocabulary tables and control-phrase tables used to read
// short user replies. Both are plain data and can be replaced from a YAML file.
package vocab

import "fmt"

// Entry maps a canonical value to the words users type for it.
type Entry struct {
	Value    string   `yaml:"value"`
	Synonyms []string `yaml:"synonyms"`
}

// Category is one parameter dictionary, e.g. tone or platform.
type Category struct {
	Name    string  `yaml:"name"`
	Entries []Entry `yaml:"entries"`
}

type compiledEntry struct {
	value    string
	synonyms [][]string
}

// Vocabulary is an immutable, compiled set of parameter dictionaries.
type Vocabulary struct {
	order      []string
	categories map[string][]compiledEntry
}

// NewVocabulary compiles categories. Category order is kept for deterministic scans.
func NewVocabulary(categories []Category) (*Vocabulary, error) {
	v := &Vocabulary{categories: make(map[string][]compiledEntry, len(categories))}
	for _, c := range categories {
		if c.Name == "" {
			return nil, fmt.Errorf("vocabulary category without name")
		}
		if _, dup := v.categories[c.Name]; dup {
			return nil, fmt.Errorf("duplicate vocabulary category %q", c.Name)
		}
		entries := make([]compiledEntry, 0, len(c.Entries))
		for _, e := range c.Entries {
			if e.Value == "" {
				return nil, fmt.Errorf("category %q: entry without value", c.Name)
			}
			ce := compiledEntry{value: e.Value}
			for _, syn := range append([]string{e.Value}, e.Synonyms...) {
				if toks := Tokens(syn); len(toks) > 0 {
					ce.synonyms = append(ce.synonyms, toks)
				}
			}
			entries = append(entries, ce)
		}
		v.order = append(v.order, c.Name)
		v.categories[c.Name] = entries
	}
	return v, nil
}

// Categories lists category names in declaration order.
func (v *Vocabulary) Categories() []string {
	return append([]string(nil), v.order...)
}

// Has reports whether a dictionary exists for category.
func (v *Vocabulary) Has(category string) bool {
	_, ok := v.categories[category]
	return ok
}

// Match returns the first value of category (in declaration order) with a synonym in text.
func (v *Vocabulary) Match(category, text string) (string, bool) {
	return v.matchTokens(category, Tokens(text))
}

func (v *Vocabulary) matchTokens(category string, toks []string) (string, bool) {
	for _, e := range v.categories[category] {
		for _, syn := range e.synonyms {
			if containsSeq(toks, syn) {
				return e.value, true
			}
		}
	}
	return "", false
}

// MatchAll scans text for every listed category that has a dictionary.
func (v *Vocabulary) MatchAll(text string, categories []string) map[string]string {
	toks := Tokens(text)
	out := map[string]string{}
	for _, c := range categories {
		if val, ok := v.matchTokens(c, toks); ok {
			out[c] = val
		}
	}
	return out
}

// IsKnownValue reports whether text hits any entry of any category.
func (v *Vocabulary) IsKnownValue(text string) bool {
	toks := Tokens(text)
	for _, c := range v.order {
		if _, ok := v.matchTokens(c, toks); ok {
			return true
		}
	}
	return false
}

// Values lists the canonical values of category.
func (v *Vocabulary) Values(category string) []string {
	entries := v.categories[category]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.value)
	}
	return out
}
