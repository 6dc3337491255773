package inference

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultLabels is the fruit vocabulary used when none is configured.
var DefaultLabels = []string{
	"apple", "apricot", "avocado", "banana", "blackberry", "blueberry",
	"cherry", "coconut", "date", "fig", "grape", "grapefruit", "guava",
	"kiwi", "lemon", "lime", "lychee", "mango", "melon", "orange", "papaya",
	"peach", "pear", "pineapple", "plum", "pomegranate", "quince",
	"raspberry", "strawberry", "watermelon",
}

var trailingDigits = regexp.MustCompile(`\s*\d+\s*$`)

// CleanLabel reduces a model class name to its fruit word: trailing digits
// are dropped, only the first word is kept, and the result is lowercased.
// "Banana 1" and "Apple Braeburn" become "banana" and "apple".
func CleanLabel(raw string) string {
	s := trailingDigits.ReplaceAllString(raw, "")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// Vocabulary is the fixed set of labels a classification may carry.
// It is read-only after construction.
type Vocabulary struct {
	labels map[string]struct{}
}

// NewVocabulary builds a vocabulary from labels, cleaning each one. An empty
// list yields DefaultLabels.
func NewVocabulary(labels []string) *Vocabulary {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	v := &Vocabulary{labels: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		if c := CleanLabel(l); c != "" {
			v.labels[c] = struct{}{}
		}
	}
	return v
}

// Normalize cleans raw and reports whether the result is in the vocabulary.
func (v *Vocabulary) Normalize(raw string) (string, bool) {
	c := CleanLabel(raw)
	if c == "" {
		return "", false
	}
	_, ok := v.labels[c]
	return c, ok
}

// Labels returns the vocabulary sorted alphabetically.
func (v *Vocabulary) Labels() []string {
	out := make([]string, 0, len(v.labels))
	for l := range v.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
