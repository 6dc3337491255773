package dictionary

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var errNoDefinition = errors.New("no definition found")

var (
	markupPattern   = regexp.MustCompile(`\{[^}]+\}`)
	sentencePattern = regexp.MustCompile(`\.\s*`)
)

type mwEntry struct {
	Def []struct {
		Sseq [][]json.RawMessage `json:"sseq"`
	} `json:"def"`
	Shortdef []string `json:"shortdef"`
}

type mwSense struct {
	Dt []json.RawMessage `json:"dt"`
}

// parseDefinition extracts a definition from a Merriam-Webster collegiate
// response. The API answers unknown words with a list of suggestion strings,
// which is reported as errNoDefinition.
func parseDefinition(body []byte) (string, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return "", errNoDefinition
	}
	if len(entries) == 0 {
		return "", errNoDefinition
	}

	var entry mwEntry
	if err := json.Unmarshal(entries[0], &entry); err != nil {
		// suggestions come back as plain strings
		return "", errNoDefinition
	}

	if def := definitionFromSenses(entry); def != "" {
		return def, nil
	}
	for _, s := range entry.Shortdef {
		if def := firstUsefulSentence(s); def != "" {
			return def, nil
		}
	}
	return "", errNoDefinition
}

// definitionFromSenses walks def -> sseq -> sense -> dt and returns the
// first sense whose defining text yields a sentence.
func definitionFromSenses(entry mwEntry) string {
	for _, d := range entry.Def {
		for _, group := range d.Sseq {
			for _, raw := range group {
				var pair []json.RawMessage
				if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
					continue
				}
				var sense mwSense
				if err := json.Unmarshal(pair[1], &sense); err != nil {
					continue
				}

				var parts []string
				for _, item := range sense.Dt {
					var dt []json.RawMessage
					if err := json.Unmarshal(item, &dt); err != nil || len(dt) < 2 {
						continue
					}
					parts = append(parts, collectText(dt[1])...)
				}
				if len(parts) == 0 {
					continue
				}
				if def := firstUsefulSentence(strings.Join(parts, " ")); def != "" {
					return def
				}
			}
		}
	}
	return ""
}

// collectText gathers strings, nested lists of strings and {"t": ...}
// objects from a dt payload.
func collectText(raw json.RawMessage) []string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []string{s}
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		var out []string
		for _, item := range list {
			out = append(out, collectText(item)...)
		}
		return out
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		if t, ok := obj["t"]; ok {
			var text string
			if json.Unmarshal(t, &text) == nil {
				return []string{text}
			}
		}
	}
	return nil
}

// firstUsefulSentence strips {markup} tokens and returns the second
// sentence when there is one, otherwise the first.
func firstUsefulSentence(text string) string {
	text = strings.TrimSpace(markupPattern.ReplaceAllString(text, ""))
	var sentences []string
	for _, s := range sentencePattern.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	switch {
	case len(sentences) >= 2:
		return sentences[1] + "."
	case len(sentences) == 1:
		return sentences[0] + "."
	}
	return ""
}
