package search

import "strings"

// FTS5 interprets its own query language (AND, OR, NOT, *, NEAR(), :, ")
// even behind parameterized SQL, so raw user input can't be passed to MATCH
// directly.

const maxQueryRunes = 100

// LiteralQuery turns user input into an FTS5 query that matches it as a
// literal phrase: trimmed, length-capped, inner quotes doubled, and the
// whole thing quoted so operators lose their meaning. Returns "" for blank
// input.
func LiteralQuery(input string) string {
	input = strings.TrimSpace(input)
	if runes := []rune(input); len(runes) > maxQueryRunes {
		input = string(runes[:maxQueryRunes])
	}
	if input == "" {
		return ""
	}

	escaped := strings.ReplaceAll(input, `"`, `""`)
	return `"` + escaped + `"`
}

// PrefixQuery builds the typeahead form of LiteralQuery: the quoted phrase
// with a trailing wildcard, so "long way" matches "The Long Way Home".
func PrefixQuery(input string) string {
	phrase := LiteralQuery(input)
	if phrase == "" {
		return ""
	}
	return phrase + "*"
}
