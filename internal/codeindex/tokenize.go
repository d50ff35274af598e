package codeindex

import "strings"

// DefaultCodeStopWords is the built-in stop list: common prose words plus
// the keywords of the languages this index is most likely to see, since a
// token index over source files gets flooded with "func"/"return"/"if"
// otherwise.
var DefaultCodeStopWords = []string{
	"the", "a", "an", "and", "or", "but", "is", "are", "was", "were",
	"to", "of", "in", "on", "for", "with", "this", "that", "it", "as",
	"be", "by", "at", "from",
	"var", "func", "return", "if", "else", "for", "while", "switch",
	"case", "break", "continue", "struct", "interface", "type", "const",
	"import", "package", "def", "class", "public", "private", "static",
	"void", "null", "nil", "true", "false", "self", "this",
}

func newStopWordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = true
	}
	return set
}

// tokenize case-folds and splits on every character other than an ASCII
// letter, digit or underscore, dropping tokens shorter than minLength or
// present in stopWords.
func tokenize(text string, minLength int, stopWords map[string]bool) []string {
	lower := strings.ToLower(text)
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if len(tok) < minLength {
			return
		}
		if stopWords[tok] {
			return
		}
		tokens = append(tokens, tok)
	}

	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}
