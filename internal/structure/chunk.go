package structure

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitSentences splits text after sentence terminators (. ! ? … and their
// closing quotes or brackets) that are followed by whitespace. Whitespace
// between sentences is dropped; empty sentences are skipped.
func SplitSentences(text string) []string {
	var (
		out   []string
		start = 0
		runes = []rune(text)
	)
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isCloser(runes[j]) {
			j++
		}
		if j < len(runes) && unicode.IsSpace(runes[j]) {
			flush(j)
			i = j
		}
	}
	flush(len(runes))
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '»', '”', '’':
		return true
	}
	return false
}

// Chunk groups the sentences of text into chunks of at most maxChars
// characters, joined by single spaces. A sentence longer than maxChars is cut
// at word boundaries; a single word longer than maxChars becomes its own
// chunk. maxChars <= 0 returns the trimmed text as one chunk.
func Chunk(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	add := func(piece string) {
		n := utf8.RuneCountInString(piece)
		if curLen > 0 && curLen+1+n > maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(piece)
		curLen += n
	}

	for _, s := range SplitSentences(text) {
		if utf8.RuneCountInString(s) <= maxChars {
			add(s)
			continue
		}
		for _, w := range strings.Fields(s) {
			add(w)
		}
	}
	if curLen > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// halve splits chunk into two pieces near its middle sentence boundary. ok is
// false when chunk is a single sentence of a single word.
func halve(chunk string) (a, b string, ok bool) {
	sentences := SplitSentences(chunk)
	if len(sentences) < 2 {
		sentences = strings.Fields(chunk)
	}
	if len(sentences) < 2 {
		return "", "", false
	}
	mid := len(sentences) / 2
	return strings.Join(sentences[:mid], " "), strings.Join(sentences[mid:], " "), true
}
