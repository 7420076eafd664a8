package structure

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/dicttr/pkg/align"
)

// llmResponse is the JSON shape the model is asked to return.
type llmResponse struct {
	Blocks []llmBlock `json:"blocks"`
}

type llmBlock struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Text  string   `json:"text"`
	Items []string `json:"items"`
}

// typeAliases maps common model spellings onto block types.
var typeAliases = map[string]align.BlockType{
	"h1":         align.BlockHeading1,
	"heading":    align.BlockHeading2,
	"h2":         align.BlockHeading2,
	"h3":         align.BlockHeading3,
	"title":      align.BlockHeading1,
	"subtitle":   align.BlockHeading2,
	"p":          align.BlockParagraph,
	"text":       align.BlockParagraph,
	"list":       align.BlockBulletedList,
	"bullets":    align.BlockBulletedList,
	"ul":         align.BlockBulletedList,
	"ol":         align.BlockNumberedList,
	"numbered":   align.BlockNumberedList,
	"blockquote": align.BlockQuote,
}

// normalizeType maps raw onto a known block type, defaulting to paragraph.
func normalizeType(raw string) align.BlockType {
	t := align.BlockType(strings.ToLower(strings.TrimSpace(raw)))
	if t.IsValid() {
		return t
	}
	if alias, ok := typeAliases[string(t)]; ok {
		return alias
	}
	return align.BlockParagraph
}

// parseResponse decodes the model output into blocks. Blocks without content
// are dropped. An output that is not a JSON object with a blocks array is an
// error so the caller can fall back.
func parseResponse(content string) ([]align.Block, error) {
	cleaned := extractObject(stripMarkdown(content))

	var r llmResponse
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, fmt.Errorf("structure: parse response: %w", err)
	}
	if r.Blocks == nil {
		return nil, fmt.Errorf("structure: parse response: missing blocks")
	}

	blocks := make([]align.Block, 0, len(r.Blocks))
	for _, rb := range r.Blocks {
		b := align.Block{ID: strings.TrimSpace(rb.ID), Type: normalizeType(rb.Type)}
		items := trimAll(rb.Items)
		text := strings.TrimSpace(rb.Text)

		switch {
		case b.Type.IsList() && len(items) > 0:
			b.Items = items
		case b.Type.IsList():
			// A list without items degrades to a paragraph of its text.
			b.Type = align.BlockParagraph
			b.Text = text
		case text == "" && len(items) > 0:
			b.Text = strings.Join(items, " ")
		default:
			b.Text = text
		}
		if b.Text == "" && len(b.Items) == 0 {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func trimAll(items []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// extractObject trims prose around the outermost JSON object.
func extractObject(s string) string {
	i := strings.IndexByte(s, '{')
	j := strings.LastIndexByte(s, '}')
	if i < 0 || j < i {
		return s
	}
	return s[i : j+1]
}

// fallbackBlocks turns chunk into one paragraph per sentence group of at most
// maxChars characters.
func fallbackBlocks(chunk string, maxChars int) []align.Block {
	var blocks []align.Block
	for _, p := range Chunk(chunk, maxChars) {
		blocks = append(blocks, align.Block{Type: align.BlockParagraph, Text: p})
	}
	return blocks
}
