// Package export renders processed documents for download.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/pkg/align"
)

// ReviewMarker is appended to blocks that need a human check.
const ReviewMarker = "⚠ *revisar*"

// MarkdownOption configures [Markdown].
type MarkdownOption func(*markdownConfig)

type markdownConfig struct {
	timestamps bool
	review     bool
	header     bool
}

// WithTimestamps toggles the [mm:ss–mm:ss] prefix on timed blocks.
// Default: on.
func WithTimestamps(on bool) MarkdownOption {
	return func(c *markdownConfig) { c.timestamps = on }
}

// WithReviewMarkers toggles [ReviewMarker] on flagged blocks. Default: on.
func WithReviewMarkers(on bool) MarkdownOption {
	return func(c *markdownConfig) { c.review = on }
}

// WithHeader toggles the title and metadata header. Default: on.
func WithHeader(on bool) MarkdownOption {
	return func(c *markdownConfig) { c.header = on }
}

// Markdown renders doc as Markdown. The title is the only level one heading;
// block headings start at level two.
func Markdown(doc *document.Document, opts ...MarkdownOption) string {
	var b strings.Builder
	_ = WriteMarkdown(&b, doc, opts...)
	return b.String()
}

// WriteMarkdown writes the output of [Markdown] to w.
func WriteMarkdown(w io.Writer, doc *document.Document, opts ...MarkdownOption) error {
	cfg := markdownConfig{timestamps: true, review: true, header: true}
	for _, o := range opts {
		o(&cfg)
	}

	var b strings.Builder
	if cfg.header {
		writeHeader(&b, doc)
	}
	for i, blk := range doc.Blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		writeBlock(&b, blk, cfg)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeHeader(b *strings.Builder, doc *document.Document) {
	title := doc.Meta.Title
	if title == "" {
		title = "Apuntes"
	}
	fmt.Fprintf(b, "# %s\n\n", title)
	if doc.Meta.Source != "" {
		fmt.Fprintf(b, "- Fuente: `%s`\n", doc.Meta.Source)
	}
	if doc.Meta.Language != "" {
		fmt.Fprintf(b, "- Idioma: %s\n", doc.Meta.Language)
	}
	if doc.Meta.Duration > 0 {
		fmt.Fprintf(b, "- Duración: %s\n", Timestamp(doc.Meta.Duration))
	}
	if st := doc.Meta.Stats; st.NeedsReview > 0 {
		fmt.Fprintf(b, "- Bloques por revisar: %d de %d\n", st.NeedsReview, st.Blocks)
	}
	b.WriteString("\n---\n\n")
}

func writeBlock(b *strings.Builder, blk align.AnnotatedBlock, cfg markdownConfig) {
	prefix := ""
	if cfg.timestamps && blk.Time != nil {
		prefix = fmt.Sprintf("*[%s–%s]* ", Timestamp(blk.Time.Start), Timestamp(blk.Time.End))
	}
	suffix := ""
	if cfg.review && blk.NeedsReview() {
		suffix = " " + ReviewMarker
	}

	switch {
	case blk.Type.HeadingLevel() > 0:
		fmt.Fprintf(b, "%s %s%s\n", strings.Repeat("#", blk.Type.HeadingLevel()+1), oneLine(blk.Text), suffix)
		if prefix != "" {
			fmt.Fprintf(b, "\n%s\n", strings.TrimSpace(prefix))
		}
	case blk.Type.IsList():
		if prefix != "" || suffix != "" {
			fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(prefix+strings.TrimSpace(suffix)))
		}
		for i, it := range blk.Items {
			if blk.Type == align.BlockNumberedList {
				fmt.Fprintf(b, "%d. %s\n", i+1, oneLine(it))
			} else {
				fmt.Fprintf(b, "- %s\n", oneLine(it))
			}
		}
	case blk.Type == align.BlockQuote:
		lines := strings.Split(strings.TrimSpace(blk.Text), "\n")
		lines[0] = prefix + lines[0]
		lines[len(lines)-1] += suffix
		for _, l := range lines {
			fmt.Fprintf(b, "> %s\n", l)
		}
	default:
		fmt.Fprintf(b, "%s%s%s\n", prefix, strings.TrimSpace(blk.Text), suffix)
	}
}

// oneLine collapses newlines so headings and list items stay on one line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Timestamp formats seconds as mm:ss, or hh:mm:ss from one hour on.
func Timestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	d := time.Duration(sec*1000) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
