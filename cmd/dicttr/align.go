package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/export"
	"github.com/MrWong99/dicttr/pkg/align"
)

// ── align ─────────────────────────────────────────────────────────────────────

type alignOutput struct {
	Blocks []align.AnnotatedBlock `json:"blocks"`
	Stats  align.Stats            `json:"stats"`
}

func runAlign(args []string) int {
	fs := flag.NewFlagSet("align", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file (optional)")
	segmentsPath := fs.String("segments", "", "JSON file with the transcript segments")
	blocksPath := fs.String("blocks", "", "JSON file with the blocks to align")
	speakersPath := fs.String("speakers", "", "JSON file with speaker turns (optional)")
	markdown := fs.Bool("markdown", false, "print Markdown instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *segmentsPath == "" || *blocksPath == "" {
		fmt.Fprintln(os.Stderr, "dicttr align: -segments and -blocks are required")
		return 2
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicttr: %v\n", err)
		return 1
	}

	segments, err := readList[align.Segment](*segmentsPath, "segments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicttr align: %v\n", err)
		return 1
	}
	blocks, err := readList[align.Block](*blocksPath, "blocks")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicttr align: %v\n", err)
		return 1
	}
	var diarizer align.Diarizer = align.NoopDiarizer{}
	if *speakersPath != "" {
		turns, err := readList[align.SpeakerTurn](*speakersPath, "speakers")
		if err != nil {
			fmt.Fprintf(os.Stderr, "dicttr align: %v\n", err)
			return 1
		}
		diarizer = align.TurnDiarizer{Turns: turns}
	}

	out := align.New(cfg.Align.Options()...).Align(blocks, segments)
	out, err = diarizer.Diarize(context.Background(), out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicttr align: %v\n", err)
		return 1
	}

	if err := writeAlignment(os.Stdout, out, *markdown); err != nil {
		fmt.Fprintf(os.Stderr, "dicttr align: %v\n", err)
		return 1
	}
	return 0
}

func writeAlignment(w io.Writer, blocks []align.AnnotatedBlock, markdown bool) error {
	if markdown {
		doc := &document.Document{Blocks: blocks}
		return export.WriteMarkdown(w, doc, export.WithHeader(false))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(alignOutput{Blocks: blocks, Stats: align.Summarize(blocks)})
}

// readList decodes a JSON array from path. An object is accepted too when the
// array sits under field, as in a verbose_json transcription.
func readList[T any](path, field string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var list []T
	if len(data) > 0 && data[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		raw, ok := wrapped[field]
		if !ok {
			return nil, fmt.Errorf("%s: no %q field", path, field)
		}
		data = raw
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}
