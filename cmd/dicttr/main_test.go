package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/dicttr/pkg/align"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReadList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "array", content: `[{"text":" Hola.","start":0,"end":1}]`, want: 1},
		{name: "verbose_json", content: `{"text":"Hola. Adiós.","segments":[{"text":" Hola.","start":0,"end":1},{"text":" Adiós.","start":1,"end":2}]}`, want: 2},
		{name: "missing field", content: `{"text":"Hola."}`, wantErr: true},
		{name: "invalid", content: `[{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".json", tt.content)
			got, err := readList[align.Segment](path, "segments")
			if (err != nil) != tt.wantErr {
				t.Fatalf("readList() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestWriteAlignment(t *testing.T) {
	t.Parallel()

	segs := []align.Segment{{Text: " La célula es la unidad básica.", Start: 0, End: 4}}
	blocks := []align.Block{{ID: "b1", Type: align.BlockParagraph, Text: "La célula es la unidad básica."}}
	out := align.New().Align(blocks, segs)

	var js bytes.Buffer
	if err := writeAlignment(&js, out, false); err != nil {
		t.Fatalf("writeAlignment: %v", err)
	}
	var decoded alignOutput
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Stats.Timed != 1 || decoded.Blocks[0].Time == nil {
		t.Errorf("output = %+v", decoded)
	}

	var md bytes.Buffer
	if err := writeAlignment(&md, out, true); err != nil {
		t.Fatalf("writeAlignment: %v", err)
	}
	if !strings.Contains(md.String(), "*[00:00–00:04]* La célula es la unidad básica.") {
		t.Errorf("markdown = %q", md.String())
	}
}

func TestRunAlign(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	segs := writeFile(t, dir, "segments.json", `[{"text":" Hola a todos.","start":0,"end":2}]`)
	blocks := writeFile(t, dir, "blocks.json", `{"blocks":[{"id":"b1","type":"paragraph","text":"Hola a todos."}]}`)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "ok", args: []string{"-config", filepath.Join(dir, "none.yaml"), "-segments", segs, "-blocks", blocks}, want: 0},
		{name: "missing flags", args: []string{"-segments", segs}, want: 2},
		{name: "unreadable", args: []string{"-config", filepath.Join(dir, "none.yaml"), "-segments", filepath.Join(dir, "nope.json"), "-blocks", blocks}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runAlign(tt.args); got != tt.want {
				t.Errorf("runAlign() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	if got := run([]string{"transcribe"}); got != 2 {
		t.Errorf("run() = %d, want 2", got)
	}
	if got := run(nil); got != 2 {
		t.Errorf("run(nil) = %d, want 2", got)
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"bucket": "b", "max_speakers": 2, "ratio": 1.5, "retries": float64(3)}
	if got := optString(opts, "bucket"); got != "b" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "max_speakers"); got != "" {
		t.Errorf("optString(non-string) = %q", got)
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if n, ok := optInt(opts, "max_speakers"); !ok || n != 2 {
		t.Errorf("optInt(int) = %d, %v", n, ok)
	}
	if n, ok := optInt(opts, "retries"); !ok || n != 3 {
		t.Errorf("optInt(float) = %d, %v", n, ok)
	}
	if _, ok := optInt(opts, "ratio"); ok {
		t.Error("optInt accepted a fraction")
	}
}

func TestSplitTerms(t *testing.T) {
	t.Parallel()
	got := splitTerms(" Kubernetes, ,Docker ,")
	if !slices.Equal(got, []string{"Kubernetes", "Docker"}) {
		t.Errorf("splitTerms = %v", got)
	}
	if splitTerms("") != nil {
		t.Error("splitTerms(\"\") should be nil")
	}
}
