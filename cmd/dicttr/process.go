package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dicttr/internal/app"
	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/export"
	"github.com/MrWong99/dicttr/internal/pipeline"
)

// ── process ───────────────────────────────────────────────────────────────────

func runProcess(ctx context.Context, level *slog.LevelVar, args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	outDir := fs.String("out", ".", "directory for the .json and .md results")
	language := fs.String("language", "", "language hint for every recording (e.g. es)")
	glossary := fs.String("glossary", "", "comma separated course terms added to the configured glossary")
	concurrency := fs.Int("concurrency", 0, "recordings processed in parallel (default: server.max_concurrent_jobs)")
	persist := fs.Bool("persist", false, "also keep the documents in the configured store")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "dicttr process: no audio files given")
		return 2
	}

	cfg, providers, shutdownTelemetry, err := setup(ctx, level, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicttr: %v\n", err)
		return 1
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	opts := []app.Option{app.WithLogLevel(level), app.WithVersion(version)}
	if !*persist {
		opts = append(opts, app.WithStore(document.NewMemStore()))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		slog.Error("failed to create output directory", "dir", *outDir, "err", err)
		return 1
	}

	limit := *concurrency
	if limit < 1 {
		limit = cfg.Server.MaxConcurrentJobs
	}
	defaults := pipeline.Input{Language: *language, Glossary: splitTerms(*glossary)}

	// A failed recording does not stop the others.
	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for _, path := range paths {
		g.Go(func() error {
			if err := processFile(ctx, application.Pipeline(), path, *outDir, defaults); err != nil {
				failed.Add(1)
				slog.Error("processing failed", "file", path, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		slog.Error("some recordings failed", "failed", n, "total", len(paths))
		return 1
	}
	slog.Info("all recordings processed", "total", len(paths), "out", *outDir)
	return 0
}

// processFile runs one recording through p and writes <name>.json and
// <name>.md into outDir.
func processFile(ctx context.Context, p *pipeline.Pipeline, path, outDir string, defaults pipeline.Input) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	in := defaults
	in.Audio = f
	in.Filename = filepath.Base(path)

	res, err := p.Process(ctx, in)
	if err != nil {
		return err
	}
	doc := res.Document

	name := strings.TrimSuffix(in.Filename, filepath.Ext(in.Filename))
	base := filepath.Join(outDir, name)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := os.WriteFile(base+".json", append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := writeMarkdownFile(base+".md", doc); err != nil {
		return err
	}

	slog.Info("recording processed",
		"file", path,
		"doc_id", doc.ID,
		"blocks", doc.Meta.Stats.Blocks,
		"needs_review", doc.Meta.Stats.NeedsReview,
		"corrections", len(doc.Meta.Corrections),
		"tokens", res.Usage.TotalTokens,
	)
	return nil
}

func writeMarkdownFile(path string, doc *document.Document) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return export.WriteMarkdown(f, doc)
}

// splitTerms splits a comma separated list, dropping empty entries.
func splitTerms(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
