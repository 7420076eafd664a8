package api

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/export"
	"github.com/MrWong99/dicttr/pkg/align"
)

type alignRequest struct {
	Segments []align.Segment     `json:"segments"`
	Blocks   []align.Block       `json:"blocks"`
	Speakers []align.SpeakerTurn `json:"speakers,omitempty"`
}

type alignResponse struct {
	Blocks []align.AnnotatedBlock `json:"blocks"`
	Stats  align.Stats            `json:"stats"`
}

func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	var req alignRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	out, err := s.realigner.Realign(r.Context(), req.Segments, req.Speakers, req.Blocks)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alignResponse{Blocks: out, Stats: align.Summarize(out)})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is not configured")
		return
	}
	in, err := s.readUpload(w, r)
	if err != nil {
		uploadFailed(w, r, err)
		return
	}
	info, err := s.jobs.Submit(in)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	res, err := s.jobs.Wait(r.Context(), info.ID)
	if err != nil {
		if r.Context().Err() != nil {
			// The client went away; nobody will read the result.
			_ = s.jobs.Cancel(info.ID)
			return
		}
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/documents/"+res.Document.ID)
	writeJSON(w, http.StatusCreated, res.Document)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	docs, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if docs == nil {
		docs = []document.Summary{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func listOptions(r *http.Request) (document.ListOptions, error) {
	var opts document.ListOptions
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &opts.Limit},
		{"offset", &opts.Offset},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("%s must be a non-negative integer", p.name)
		}
		*p.dst = n
	}
	return opts, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	q := r.URL.Query()
	opts := []export.MarkdownOption{
		export.WithTimestamps(q.Get("timestamps") != "false"),
		export.WithReviewMarkers(q.Get("review") != "false"),
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	if q.Get("download") == "true" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.ID+".md"))
	}
	if err := export.WriteMarkdown(w, doc, opts...); err != nil {
		writeErr(w, r, err)
	}
}

type updateBlocksRequest struct {
	Version int           `json:"version"`
	Blocks  []align.Block `json:"blocks"`
}

// handleUpdateBlocks stores edited blocks. The edits are re-aligned against
// the stored segments, so timing follows text that moved between blocks.
func (s *Server) handleUpdateBlocks(w http.ResponseWriter, r *http.Request) {
	var req updateBlocksRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Version < 1 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	for i, b := range req.Blocks {
		if b.Type != "" && !b.Type.IsValid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("blocks[%d]: unknown type %q", i, b.Type))
			return
		}
		if b.Type == "" {
			req.Blocks[i].Type = align.BlockParagraph
		}
		// Review tags are recomputed by the aligner.
		req.Blocks[i].Tags = slices.DeleteFunc(slices.Clone(b.Tags), func(t string) bool {
			return t == align.TagReviewTiming
		})
	}

	id := r.PathValue("id")
	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if doc.Version != req.Version {
		writeErr(w, r, fmt.Errorf("api: document %s is at version %d: %w", id, doc.Version, document.ErrVersionConflict))
		return
	}

	blocks, err := s.realigner.Realign(r.Context(), doc.Segments, doc.Meta.Speakers, req.Blocks)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	updated, err := s.store.UpdateBlocks(r.Context(), id, req.Version, blocks)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
