package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/dicttr/internal/pipeline"
)

// maxFieldBytes bounds the non-file form fields.
const maxFieldBytes = 64 << 10

var (
	errNoAudio = errors.New(`api: missing "audio" file field`)
	errSpool   = errors.New("api: spool upload")
)

// spooledAudio is an upload copied to a temporary file. Close removes the
// file, so it outlives the request when handed to a background job.
type spooledAudio struct {
	*os.File
}

func (a spooledAudio) Close() error {
	err := a.File.Close()
	if rmErr := os.Remove(a.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Warn("api: remove spooled upload", "path", a.Name(), "err", rmErr)
	}
	return err
}

// readUpload streams a multipart upload into a pipeline input. The audio is
// spooled to disk; the caller owns in.Audio and must close it.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (in pipeline.Input, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("api: read upload: %w", err)
	}

	var audio *spooledAudio
	defer func() {
		if err != nil && audio != nil {
			_ = audio.Close()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pipeline.Input{}, fmt.Errorf("api: read upload: %w", err)
		}

		switch part.FormName() {
		case "audio":
			if audio != nil {
				return pipeline.Input{}, errors.New(`api: more than one "audio" field`)
			}
			audio, err = s.spool(part)
			if err != nil {
				return pipeline.Input{}, err
			}
			in.Filename = filepath.Base(part.FileName())
			in.ContentType = part.Header.Get("Content-Type")
			if mt, _, perr := mime.ParseMediaType(in.ContentType); perr == nil {
				in.ContentType = mt
			}
		case "title", "language", "prompt", "glossary":
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				return pipeline.Input{}, fmt.Errorf("api: read field %q: %w", part.FormName(), err)
			}
			setField(&in, part.FormName(), strings.TrimSpace(string(v)))
		}
		_ = part.Close()
	}

	if audio == nil {
		return pipeline.Input{}, errNoAudio
	}
	in.Audio = audio
	return in, nil
}

func (s *Server) spool(src io.Reader) (*spooledAudio, error) {
	f, err := os.CreateTemp(s.tempDir, "dicttr-upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSpool, err)
	}
	a := &spooledAudio{File: f}
	if _, err := io.Copy(f, src); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("api: read upload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("%w: %w", errSpool, err)
	}
	return a, nil
}

// setField applies a form value. The glossary field may repeat and holds
// comma- or newline-separated terms.
func setField(in *pipeline.Input, name, v string) {
	switch name {
	case "title":
		in.Title = v
	case "language":
		in.Language = v
	case "prompt":
		in.Prompt = v
	case "glossary":
		for _, t := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
			if t = strings.TrimSpace(t); t != "" {
				in.Glossary = append(in.Glossary, t)
			}
		}
	}
}

// uploadFailed answers a failed [Server.readUpload]: size and server-side
// failures keep their status, everything else is a malformed request.
func uploadFailed(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) || errors.Is(err, errSpool) {
		writeErr(w, r, err)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
