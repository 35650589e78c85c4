package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
	"github.com/dunamismax/jbigflow/internal/pipeline"
)

// handleConvert runs one JBIG1 body through the decoder and converter and
// streams the resulting bitmap back.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if s.converter == nil {
		writeError(w, http.StatusServiceUnavailable, "converter is unavailable")
		return
	}

	bufferSize := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("buffer_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "buffer_size must be an integer")
			return
		}
		bufferSize = parsed
	}

	step := domain.OutputStep{ID: "convert", Action: domain.ActionBitmap}
	if format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))); format != "" && format != domain.FormatBMP {
		step.Action = domain.ActionEncode
		step.Format = format
	}
	if err := step.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	started := time.Now()
	s.metrics.convertInput.Observe(float64(len(data)))
	bitmap, err := s.converter.ConvertBytes(r.Context(), data, bufferSize)
	s.metrics.convertDuration.WithLabelValues(convertOutcome(err)).Observe(time.Since(started).Seconds())
	if err != nil {
		status := convertStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Printf("convert failed bytes=%d err=%v", len(data), err)
			writeError(w, status, "conversion failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	out, format, width, height, err := s.transformer.Transform(r.Context(), bitmap, step)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", pipeline.ContentType(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("X-Bitmap-Width", strconv.Itoa(width))
	w.Header().Set("X-Bitmap-Height", strconv.Itoa(height))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func convertOutcome(err error) string {
	switch convertStatus(err) {
	case http.StatusOK:
		return "ok"
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusUnprocessableEntity:
		return "bad_data"
	default:
		return "error"
	}
}

func convertStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	// ErrOutputTooLarge wraps ErrOutOfRange, so it is matched first.
	case errors.Is(err, jbig.ErrOutputTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, jbig.ErrInvalidArgument), errors.Is(err, jbig.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, jbig.ErrBadData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
