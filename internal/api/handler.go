// Package api serves the run registry over HTTP.
package api

import (
	"FlowDAQ/internal/export"
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/registry"
	"FlowDAQ/internal/stats"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

const maxListLimit = 500

// Store is the registry backend the API serves.
type Store interface {
	model.RunRegistry
	ListRunsPage(ctx context.Context, limit, offset int) ([]model.RunMetadata, error)
	DeleteRun(ctx context.Context, runID string) error
	Stats(ctx context.Context) (model.RegistryStats, error)
}

// Archive answers statistics queries from the long-term sample archive.
type Archive interface {
	ChannelStatistics(ctx context.Context, runID string) ([]model.ChannelStatistics, error)
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	store   Store
	archive Archive
}

// documentResponse is the JSON view of a decoded export document.
type documentResponse struct {
	FileName      string                    `json:"file_name"`
	StartedAt     *time.Time                `json:"start_time,omitempty"`
	SampleRateHz  float64                   `json:"sampling_hz"`
	Channels      []string                  `json:"sensors"`
	Regimen       model.Label               `json:"dominant_regimen"`
	DurationLabel string                    `json:"duration_label"`
	TotalSamples  int                       `json:"total_samples"`
	Statistics    []model.ChannelStatistics `json:"statistics"`
	Samples       []model.Sample            `json:"samples"`
}

func (h *APIHandler) startRunHandler(w http.ResponseWriter, r *http.Request) {
	var meta model.RunMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode request: %v", err))
		return
	}
	if meta.SampleRateHz <= 0 || meta.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "sampling_hz and duration_sec must be positive")
		return
	}

	id, err := h.store.StartRun(r.Context(), meta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("Registered run %s (%s)", id, meta.FileName)
	writeJSON(w, http.StatusCreated, registry.StartRunResponse{ID: id})
}

func (h *APIHandler) finalizeRunHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req registry.FinalizeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode request: %v", err))
		return
	}
	if len(req.Header) == 0 {
		writeError(w, http.StatusBadRequest, "header is required")
		return
	}

	if err := h.store.FinalizeRun(r.Context(), id, req.Rows, req.Header, req.Meta); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("Finalized run %s with %d rows", id, len(req.Rows))
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", registry.DefaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	runs, err := h.store.ListRunsPage(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registry.ListRunsResponse{Runs: runs, Limit: limit, Offset: offset})
}

func (h *APIHandler) getRunHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := h.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *APIHandler) downloadRunHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	data, err := h.store.DownloadRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	fileName := id
	if meta, err := h.store.GetRun(r.Context(), id); err == nil && meta.FileName != "" {
		fileName = meta.FileName
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName+".csv.gz"))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *APIHandler) documentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := h.decodeRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := documentResponse{
		FileName:      doc.FileName,
		SampleRateHz:  doc.SampleRateHz,
		Channels:      doc.Channels,
		Regimen:       doc.Regimen,
		DurationLabel: doc.DurationLabel,
		TotalSamples:  doc.TotalSamples,
		Statistics:    doc.Statistics,
		Samples:       doc.Samples,
	}
	if !doc.StartedAt.IsZero() {
		resp.StartedAt = &doc.StartedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// statisticsHandler answers from the archive when one is configured and falls back to
// recomputing from the stored document.
func (h *APIHandler) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.archive != nil {
		st, err := h.archive.ChannelStatistics(r.Context(), id)
		if err == nil && len(st) > 0 {
			writeJSON(w, http.StatusOK, st)
			return
		}
		if err != nil {
			log.Printf("Archive statistics for run %s failed, using stored document: %v", id, err)
		}
	}

	doc, err := h.decodeRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats.Compute(doc.Samples, doc.Channels))
}

func (h *APIHandler) deleteRunHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.DeleteRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("Deleted run %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) statsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *APIHandler) healthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) decodeRun(ctx context.Context, id string) (*export.Document, error) {
	data, err := h.store.DownloadRun(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := export.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return doc, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, registry.ErrorResponse{Error: msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrRunNotWritable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("Registry error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
