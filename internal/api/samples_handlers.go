package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"fieldlab-api/internal/label"
	"fieldlab-api/internal/models"
	"fieldlab-api/internal/provision"
	"fieldlab-api/internal/sampleid"
	"fieldlab-api/internal/storage"
)

const (
	labelPathSuffix = "label.png"
	maxListLimit    = 1000
)

func (h *Handler) Samples(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := parseSampleFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Error fetching samples", err)
			return
		}
		samples, err := h.Store.ListSamples(r.Context(), filter)
		if err != nil {
			h.respondError(w, r, "Error fetching samples", err)
			return
		}
		response := make([]sampleResponse, 0, len(samples))
		for _, sample := range samples {
			response = append(response, newSampleResponse(sample))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		h.createSample(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) createSample(w http.ResponseWriter, r *http.Request) {
	if h.Provisioner == nil {
		h.respondError(w, r, "Error creating sample", errors.New("sample provisioning is not configured"))
		return
	}
	var payload provision.Payload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Error creating sample", err)
		return
	}
	sample, err := h.Provisioner.Provision(r.Context(), payload)
	if err != nil {
		var duplicateErr *provision.DuplicateIdentifierError
		if errors.As(err, &duplicateErr) {
			h.logger(r).Warn("sample identifier conflict", "identifier", duplicateErr.Identifier, "attempts", duplicateErr.Attempts)
			h.respondError(w, r, conflictMessage, err)
			return
		}
		h.respondError(w, r, "Error creating sample", err)
		return
	}
	h.logger(r).Info("sample created", "identifier", sample.Identifier, "project", sample.ProjectCode, "type", sample.Type)
	w.Header().Set("Location", "/api/samples/"+sample.Identifier)
	writeJSON(w, http.StatusCreated, newSampleResponse(sample))
}

func (h *Handler) SampleByID(w http.ResponseWriter, r *http.Request) {
	identifier, tail := resourceID(r.URL.Path, "/api/samples/")
	if identifier == "" || (tail != "" && tail != labelPathSuffix) {
		writeError(w, http.StatusNotFound, "Error fetching sample", fmt.Errorf("no route for %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}

	sample, err := h.Store.GetSample(r.Context(), identifier)
	if err != nil {
		h.respondError(w, r, "Error fetching sample", err)
		return
	}
	if tail == labelPathSuffix {
		h.serveLabel(w, r, sample.Identifier)
		return
	}
	writeJSON(w, http.StatusOK, newSampleResponse(sample))
}

// serveLabel renders the label from the identifier alone. Identifiers are
// immutable so the PNG can be cached indefinitely.
func (h *Handler) serveLabel(w http.ResponseWriter, r *http.Request, identifier string) {
	rendered, err := h.Labels.Encode(identifier)
	if err != nil {
		h.respondError(w, r, "Error rendering label", err)
		return
	}
	etag := label.ETag(rendered.PNG)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", label.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rendered.PNG)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(rendered.PNG)
}

func etagMatches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

func parseSampleFilter(r *http.Request) (storage.SampleFilter, error) {
	query := r.URL.Query()
	var filter storage.SampleFilter

	if project := strings.TrimSpace(query.Get("project")); project != "" {
		filter.ProjectCode = sampleid.NormalizeProjectCode(project)
	}
	if rawType := strings.TrimSpace(query.Get("type")); rawType != "" {
		sampleType, err := models.ParseSampleType(rawType)
		if err != nil {
			return storage.SampleFilter{}, err
		}
		filter.Type = sampleType
	}
	if rawYear := strings.TrimSpace(query.Get("year")); rawYear != "" {
		year, err := strconv.Atoi(rawYear)
		if err != nil || year < 1000 || year > 9999 {
			return storage.SampleFilter{}, fmt.Errorf("year must be a four digit number")
		}
		filter.Year = year
	}
	if rawLimit := strings.TrimSpace(query.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return storage.SampleFilter{}, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}
