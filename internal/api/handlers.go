package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fieldlab-api/internal/label"
	"fieldlab-api/internal/models"
	"fieldlab-api/internal/observability/logging"
	"fieldlab-api/internal/provision"
	"fieldlab-api/internal/storage"
)

// HealthChecker is an optional dependency probed by Health, such as the Redis
// lock client.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store       storage.Repository
	Provisioner *provision.Service
	Labels      label.Renderer
	Logger      *slog.Logger
	// Checks are reported by Health next to the datastore, keyed by component.
	Checks map[string]HealthChecker
}

// NewHandler wires a handler. Labels defaults to a plain encoder and Logger to
// slog.Default.
func NewHandler(store storage.Repository, provisioner *provision.Service, labels label.Renderer, logger *slog.Logger) *Handler {
	if labels == nil {
		labels = label.NewEncoder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Provisioner: provisioner, Labels: labels, Logger: logger}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		base = ctxLogger
	}
	return logging.WithComponent(base, "api")
}

// Root answers the plain-text liveness banner.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not found", fmt.Errorf("no route for %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("API Server is running!"))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components, status, code := h.componentHealth(ctx)
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

type userResponse struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	FullName     string `json:"fullName,omitempty"`
	RegisteredAt string `json:"registeredAt"`
}

func newUserResponse(user models.User) userResponse {
	return userResponse{
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		FullName:     user.FullName,
		RegisteredAt: user.RegisteredAt.UTC().Format(time.RFC3339Nano),
	}
}

type postResponse struct {
	ID        string `json:"id"`
	AuthorID  string `json:"authorId,omitempty"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func newPostResponse(post models.Post) postResponse {
	return postResponse{
		ID:        post.ID,
		AuthorID:  post.AuthorID,
		Title:     post.Title,
		Content:   post.Content,
		CreatedAt: post.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type sampleResponse struct {
	Identifier   string           `json:"identifier"`
	Type         string           `json:"type"`
	ProjectCode  string           `json:"projectCode"`
	EncodedLabel string           `json:"encodedLabel"`
	LabelURL     string           `json:"labelUrl,omitempty"`
	Location     *models.Location `json:"location,omitempty"`
	CollectedBy  string           `json:"collectedBy,omitempty"`
	Notes        string           `json:"notes,omitempty"`
	Attributes   map[string]any   `json:"attributes,omitempty"`
	CreatedAt    string           `json:"createdAt"`
}

func newSampleResponse(sample models.Sample) sampleResponse {
	return sampleResponse{
		Identifier:   sample.Identifier,
		Type:         string(sample.Type),
		ProjectCode:  sample.ProjectCode,
		EncodedLabel: sample.EncodedLabel,
		LabelURL:     sample.LabelURL,
		Location:     sample.Location,
		CollectedBy:  sample.CollectedBy,
		Notes:        sample.Notes,
		Attributes:   sample.Attributes,
		CreatedAt:    sample.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// resourceID returns the path segment after prefix and whatever follows it.
func resourceID(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	id, tail, _ := strings.Cut(rest, "/")
	return strings.TrimSpace(id), tail
}
