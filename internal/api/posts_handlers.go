package api

import (
	"fmt"
	"net/http"
	"strings"

	"fieldlab-api/internal/storage"
)

type createPostRequest struct {
	AuthorID string `json:"authorId"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

func (h *Handler) Posts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		authorID := strings.TrimSpace(r.URL.Query().Get("authorId"))
		posts, err := h.Store.ListPosts(r.Context(), authorID)
		if err != nil {
			h.respondError(w, r, "Error fetching posts", err)
			return
		}
		response := make([]postResponse, 0, len(posts))
		for _, post := range posts {
			response = append(response, newPostResponse(post))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req createPostRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Error creating post", err)
			return
		}
		post, err := h.Store.CreatePost(r.Context(), storage.CreatePostParams{
			AuthorID: req.AuthorID,
			Title:    req.Title,
			Content:  req.Content,
		})
		if err != nil {
			h.respondError(w, r, "Error creating post", err)
			return
		}
		writeJSON(w, http.StatusCreated, newPostResponse(post))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) PostByID(w http.ResponseWriter, r *http.Request) {
	id, tail := resourceID(r.URL.Path, "/api/posts/")
	if id == "" || tail != "" {
		writeError(w, http.StatusNotFound, "Error fetching post", fmt.Errorf("post id missing"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	post, err := h.Store.GetPost(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "Error fetching post", err)
		return
	}
	writeJSON(w, http.StatusOK, newPostResponse(post))
}
