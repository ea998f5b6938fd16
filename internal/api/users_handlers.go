package api

import (
	"fmt"
	"net/http"

	"fieldlab-api/internal/storage"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := h.Store.ListUsers(r.Context())
		if err != nil {
			h.respondError(w, r, "Error fetching users", err)
			return
		}
		response := make([]userResponse, 0, len(users))
		for _, user := range users {
			response = append(response, newUserResponse(user))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Error creating user", err)
			return
		}
		user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
			Username: req.Username,
			Email:    req.Email,
			FullName: req.FullName,
		})
		if err != nil {
			h.respondError(w, r, "Error creating user", err)
			return
		}
		h.logger(r).Info("user created", "user_id", user.ID)
		writeJSON(w, http.StatusCreated, newUserResponse(user))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) UserByID(w http.ResponseWriter, r *http.Request) {
	id, tail := resourceID(r.URL.Path, "/api/users/")
	if id == "" || tail != "" {
		writeError(w, http.StatusNotFound, "Error fetching user", fmt.Errorf("user id missing"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	user, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "Error fetching user", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}
