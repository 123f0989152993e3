package giststore

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// Handler serves the store's HTTP API:
//
//	GET   /health
//	GET   /gists/{id}
//	PATCH /gists/{id}
//	GET   /gists/{id}/revisions?page=N&per_page=N
type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Router builds the mux router for the store API.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(h.health)
	r.Methods(http.MethodGet).Path("/gists/{id}").HandlerFunc(h.getGist)
	r.Methods(http.MethodPatch).Path("/gists/{id}").HandlerFunc(h.patchGist)
	r.Methods(http.MethodGet).Path("/gists/{id}/revisions").HandlerFunc(h.listRevisions)
	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type gistResponse struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	Revision  string `json:"revision,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type revisionResponse struct {
	Revision  string `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

func (h *Handler) getGist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	g, err := h.store.Get(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get gist")
		return
	}
	if g == nil {
		errorResponse(w, http.StatusNotFound, "Gist not found")
		return
	}

	resp := gistResponse{
		ID:        g.ID,
		Filename:  g.Filename,
		Content:   g.Content,
		UpdatedAt: g.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if latest, err := h.store.LatestRevision(id); err == nil && latest != nil {
		resp.Revision = latest.Revision
	}

	jsonResponse(w, http.StatusOK, resp)
}

type patchRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (h *Handler) patchGist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Filename == "" {
		req.Filename = "share.json"
	}

	rev, err := h.store.Patch(id, req.Filename, req.Content)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to update gist")
		return
	}

	resp := revisionResponse{}
	if rev != nil {
		resp.Revision = rev.Revision
		resp.UpdatedAt = rev.CreatedAt.UTC().Format(time.RFC3339)
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) listRevisions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	revisions, err := h.store.ListRevisions(id, perPage, (page-1)*perPage)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list revisions")
		return
	}

	resp := make([]revisionResponse, len(revisions))
	for i, rev := range revisions {
		resp[i] = revisionResponse{
			Revision:  rev.Revision,
			UpdatedAt: rev.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}
