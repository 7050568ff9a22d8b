package api

import (
	"net/http"

	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/reconcile"
)

// ListNotes handles GET /api/notes?view=all|trash|dashboard.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	view, err := reconcile.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.notes.List(r.Context(), view.Filter())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcile.New(view, list).Snapshot())
}

type createNoteRequest struct {
	Title string `json:"title"`
}

// CreateNote handles POST /api/notes. The note starts pending with empty content.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req createNoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.notes.Create(r.Context(), req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.notes.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// excerptRunes bounds the plain-text preview shown in note cards.
const excerptRunes = 160

// NoteHTML is a note's content rendered for display.
type NoteHTML struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	HTML    string `json:"html"`
	Excerpt string `json:"excerpt"`
	Lines   int    `json:"lines"`
}

// GetNoteHTML handles GET /api/notes/{id}/html: Markdown rendered and sanitized.
func (h *Handler) GetNoteHTML(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.notes.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := n.Body()
	writeJSON(w, http.StatusOK, NoteHTML{
		ID:      n.ID,
		Title:   n.Title,
		HTML:    notes.RenderHTML(body),
		Excerpt: notes.Excerpt(body, excerptRunes),
		Lines:   notes.CountLines(body),
	})
}

type updateNoteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// UpdateNote handles PUT /api/notes/{id}: title and content together.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateNoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.notes.UpdateContent(r.Context(), id, req.Title, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles PATCH /api/notes/{id}/status. Trashing and restoring
// go through here too.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	status, err := notes.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.notes.SetStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DeleteNote handles DELETE /api/notes/{id}. Only trashed notes can go.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.notes.DeletePermanently(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
