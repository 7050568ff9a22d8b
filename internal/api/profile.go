package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/kuitang/catatan/internal/auth"
	"github.com/kuitang/catatan/internal/errs"
)

// GetMe handles GET /api/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateMe handles PATCH /api/me {full_name?, avatar_url?}.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req auth.ProfileUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.UpdateProfile(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UploadAvatar handles PUT /api/me/avatar with the raw image as the body.
func (h *Handler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, auth.MaxAvatarBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, auth.ErrAvatarTooLarge)
		return
	}
	if err != nil {
		writeError(w, r, errs.Wrap(errs.InvalidArgument, "could not read image", err))
		return
	}
	u, err := h.users.UploadAvatar(r.Context(), userID, image)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
