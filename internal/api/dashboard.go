package api

import (
	"net/http"
	"time"

	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/reconcile"
)

// QuoteInterval is how long each motivational quote stays up.
const QuoteInterval = 7 * time.Second

// Quotes rotate on the dashboard.
var Quotes = []string{
	"Catatan kecil hari ini adalah sejarah besar esok hari.",
	"Setiap ide besar dimulai dari satu baris tulisan.",
	"Jangan hanya berpikir, tuliskan.",
	"Tuangkan isi kepalamu, biarkan pikiranmu bebas.",
	"Apa yang akan kamu ciptakan hari ini?",
}

// QuoteAt returns the quote showing at t. Every client agrees on it.
func QuoteAt(t time.Time) string {
	slot := t.UnixMilli() / QuoteInterval.Milliseconds()
	return Quotes[int(slot%int64(len(Quotes)))]
}

// DashboardResponse is the dashboard's initial state.
type DashboardResponse struct {
	DisplayName     string       `json:"display_name"`
	AvatarURL       string       `json:"avatar_url"`
	Stats           notes.Stats  `json:"stats"`
	Recent          []notes.Note `json:"recent"`
	Quote           string       `json:"quote"`
	Quotes          []string     `json:"quotes"`
	QuoteIntervalMS int64        `json:"quote_interval_ms"`
}

// Dashboard handles GET /api/dashboard.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
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
	all, err := h.notes.List(r.Context(), reconcile.ViewDashboard.Filter())
	if err != nil {
		writeError(w, r, err)
		return
	}

	list := reconcile.New(reconcile.ViewDashboard, all)
	writeJSON(w, http.StatusOK, DashboardResponse{
		DisplayName:     u.DisplayName(),
		AvatarURL:       u.AvatarURL,
		Stats:           list.Stats(),
		Recent:          list.Recent(notes.DefaultRecentLimit),
		Quote:           QuoteAt(h.now()),
		Quotes:          Quotes,
		QuoteIntervalMS: QuoteInterval.Milliseconds(),
	})
}
