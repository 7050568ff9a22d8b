package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/realtime"
	"github.com/kuitang/catatan/internal/reconcile"
)

// ChangeEvent is one reconciled change with the stats it produced.
type ChangeEvent struct {
	Kind  notes.ChangeKind `json:"kind"`
	Note  notes.Note       `json:"note"`
	Stats notes.Stats      `json:"stats"`
}

// Stream handles GET /api/stream?view=... as Server-Sent Events. It sends a
// snapshot of the view, then every change that alters it. A subscriber that
// falls behind is resubscribed and sent a fresh snapshot.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := reconcile.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errs.New(errs.Internal, "streaming unsupported"))
		return
	}

	ctx := r.Context()
	log := obs.From(ctx).With("view", view)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Debug("api.stream_opened")

	for {
		err := h.streamOnce(ctx, w, flusher, userID, view)
		if errors.Is(err, realtime.ErrOverflow) {
			log.Info("api.stream_resync")
			continue
		}
		if err != nil && ctx.Err() == nil {
			log.Warn("api.stream_ended", "error", err)
			_ = writeEvent(w, "error", ErrorResponse{Error: errs.MessageOf(err), Code: errs.CodeOf(err)})
			flusher.Flush()
		}
		log.Debug("api.stream_closed")
		return
	}
}

// streamOnce subscribes, sends a snapshot and relays changes until the
// client leaves or the subscription ends. Subscribing before loading means
// no change between the two is lost; replays are absorbed by the list.
func (h *Handler) streamOnce(ctx context.Context, w io.Writer, flusher http.Flusher, userID string, view reconcile.View) error {
	sub := h.hub.Subscribe(userID)
	defer sub.Close()

	initial, err := h.notes.List(ctx, view.Filter())
	if err != nil {
		return err
	}
	list := reconcile.New(view, initial)
	if err := writeEvent(w, "snapshot", list.Snapshot()); err != nil {
		return nil
	}
	flusher.Flush()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case c, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, realtime.ErrHubClosed) {
					return err
				}
				return nil
			}
			if !list.Apply(c) {
				continue
			}
			if err := writeEvent(w, "change", ChangeEvent{Kind: c.Kind, Note: c.Note, Stats: list.Stats()}); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
