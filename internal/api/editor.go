package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kuitang/catatan/internal/autosave"
	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/realtime"
	"github.com/kuitang/catatan/internal/urlutil"
)

const (
	editorWriteWait  = 10 * time.Second
	editorPongWait   = 60 * time.Second
	editorPingPeriod = editorPongWait * 9 / 10
	editorMaxMessage = 2 << 20
	editorOutbox     = 32
)

// Editor message types.
const (
	MsgEdit   = "edit"
	MsgTrash  = "trash"
	MsgReady  = "ready"
	MsgStatus = "status"
	MsgError  = "error"
	MsgRemote = "remote"
	MsgClosed = "closed"
)

// Reasons an editor session is closed by the server.
const (
	ClosedTrashed = "trashed"
	ClosedDeleted = "deleted"
)

// ClientMessage is what the browser sends over the editor socket.
type ClientMessage struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ServerMessage is what the editor socket sends back.
type ServerMessage struct {
	Type    string          `json:"type"`
	Note    *notes.Note     `json:"note,omitempty"`
	Status  autosave.Status `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Title   string          `json:"title,omitempty"`
	Content string          `json:"content,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     urlutil.SameOrigin,
}

// Editor handles GET /api/notes/{id}/editor. The socket carries edits in
// and save status out; an autosave coordinator debounces the edits into
// saves, and changes made elsewhere are folded into the buffer.
func (h *Handler) Editor(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
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
	if n.Status == notes.StatusTrashed {
		writeError(w, r, errs.New(errs.FailedPrecondition, "note is in the trash"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		obs.From(r.Context()).Debug("api.editor_upgrade_failed", "error", err)
		return
	}

	ctx := obs.WithConnID(r.Context(), obs.NewConnID())
	s := &editorSession{
		h:      h,
		conn:   conn,
		userID: userID,
		noteID: id,
		// Subscribed before the first message so no change after the load is missed.
		sub:    h.hub.Subscribe(userID),
		out:    make(chan ServerMessage, editorOutbox),
		done:   make(chan struct{}),
		ctx:    ctx,
		log:    obs.From(ctx).With("note_id", id),
	}
	s.coord = autosave.New(id, snapshotOf(*n), autosave.SaverFunc(s.save),
		append(append([]autosave.Option{}, h.autosaveOpts...),
			autosave.WithContext(ctx),
			autosave.WithObserver(s.observe))...)

	s.log.Info("api.editor_opened")
	s.send(ServerMessage{Type: MsgReady, Note: n})
	s.run()
	s.log.Info("api.editor_closed")
}

func snapshotOf(n notes.Note) autosave.Snapshot {
	return autosave.Snapshot{Title: n.Title, Content: n.Body()}
}

type editorSession struct {
	h      *Handler
	conn   *websocket.Conn
	userID string
	noteID int64
	sub    *realtime.Subscription
	coord  *autosave.Coordinator
	ctx    context.Context
	log    *slog.Logger

	out      chan ServerMessage
	done     chan struct{}
	stopOnce sync.Once
}

func (s *editorSession) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// send queues msg for the writer. It gives up once the session is over.
func (s *editorSession) send(msg ServerMessage) {
	select {
	case s.out <- msg:
	case <-s.done:
	}
}

func (s *editorSession) save(ctx context.Context, id int64, snap autosave.Snapshot) error {
	_, err := s.h.notes.UpdateContent(ctx, id, snap.Title, snap.Content)
	return err
}

func (s *editorSession) observe(ev autosave.Event) {
	switch ev.Kind {
	case autosave.StatusChanged:
		s.send(ServerMessage{Type: MsgStatus, Status: ev.Status})
	case autosave.SaveFailed:
		s.send(ServerMessage{Type: MsgError, Message: errs.MessageOf(ev.Err)})
	case autosave.RemoteApplied:
		s.send(ServerMessage{Type: MsgRemote, Title: ev.Snapshot.Title, Content: ev.Snapshot.Content})
	}
}

// run drives the session until either side ends it, then releases the
// coordinator, the subscription and the socket.
func (s *editorSession) run() {
	written := make(chan struct{})
	read := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop()
	}()
	go func() {
		defer close(read)
		s.readLoop()
	}()

	s.relay()

	s.coord.Close()
	s.sub.Close()
	s.stop()
	<-written
	// Closing the socket unblocks the reader.
	_ = s.conn.Close()
	<-read
}

// relay applies changes to this note made elsewhere.
func (s *editorSession) relay() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case c, ok := <-s.sub.C:
			if !ok {
				if !errors.Is(s.sub.Err(), realtime.ErrOverflow) {
					return
				}
				// Missed changes; reload the note and carry on.
				s.sub = s.h.hub.Subscribe(s.userID)
				n, err := s.h.notes.Get(s.ctx, s.noteID)
				if err != nil {
					s.finish(ClosedDeleted)
					return
				}
				c = notes.Change{Kind: notes.ChangeUpdate, Note: *n}
			}
			if c.Note.ID != s.noteID {
				continue
			}
			switch {
			case c.Kind == notes.ChangeDelete:
				s.finish(ClosedDeleted)
				return
			case c.Note.Status == notes.StatusTrashed:
				s.finish(ClosedTrashed)
				return
			default:
				s.coord.ApplyRemote(snapshotOf(c.Note))
			}
		}
	}
}

// finish tells the client why the session ended. The writer closes the
// socket after sending it.
func (s *editorSession) finish(reason string) {
	s.coord.Close()
	s.send(ServerMessage{Type: MsgClosed, Reason: reason})
}

func (s *editorSession) readLoop() {
	defer s.stop()
	s.conn.SetReadLimit(editorMaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(editorPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(editorPongWait))
	})
	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("api.editor_read_failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case MsgEdit:
			s.coord.Edit(autosave.Snapshot{Title: msg.Title, Content: msg.Content})
		case MsgTrash:
			if _, err := s.h.notes.Trash(s.ctx, s.noteID); err != nil {
				s.log.Warn("api.editor_trash_failed", "error", err)
				s.send(ServerMessage{Type: MsgError, Message: errs.MessageOf(err)})
				continue
			}
			s.finish(ClosedTrashed)
			return
		default:
			s.send(ServerMessage{Type: MsgError, Message: "unknown message type"})
		}
	}
}

func (s *editorSession) writeLoop() {
	ping := time.NewTicker(editorPingPeriod)
	defer ping.Stop()
	defer s.stop()
	for {
		select {
		case <-s.done:
			s.flushClosed()
			return
		case msg := <-s.out:
			if err := s.write(msg); err != nil {
				return
			}
			if msg.Type == MsgClosed {
				s.closeFrame()
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(editorWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushClosed delivers a queued close notice after the session has ended so
// the client learns why.
func (s *editorSession) flushClosed() {
	for {
		select {
		case msg := <-s.out:
			if msg.Type != MsgClosed {
				continue
			}
			if s.write(msg) == nil {
				s.closeFrame()
			}
			return
		default:
			return
		}
	}
}

func (s *editorSession) write(msg ServerMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(editorWriteWait))
	return s.conn.WriteJSON(msg)
}

func (s *editorSession) closeFrame() {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(editorWriteWait))
}
