package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/reconcile"
)

type sseEvent struct {
	name string
	data string
}

// sseReader reads events and comment lines from a stream response.
type sseReader struct {
	events chan sseEvent
}

func openStream(t *testing.T, s *apiServer, userID, view string) *sseReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/stream?view="+view, nil)
	require.NoError(t, err)
	req.Header.Set(testUserHeader, userID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := &sseReader{events: make(chan sseEvent, 64)}
	go func() {
		defer resp.Body.Close()
		defer close(r.events)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64<<10), 4<<20)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, ":"):
				r.events <- sseEvent{name: "comment", data: strings.TrimSpace(line[1:])}
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				r.events <- ev
				ev = sseEvent{}
			}
		}
	}()
	return r
}

// next returns the next event, skipping keepalive comments.
func (r *sseReader) next(t *testing.T) sseEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-r.events:
			require.True(t, ok, "stream ended")
			if ev.name == "comment" {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("timed out waiting for stream event")
		}
	}
}

func (r *sseReader) nextChange(t *testing.T) ChangeEvent {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, "change", ev.name)
	var c ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &c))
	return c
}

func TestStreamSnapshotThenChanges(t *testing.T) {
	s := newAPIServer(t)
	user := s.addUser(t, "")
	existing := s.createNote(t, user, "Sudah ada")

	stream := openStream(t, s, user, "all")
	ev := stream.next(t)
	require.Equal(t, "snapshot", ev.name)
	var snap reconcile.Snapshot
	require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
	require.Equal(t, reconcile.ViewAll, snap.View)
	require.Len(t, snap.Notes, 1)
	require.Equal(t, existing.ID, snap.Notes[0].ID)
	require.Equal(t, notes.Stats{Total: 1, Pending: 1}, snap.Stats)

	added := s.createNote(t, user, "Baru")
	c := stream.nextChange(t)
	require.Equal(t, notes.ChangeInsert, c.Kind)
	require.Equal(t, added.ID, c.Note.ID)
	require.Equal(t, notes.Stats{Total: 2, Pending: 2}, c.Stats)

	s.do(t, user, http.MethodPatch, "/api/notes/"+itoa(added.ID)+"/status", map[string]string{"status": "done"})
	c = stream.nextChange(t)
	require.Equal(t, notes.ChangeUpdate, c.Kind)
	require.Equal(t, notes.StatusDone, c.Note.Status)
	require.Equal(t, notes.Stats{Total: 2, Done: 1, Pending: 1}, c.Stats)

	// Trashing moves the note out of the view.
	s.do(t, user, http.MethodPatch, "/api/notes/"+itoa(existing.ID)+"/status", map[string]string{"status": "trashed"})
	c = stream.nextChange(t)
	require.Equal(t, existing.ID, c.Note.ID)
	require.Equal(t, notes.Stats{Total: 1, Done: 1}, c.Stats)
}

func TestStreamIgnoresOtherUsers(t *testing.T) {
	s := newAPIServer(t)
	alice := s.addUser(t, "")
	bob := s.addUser(t, "")

	stream := openStream(t, s, alice, "dashboard")
	require.Equal(t, "snapshot", stream.next(t).name)

	s.createNote(t, bob, "Punya Bob")
	mine := s.createNote(t, alice, "Punya Alice")
	c := stream.nextChange(t)
	require.Equal(t, mine.ID, c.Note.ID)
	require.Equal(t, alice, c.Note.UserID)
}

func TestStreamTrashView(t *testing.T) {
	s := newAPIServer(t)
	user := s.addUser(t, "")
	n := s.createNote(t, user, "Buang")

	stream := openStream(t, s, user, "trash")
	var snap reconcile.Snapshot
	require.NoError(t, json.Unmarshal([]byte(stream.next(t).data), &snap))
	require.Empty(t, snap.Notes)

	s.do(t, user, http.MethodPatch, "/api/notes/"+itoa(n.ID)+"/status", map[string]string{"status": "trashed"})
	c := stream.nextChange(t)
	require.Equal(t, n.ID, c.Note.ID)
	require.Equal(t, notes.StatusTrashed, c.Note.Status)

	s.do(t, user, http.MethodDelete, "/api/notes/"+itoa(n.ID), nil)
	c = stream.nextChange(t)
	require.Equal(t, notes.ChangeDelete, c.Kind)
	require.Equal(t, notes.Stats{}, c.Stats)
}

func TestStreamPings(t *testing.T) {
	s := newAPIServer(t, WithPingInterval(10*time.Millisecond))
	user := s.addUser(t, "")

	stream := openStream(t, s, user, "all")
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-stream.events:
			if ev.name == "comment" {
				require.Equal(t, "ping", ev.data)
				return
			}
		case <-timeout:
			t.Fatal("no keepalive")
		}
	}
}

func TestStreamRejectsUnknownView(t *testing.T) {
	s := newAPIServer(t)
	user := s.addUser(t, "")
	requireError(t, s.do(t, user, http.MethodGet, "/api/stream?view=nope", nil), http.StatusBadRequest, "invalid_argument")
}

func TestStreamEndsWithHub(t *testing.T) {
	s := newAPIServer(t)
	user := s.addUser(t, "")
	stream := openStream(t, s, user, "all")
	require.Equal(t, "snapshot", stream.next(t).name)

	s.hub.Close()
	eventually(t, func() bool {
		select {
		case _, ok := <-stream.events:
			return !ok
		default:
			return false
		}
	})
}
