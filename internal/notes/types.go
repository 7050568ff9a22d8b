package notes

import (
	"context"
	"fmt"
	"time"
)

// Status is a note's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusTrashed Status = "trashed"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusDone, StatusTrashed}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDone, StatusTrashed:
		return true
	}
	return false
}

// ParseStatus validates a client-supplied status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", rejected(fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// Note is one stored note. ID, UserID and CreatedAt never change after insert.
type Note struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   *string   `json:"content"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Body returns the content, treating NULL as empty.
func (n Note) Body() string {
	if n.Content == nil {
		return ""
	}
	return *n.Content
}

// Active reports whether the note is outside the trash.
func (n Note) Active() bool {
	return n.Status != StatusTrashed
}

// Newer orders notes newest first: later created_at, then higher id.
func Newer(a, b Note) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Filter selects notes by status. An empty filter matches every status.
type Filter struct {
	Statuses []Status
}

var (
	// FilterAny matches every note.
	FilterAny = Filter{}
	// FilterActive matches pending and done notes.
	FilterActive = Filter{Statuses: []Status{StatusPending, StatusDone}}
	// FilterTrash matches trashed notes.
	FilterTrash = Filter{Statuses: []Status{StatusTrashed}}
)

// Matches reports whether n passes the filter.
func (f Filter) Matches(n Note) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if n.Status == s {
			return true
		}
	}
	return false
}

// Stats summarises a user's non-trashed notes. Trashed is reported alongside.
type Stats struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Pending int `json:"pending"`
	Trashed int `json:"trashed"`
}

// ComputeStats derives Stats from a list of notes.
func ComputeStats(list []Note) Stats {
	var st Stats
	for _, n := range list {
		switch n.Status {
		case StatusDone:
			st.Done++
		case StatusPending:
			st.Pending++
		case StatusTrashed:
			st.Trashed++
		}
	}
	st.Total = st.Done + st.Pending
	return st
}

// RecentActive returns up to limit non-trashed notes from a newest-first list.
func RecentActive(list []Note, limit int) []Note {
	limit = max(limit, 0)
	out := make([]Note, 0, limit)
	for _, n := range list {
		if len(out) == limit {
			break
		}
		if n.Active() {
			out = append(out, n)
		}
	}
	return out
}

// ChangeKind names a row-level change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is a row-level change notification. Note holds the full row after
// the change; for deletes it is the row as it was just before removal.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Note Note       `json:"note"`
}

// Publisher fans changes out to subscribers of the note's owner.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// SessionProvider resolves the authenticated user for a request context.
type SessionProvider interface {
	CurrentUserID(ctx context.Context) (string, bool)
}
