// Package reconcile keeps an in-memory, ordered, de-duplicated list of notes
// consistent with a stream of row-level changes. Applying a change is
// idempotent, and derived values (stats, recent notes) are recomputed from
// the list on every read, so they never drift from it.
package reconcile

import (
	"slices"
	"sync"

	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/notes"
)

// View names a list the client can watch.
type View string

const (
	// ViewDashboard holds every note. Stats and recent notes skip the trash.
	ViewDashboard View = "dashboard"
	// ViewAll holds pending and done notes.
	ViewAll View = "all"
	// ViewTrash holds trashed notes.
	ViewTrash View = "trash"
)

// ParseView validates a view name. Empty means ViewDashboard.
func ParseView(s string) (View, error) {
	switch v := View(s); v {
	case "":
		return ViewDashboard, nil
	case ViewDashboard, ViewAll, ViewTrash:
		return v, nil
	}
	return "", errs.Newf(errs.InvalidArgument, "unknown view %q", s)
}

// Filter returns the status filter that defines v's membership.
func (v View) Filter() notes.Filter {
	switch v {
	case ViewAll:
		return notes.FilterActive
	case ViewTrash:
		return notes.FilterTrash
	}
	return notes.FilterAny
}

// List is the reconciled list for one view. It is safe for concurrent use.
type List struct {
	mu     sync.Mutex
	view   View
	filter notes.Filter
	less   func(a, b notes.Note) bool
	items  []notes.Note
}

// Option configures a List.
type Option func(*List)

// WithOrder replaces the default newest-first ordering.
func WithOrder(less func(a, b notes.Note) bool) Option {
	return func(l *List) { l.less = less }
}

// New builds a list for view from an initial query result. Duplicates and
// notes outside the view are dropped.
func New(view View, initial []notes.Note, opts ...Option) *List {
	l := &List{view: view, filter: view.Filter(), less: notes.Newer}
	for _, opt := range opts {
		opt(l)
	}
	l.Reset(initial)
	return l
}

// View returns the list's view.
func (l *List) View() View {
	return l.view
}

// Reset replaces the contents with a fresh query result.
func (l *List) Reset(initial []notes.Note) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[int64]int, len(initial))
	items := make([]notes.Note, 0, len(initial))
	for _, n := range initial {
		if !l.filter.Matches(n) {
			continue
		}
		if i, ok := seen[n.ID]; ok {
			items[i] = n
			continue
		}
		seen[n.ID] = len(items)
		items = append(items, n)
	}
	slices.SortStableFunc(items, l.compare)
	l.items = items
}

func (l *List) compare(a, b notes.Note) int {
	switch {
	case l.less(a, b):
		return -1
	case l.less(b, a):
		return 1
	}
	return 0
}

// Apply folds one change into the list and reports whether it changed.
//
// Insert adds the note in order, or replaces the local copy when the id is
// already present. Update replaces a present note and ignores an absent
// one. Delete removes a present note. In the filtered views the filter is
// authoritative: an update that leaves the filter removes the note and an
// update that enters it admits the note.
func (l *List) Apply(c notes.Change) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(c.Note.ID)
	switch c.Kind {
	case notes.ChangeInsert:
		if !l.filter.Matches(c.Note) {
			return l.removeLocked(idx)
		}
		if idx >= 0 {
			return l.replaceLocked(idx, c.Note)
		}
		l.insertLocked(c.Note)
		return true

	case notes.ChangeUpdate:
		if idx < 0 {
			if l.view != ViewDashboard && l.filter.Matches(c.Note) {
				l.insertLocked(c.Note)
				return true
			}
			return false
		}
		if !l.filter.Matches(c.Note) {
			return l.removeLocked(idx)
		}
		return l.replaceLocked(idx, c.Note)

	case notes.ChangeDelete:
		return l.removeLocked(idx)
	}
	return false
}

func (l *List) indexLocked(id int64) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *List) insertLocked(n notes.Note) {
	at, _ := slices.BinarySearchFunc(l.items, n, l.compare)
	l.items = slices.Insert(l.items, at, n)
}

// replaceLocked swaps in n, moving it if its ordering key changed.
func (l *List) replaceLocked(idx int, n notes.Note) bool {
	old := l.items[idx]
	if noteEqual(old, n) {
		return false
	}
	if l.compare(old, n) == 0 {
		l.items[idx] = n
		return true
	}
	l.items = slices.Delete(l.items, idx, idx+1)
	l.insertLocked(n)
	return true
}

func (l *List) removeLocked(idx int) bool {
	if idx < 0 {
		return false
	}
	l.items = slices.Delete(l.items, idx, idx+1)
	return true
}

func noteEqual(a, b notes.Note) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.Title == b.Title &&
		a.Status == b.Status &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		(a.Content == nil) == (b.Content == nil) &&
		a.Body() == b.Body()
}

// Notes returns a copy of the list in order.
func (l *List) Notes() []notes.Note {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.items)
}

// Len returns the number of notes held.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Stats recounts the list.
func (l *List) Stats() notes.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return notes.ComputeStats(l.items)
}

// Recent returns up to n newest non-trashed notes.
func (l *List) Recent(n int) []notes.Note {
	l.mu.Lock()
	defer l.mu.Unlock()
	return notes.RecentActive(l.items, n)
}

// Snapshot is a consistent copy of the list and its derived values.
type Snapshot struct {
	View  View         `json:"view"`
	Notes []notes.Note `json:"notes"`
	Stats notes.Stats  `json:"stats"`
}

// Snapshot returns the list and its stats read under one lock.
func (l *List) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		View:  l.view,
		Notes: append([]notes.Note{}, l.items...),
		Stats: notes.ComputeStats(l.items),
	}
}
