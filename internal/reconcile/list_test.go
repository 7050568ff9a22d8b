package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/catatan/internal/notes"
)

var base = time.UnixMilli(1_700_000_000_000).UTC()

func note(id int64, title string, status notes.Status) notes.Note {
	content := ""
	return notes.Note{
		ID:        id,
		UserID:    "u",
		Title:     title,
		Content:   &content,
		Status:    status,
		CreatedAt: base.Add(time.Duration(id) * time.Second),
		UpdatedAt: base.Add(time.Duration(id) * time.Second),
	}
}

func titles(list []notes.Note) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.Title
	}
	return out
}

func TestUpdateThenDelete(t *testing.T) {
	l := New(ViewDashboard, []notes.Note{note(1, "A", notes.StatusPending), note(2, "B", notes.StatusPending)})

	require.True(t, l.Apply(notes.Change{Kind: notes.ChangeUpdate, Note: note(2, "X", notes.StatusPending)}))
	require.Equal(t, []string{"X", "A"}, titles(l.Notes()))

	require.True(t, l.Apply(notes.Change{Kind: notes.ChangeDelete, Note: note(1, "A", notes.StatusPending)}))
	require.Equal(t, []string{"X"}, titles(l.Notes()))
}

func TestInsertIsIdempotent(t *testing.T) {
	l := New(ViewDashboard, nil)
	ins := notes.Change{Kind: notes.ChangeInsert, Note: note(5, "New", notes.StatusPending)}

	require.True(t, l.Apply(ins))
	require.Equal(t, []string{"New"}, titles(l.Notes()))

	require.False(t, l.Apply(ins))
	require.Equal(t, 1, l.Len())
}

func TestInsertOfKnownIDReplaces(t *testing.T) {
	l := New(ViewDashboard, []notes.Note{note(5, "Old", notes.StatusPending)})
	require.True(t, l.Apply(notes.Change{Kind: notes.ChangeInsert, Note: note(5, "Fresh", notes.StatusDone)}))
	require.Equal(t, []string{"Fresh"}, titles(l.Notes()))
	require.Equal(t, notes.Stats{Total: 1, Done: 1}, l.Stats())
}

func TestDashboardIgnoresUpdateOfAbsentNote(t *testing.T) {
	l := New(ViewDashboard, nil)
	require.False(t, l.Apply(notes.Change{Kind: notes.ChangeUpdate, Note: note(9, "ghost", notes.StatusPending)}))
	require.Zero(t, l.Len())
}

func TestDeleteOfAbsentNoteIsNoop(t *testing.T) {
	l := New(ViewAll, []notes.Note{note(1, "A", notes.StatusPending)})
	require.False(t, l.Apply(notes.Change{Kind: notes.ChangeDelete, Note: note(2, "B", notes.StatusTrashed)}))
	require.Equal(t, []string{"A"}, titles(l.Notes()))
}

func TestTrashingMovesBetweenViews(t *testing.T) {
	initial := []notes.Note{note(1, "A", notes.StatusPending), note(2, "B", notes.StatusDone)}
	all := New(ViewAll, initial)
	trash := New(ViewTrash, initial)
	dash := New(ViewDashboard, initial)
	require.Zero(t, trash.Len())

	trashed := notes.Change{Kind: notes.ChangeUpdate, Note: note(2, "B", notes.StatusTrashed)}
	for _, l := range []*List{all, trash, dash} {
		l.Apply(trashed)
	}

	require.Equal(t, []string{"A"}, titles(all.Notes()))
	require.Equal(t, []string{"B"}, titles(trash.Notes()))
	require.Equal(t, []string{"B", "A"}, titles(dash.Notes()))
	require.Equal(t, notes.Stats{Total: 1, Pending: 1, Trashed: 1}, dash.Stats())
	require.Equal(t, []string{"A"}, titles(dash.Recent(3)))

	restored := notes.Change{Kind: notes.ChangeUpdate, Note: note(2, "B", notes.StatusPending)}
	all.Apply(restored)
	trash.Apply(restored)
	require.Equal(t, []string{"B", "A"}, titles(all.Notes()))
	require.Zero(t, trash.Len())

	gone := notes.Change{Kind: notes.ChangeDelete, Note: note(2, "B", notes.StatusTrashed)}
	for _, l := range []*List{all, trash, dash} {
		l.Apply(gone)
	}
	require.Equal(t, []string{"A"}, titles(all.Notes()))
	require.Equal(t, []string{"A"}, titles(dash.Notes()))
}

func TestRecentClampsNegativeLimit(t *testing.T) {
	l := New(ViewDashboard, []notes.Note{note(1, "A", notes.StatusPending)})
	require.Empty(t, l.Recent(-1))
	require.Empty(t, notes.RecentActive([]notes.Note{note(1, "A", notes.StatusPending)}, -3))
}

func TestNewDropsDuplicatesAndOrders(t *testing.T) {
	l := New(ViewAll, []notes.Note{
		note(1, "A", notes.StatusPending),
		note(3, "C", notes.StatusTrashed),
		note(2, "B", notes.StatusPending),
		note(1, "A2", notes.StatusDone),
	})
	require.Equal(t, []string{"B", "A2"}, titles(l.Notes()))
}

func TestCustomOrder(t *testing.T) {
	byTitle := func(a, b notes.Note) bool { return a.Title < b.Title }
	l := New(ViewDashboard, []notes.Note{note(1, "b", notes.StatusPending), note(2, "c", notes.StatusPending)}, WithOrder(byTitle))
	l.Apply(notes.Change{Kind: notes.ChangeInsert, Note: note(3, "a", notes.StatusPending)})
	require.Equal(t, []string{"a", "b", "c"}, titles(l.Notes()))

	l.Apply(notes.Change{Kind: notes.ChangeUpdate, Note: note(3, "d", notes.StatusPending)})
	require.Equal(t, []string{"b", "c", "d"}, titles(l.Notes()))
}

func TestParseView(t *testing.T) {
	for in, want := range map[string]View{"": ViewDashboard, "dashboard": ViewDashboard, "all": ViewAll, "trash": ViewTrash} {
		got, err := ParseView(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseView("archive")
	require.Error(t, err)
}

func drawChange(t *rapid.T, label string) notes.Change {
	kind := rapid.SampledFrom([]notes.ChangeKind{notes.ChangeInsert, notes.ChangeUpdate, notes.ChangeDelete}).Draw(t, label+"_kind")
	id := rapid.Int64Range(1, 8).Draw(t, label+"_id")
	title := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, label+"_title")
	status := rapid.SampledFrom(notes.Statuses).Draw(t, label+"_status")
	return notes.Change{Kind: kind, Note: note(id, title, status)}
}

func drawView(t *rapid.T) View {
	return rapid.SampledFrom([]View{ViewDashboard, ViewAll, ViewTrash}).Draw(t, "view")
}

func testApplyTwiceEqualsOnce(t *rapid.T) {
	view := drawView(t)
	l := New(view, nil)
	n := rapid.IntRange(0, 20).Draw(t, "n")
	for i := 0; i < n; i++ {
		l.Apply(drawChange(t, "prefix"))
	}

	c := drawChange(t, "c")
	l.Apply(c)
	once := l.Notes()
	if l.Apply(c) {
		t.Fatalf("second apply of %+v reported a change", c)
	}
	require.Equal(t, once, l.Notes())
}

func TestApplyTwiceEqualsOnce(t *testing.T) {
	rapid.Check(t, testApplyTwiceEqualsOnce)
}

func testListInvariants(t *rapid.T) {
	view := drawView(t)
	l := New(view, nil)
	n := rapid.IntRange(0, 40).Draw(t, "n")
	for i := 0; i < n; i++ {
		l.Apply(drawChange(t, "c"))

		snap := l.Snapshot()
		seen := map[int64]bool{}
		for j, item := range snap.Notes {
			if seen[item.ID] {
				t.Fatalf("duplicate id %d", item.ID)
			}
			seen[item.ID] = true
			if !view.Filter().Matches(item) {
				t.Fatalf("note %d with status %s in view %s", item.ID, item.Status, view)
			}
			if j > 0 && notes.Newer(item, snap.Notes[j-1]) {
				t.Fatalf("out of order at %d", j)
			}
		}
		if snap.Stats != notes.ComputeStats(snap.Notes) {
			t.Fatalf("stats %+v drifted from list", snap.Stats)
		}
	}
}

func TestListInvariants(t *testing.T) {
	rapid.Check(t, testListInvariants)
}
