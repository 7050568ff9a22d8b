package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kuitang/catatan/internal/db"
	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/testdb"
	"pgregory.net/rapid"
)

type userKey struct{}

// ctxSessions reads the user id straight from the context.
type ctxSessions struct{}

func (ctxSessions) CurrentUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok
}

func asUser(userID string) context.Context {
	return context.WithValue(context.Background(), userKey{}, userID)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
}

func (p *recordingPublisher) Publish(_ context.Context, c Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) all() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Change(nil), p.changes...)
}

type tickingClock struct {
	ms atomic.Int64
}

func (c *tickingClock) Now() time.Time {
	return time.UnixMilli(1_700_000_000_000 + c.ms.Add(1)).UTC()
}

var userSeq atomic.Int64

func addUser(t interface{ Fatalf(string, ...any) }, d *db.DB) string {
	id := fmt.Sprintf("user-%d", userSeq.Add(1))
	if _, err := d.SQL().Exec(`INSERT INTO users (id, email, created_at) VALUES (?, ?, 0)`, id, id+"@example.com"); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func newTestService(t testing.TB) (*Service, *recordingPublisher, *db.DB) {
	t.Helper()
	d := testdb.New(t)
	pub := &recordingPublisher{}
	clock := &tickingClock{}
	return NewService(d, ctxSessions{}, WithPublisher(pub), WithClock(clock.Now)), pub, d
}

func titleGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z0-9][A-Za-z0-9 ]{0,40}`)
}

func contentGenerator() *rapid.Generator[string] {
	return rapid.OneOf(rapid.Just(""), rapid.StringMatching(`[A-Za-z0-9 .,!?\n#*-]{1,200}`))
}

func TestUnauthenticatedCallsNeverReachStore(t *testing.T) {
	svc, pub, d := newTestService(t)
	owner := addUser(t, d)
	n, err := svc.Create(asUser(owner), "kept")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	anon := context.Background()
	calls := map[string]func() error{
		"create":  func() error { _, err := svc.Create(anon, "x"); return err },
		"get":     func() error { _, err := svc.Get(anon, n.ID); return err },
		"list":    func() error { _, err := svc.List(anon, FilterAny); return err },
		"update":  func() error { _, err := svc.UpdateContent(anon, n.ID, "x", "y"); return err },
		"status":  func() error { _, err := svc.SetStatus(anon, n.ID, StatusDone); return err },
		"delete":  func() error { return svc.DeletePermanently(anon, n.ID) },
		"stats":   func() error { _, err := svc.Stats(anon); return err },
		"recent":  func() error { _, err := svc.Recent(anon, 3); return err },
		"empty":   func() error { _, err := svc.Create(asUser(""), "x"); return err },
		"restore": func() error { _, err := svc.Restore(anon, n.ID); return err },
		// Bad input from an anonymous caller is still refused for the session.
		"update invalid": func() error {
			_, err := svc.UpdateContent(anon, n.ID, "  ", strings.Repeat("x", MaxContentBytes+1))
			return err
		},
		"status invalid": func() error { _, err := svc.SetStatus(anon, n.ID, Status("archived")); return err },
	}
	for name, call := range calls {
		err := call()
		if !errors.Is(err, ErrAuthRequired) {
			t.Errorf("%s: err = %v, want ErrAuthRequired", name, err)
		}
		if errs.CodeOf(err) != errs.Unauthenticated {
			t.Errorf("%s: code = %s", name, errs.CodeOf(err))
		}
	}
	if got := len(pub.all()); got != 1 {
		t.Fatalf("published %d changes, want only the authenticated create", got)
	}
	stored, _ := svc.Get(asUser(owner), n.ID)
	if stored.Title != "kept" {
		t.Fatalf("note modified by unauthenticated call: %+v", stored)
	}
}

func TestCreateDefaults(t *testing.T) {
	svc, pub, d := newTestService(t)
	ctx := asUser(addUser(t, d))

	n, err := svc.Create(ctx, "Belanja")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.Status != StatusPending || n.Content == nil || *n.Content != "" {
		t.Fatalf("unexpected defaults: %+v", n)
	}
	got, err := svc.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(n.CreatedAt) || got.Title != "Belanja" {
		t.Fatalf("stored %+v, returned %+v", got, n)
	}
	changes := pub.all()
	if len(changes) != 1 || changes[0].Kind != ChangeInsert || changes[0].Note.ID != n.ID {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestCreateRejectsBlankTitle(t *testing.T) {
	svc, _, d := newTestService(t)
	ctx := asUser(addUser(t, d))
	for _, title := range []string{"", "   ", strings.Repeat("x", MaxTitleBytes+1)} {
		_, err := svc.Create(ctx, title)
		if !errors.Is(err, ErrWriteRejected) || errs.CodeOf(err) != errs.InvalidArgument {
			t.Errorf("Create(%q) err = %v", title, err)
		}
	}
}

func TestUpdateContentRejectsOversizedContent(t *testing.T) {
	svc, _, d := newTestService(t)
	ctx := asUser(addUser(t, d))
	n, _ := svc.Create(ctx, "t")

	_, err := svc.UpdateContent(ctx, n.ID, "t", strings.Repeat("a", MaxContentBytes+1))
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("err = %v", err)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	svc, pub, d := newTestService(t)
	alice := asUser(addUser(t, d))
	bob := asUser(addUser(t, d))

	n, _ := svc.Create(alice, "private")
	svc.Trash(alice, n.ID)
	before := len(pub.all())

	if _, err := svc.Get(bob, n.ID); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("bob get err = %v", err)
	}
	if _, err := svc.UpdateContent(bob, n.ID, "hijack", ""); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("bob update err = %v", err)
	}
	if err := svc.DeletePermanently(bob, n.ID); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("bob delete err = %v", err)
	}
	list, _ := svc.List(bob, FilterAny)
	if len(list) != 0 {
		t.Fatalf("bob sees %d notes", len(list))
	}
	if len(pub.all()) != before {
		t.Fatal("rejected writes published changes")
	}
}

func TestStaleReferenceIsWriteRejected(t *testing.T) {
	svc, _, d := newTestService(t)
	ctx := asUser(addUser(t, d))

	_, err := svc.UpdateContent(ctx, 9999, "t", "c")
	if !errors.Is(err, ErrStaleReference) || !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("err = %v", err)
	}
	if errs.CodeOf(err) != errs.NotFound {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestDeletePermanentlyRequiresTrash(t *testing.T) {
	svc, pub, d := newTestService(t)
	ctx := asUser(addUser(t, d))
	n, _ := svc.Create(ctx, "doomed")

	err := svc.DeletePermanently(ctx, n.ID)
	if !errors.Is(err, ErrWriteRejected) || errs.CodeOf(err) != errs.FailedPrecondition {
		t.Fatalf("delete of pending note err = %v", err)
	}
	if _, err := svc.Get(ctx, n.ID); err != nil {
		t.Fatalf("note vanished after rejected delete: %v", err)
	}

	if _, err := svc.Trash(ctx, n.ID); err != nil {
		t.Fatalf("trash: %v", err)
	}
	if err := svc.DeletePermanently(ctx, n.ID); err != nil {
		t.Fatalf("delete trashed: %v", err)
	}
	if _, err := svc.Get(ctx, n.ID); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("get after delete err = %v", err)
	}
	if err := svc.DeletePermanently(ctx, n.ID); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("second delete err = %v", err)
	}

	changes := pub.all()
	last := changes[len(changes)-1]
	if last.Kind != ChangeDelete || last.Note.ID != n.ID || last.Note.Status != StatusTrashed {
		t.Fatalf("last change = %+v", last)
	}
}

func TestTrashRestoreAndViews(t *testing.T) {
	svc, _, d := newTestService(t)
	ctx := asUser(addUser(t, d))

	a, _ := svc.Create(ctx, "a")
	b, _ := svc.Create(ctx, "b")
	c, _ := svc.Create(ctx, "c")
	svc.SetStatus(ctx, b.ID, StatusDone)
	svc.Trash(ctx, c.ID)

	active, _ := svc.List(ctx, FilterActive)
	if len(active) != 2 || active[0].ID != b.ID || active[1].ID != a.ID {
		t.Fatalf("active = %+v", active)
	}
	trash, _ := svc.List(ctx, FilterTrash)
	if len(trash) != 1 || trash[0].ID != c.ID {
		t.Fatalf("trash = %+v", trash)
	}
	st, _ := svc.Stats(ctx)
	if st != (Stats{Total: 2, Done: 1, Pending: 1, Trashed: 1}) {
		t.Fatalf("stats = %+v", st)
	}

	restored, err := svc.Restore(ctx, c.ID)
	if err != nil || restored.Status != StatusPending {
		t.Fatalf("restore = %+v, %v", restored, err)
	}
	recent, _ := svc.Recent(ctx, 2)
	if len(recent) != 2 || recent[0].ID != c.ID || recent[1].ID != b.ID {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestSetStatusRejectsUnknown(t *testing.T) {
	svc, _, d := newTestService(t)
	ctx := asUser(addUser(t, d))
	n, _ := svc.Create(ctx, "x")
	if _, err := svc.SetStatus(ctx, n.ID, Status("archived")); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("err = %v", err)
	}
}

func testUpdatePreservesIdentity(t *rapid.T) {
	d, err := testdb.NewInMemory()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer d.Close()
	clock := &tickingClock{}
	pub := &recordingPublisher{}
	svc := NewService(d, ctxSessions{}, WithPublisher(pub), WithClock(clock.Now))
	user := addUser(t, d)
	ctx := asUser(user)

	n, err := svc.Create(ctx, titleGenerator().Draw(t, "title"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := rapid.IntRange(1, 10).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		var got *Note
		if rapid.Bool().Draw(t, "content_edit") {
			title := titleGenerator().Draw(t, "new_title")
			content := contentGenerator().Draw(t, "new_content")
			got, err = svc.UpdateContent(ctx, n.ID, title, content)
			if err == nil && (got.Title != title || got.Body() != content) {
				t.Fatalf("update returned %+v", got)
			}
		} else {
			got, err = svc.SetStatus(ctx, n.ID, rapid.SampledFrom(Statuses).Draw(t, "status"))
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.ID != n.ID || got.UserID != user || !got.CreatedAt.Equal(n.CreatedAt) {
			t.Fatalf("identity changed: before %+v after %+v", n, got)
		}
	}
	if len(pub.all()) != steps+1 {
		t.Fatalf("published %d changes for %d writes", len(pub.all()), steps+1)
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	rapid.Check(t, testUpdatePreservesIdentity)
}

func testStatsMatchList(t *rapid.T) {
	d, err := testdb.NewInMemory()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer d.Close()
	clock := &tickingClock{}
	svc := NewService(d, ctxSessions{}, WithClock(clock.Now))
	ctx := asUser(addUser(t, d))

	for i, n := 0, rapid.IntRange(0, 12).Draw(t, "n"); i < n; i++ {
		note, err := svc.Create(ctx, fmt.Sprintf("note %d", i))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.SetStatus(ctx, note.ID, rapid.SampledFrom(Statuses).Draw(t, "status")); err != nil {
			t.Fatalf("status: %v", err)
		}
	}

	all, _ := svc.List(ctx, FilterAny)
	st, _ := svc.Stats(ctx)
	if got := ComputeStats(all); got != st {
		t.Fatalf("ComputeStats %+v != CountByStatus %+v", got, st)
	}
	for i := 1; i < len(all); i++ {
		if !Newer(all[i-1], all[i]) {
			t.Fatalf("list not newest first at %d", i)
		}
	}
	recent, _ := svc.Recent(ctx, DefaultRecentLimit)
	want := RecentActive(all, DefaultRecentLimit)
	if len(recent) != len(want) {
		t.Fatalf("recent %d, want %d", len(recent), len(want))
	}
	for i := range want {
		if recent[i].ID != want[i].ID {
			t.Fatalf("recent[%d] = %d, want %d", i, recent[i].ID, want[i].ID)
		}
	}
}

func TestStatsMatchList(t *testing.T) {
	rapid.Check(t, testStatsMatchList)
}

func TestFilterMatches(t *testing.T) {
	pending := Note{Status: StatusPending}
	trashed := Note{Status: StatusTrashed}
	if !FilterAny.Matches(trashed) || !FilterActive.Matches(pending) || FilterActive.Matches(trashed) {
		t.Fatal("filter mismatch")
	}
	if !FilterTrash.Matches(trashed) || FilterTrash.Matches(pending) {
		t.Fatal("trash filter mismatch")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		if got, err := ParseStatus(string(s)); err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("PENDING"); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("case-insensitive status accepted: %v", err)
	}
}
