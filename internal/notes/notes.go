// Package notes is the session-gated note store: create, edit, move between
// pending/done/trashed, permanently delete, and publish a change for every
// successful write.
package notes

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuitang/catatan/internal/db"
	"github.com/kuitang/catatan/internal/logutil"
	"github.com/kuitang/catatan/internal/obs"
)

// DefaultRecentLimit is how many notes the dashboard shows.
const DefaultRecentLimit = 3

// Service applies authorization, validation and change publishing around Store.
type Service struct {
	store     *Store
	sessions  SessionProvider
	publisher Publisher
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets where change notifications go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// NewService builds a Service. Without a publisher changes are dropped.
func NewService(d *db.DB, sessions SessionProvider, opts ...Option) *Service {
	s := &Service{
		store:    NewStore(d),
		sessions: sessions,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) user(ctx context.Context) (string, error) {
	if s.sessions == nil {
		return "", authRequired()
	}
	userID, ok := s.sessions.CurrentUserID(ctx)
	if !ok || userID == "" {
		return "", authRequired()
	}
	return userID, nil
}

func (s *Service) publish(ctx context.Context, kind ChangeKind, n Note) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, Change{Kind: kind, Note: n}); err != nil {
		// The write is committed; subscribers resync on their next snapshot.
		obs.From(ctx).Warn("notes.publish_failed", "kind", kind, "note_id", n.ID, "error", err)
	}
}

// Create inserts a pending note with the given title and empty content.
func (s *Service) Create(ctx context.Context, title string) (*Note, error) {
	return s.CreateWithContent(ctx, title, "")
}

// CreateWithContent inserts a pending note with title and content.
func (s *Service) CreateWithContent(ctx context.Context, title, content string) (*Note, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkTitle(title, true); err != nil {
		return nil, err
	}
	if err := checkContent(content); err != nil {
		return nil, err
	}

	n, err := s.store.Insert(ctx, userID, title, &content, s.now())
	if err != nil {
		return nil, err
	}
	obs.From(ctx).Info("notes.created", "note_id", n.ID, "title", logutil.TruncateForLog(title, 40))
	s.publish(ctx, ChangeInsert, n)
	return &n, nil
}

// Get returns one of the caller's notes.
func (s *Service) Get(ctx context.Context, id int64) (*Note, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	n, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// List returns the caller's notes matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Note, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, userID, f, 0)
}

// UpdateContent replaces title and content together.
func (s *Service) UpdateContent(ctx context.Context, id int64, title, content string) (*Note, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkTitle(title, false); err != nil {
		return nil, err
	}
	if err := checkContent(content); err != nil {
		return nil, err
	}
	return s.update(ctx, userID, id, Patch{Title: &title, Content: &content})
}

// SetStatus moves a note between pending, done and trashed. Any transition
// is allowed.
func (s *Service) SetStatus(ctx context.Context, id int64, status Status) (*Note, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, rejected("unknown status " + string(status))
	}
	return s.update(ctx, userID, id, Patch{Status: &status})
}

// Trash moves a note to the trash.
func (s *Service) Trash(ctx context.Context, id int64) (*Note, error) {
	return s.SetStatus(ctx, id, StatusTrashed)
}

// Restore takes a note out of the trash as pending.
func (s *Service) Restore(ctx context.Context, id int64) (*Note, error) {
	return s.SetStatus(ctx, id, StatusPending)
}

func (s *Service) update(ctx context.Context, userID string, id int64, p Patch) (*Note, error) {
	n, err := s.store.Update(ctx, userID, id, p, s.now())
	if err != nil {
		return nil, err
	}
	attrs := []any{"note_id", n.ID, "status", n.Status}
	if p.Content != nil {
		attrs = append(attrs, "content_bytes", len(*p.Content))
	}
	obs.From(ctx).Debug("notes.updated", attrs...)
	s.publish(ctx, ChangeUpdate, n)
	return &n, nil
}

// DeletePermanently removes a trashed note. Notes outside the trash are
// rejected with a failed-precondition error.
func (s *Service) DeletePermanently(ctx context.Context, id int64) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	n, err := s.store.DeleteTrashed(ctx, userID, id)
	if err != nil {
		return err
	}
	obs.From(ctx).Info("notes.deleted", "note_id", id)
	s.publish(ctx, ChangeDelete, n)
	return nil
}

// Stats counts the caller's notes by status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return Stats{}, err
	}
	return s.store.CountByStatus(ctx, userID)
}

// Recent returns the caller's newest non-trashed notes.
func (s *Service) Recent(ctx context.Context, limit int) ([]Note, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.store.List(ctx, userID, FilterActive, limit)
}

// LogValue keeps note bodies out of logs.
func (n Note) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", n.ID),
		slog.String("status", string(n.Status)),
		slog.Int("content_bytes", len(n.Body())),
	)
}
