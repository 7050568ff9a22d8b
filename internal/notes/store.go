package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/catatan/internal/db"
)

const noteColumns = `id, user_id, title, content, status, created_at, updated_at`

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title   *string
	Content *string
	Status  *Status
}

func (p Patch) empty() bool {
	return p.Title == nil && p.Content == nil && p.Status == nil
}

// Store is the SQL note store. Every query is scoped to one owner, so a
// note belonging to someone else is indistinguishable from a missing one.
type Store struct {
	db *db.DB
}

// NewStore returns a store over d.
func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var (
		n                  Note
		content            sql.NullString
		status             string
		createdAt, updated int64
	)
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &content, &status, &createdAt, &updated); err != nil {
		return Note{}, err
	}
	if content.Valid {
		c := content.String
		n.Content = &c
	}
	n.Status = Status(status)
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	n.UpdatedAt = time.UnixMilli(updated).UTC()
	return n, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Insert adds a pending note and returns the stored row.
func (s *Store) Insert(ctx context.Context, userID, title string, content *string, now time.Time) (Note, error) {
	ms := now.UnixMilli()
	res, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO notes (user_id, title, content, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, title, nullable(content), string(StatusPending), ms, ms)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Note{}, fmt.Errorf("insert note id: %w", err)
	}
	return Note{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: time.UnixMilli(ms).UTC(),
		UpdatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

// Get returns one note.
func (s *Store) Get(ctx context.Context, userID string, id int64) (Note, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ? AND user_id = ?`, id, userID)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, stale(id)
	}
	if err != nil {
		return Note{}, fmt.Errorf("get note %d: %w", id, err)
	}
	return n, nil
}

// Update applies p and returns the row as stored afterwards.
func (s *Store) Update(ctx context.Context, userID string, id int64, p Patch, now time.Time) (Note, error) {
	if p.empty() {
		return s.Get(ctx, userID, id)
	}

	sets := []string{"updated_at = ?"}
	args := []any{now.UnixMilli()}
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	args = append(args, id, userID)

	var out Note
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE notes SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
		if err != nil {
			return fmt.Errorf("update note %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update note %d: %w", id, err)
		} else if n == 0 {
			return stale(id)
		}
		out, err = scanNote(tx.QueryRowContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE id = ? AND user_id = ?`, id, userID))
		if err != nil {
			return fmt.Errorf("reload note %d: %w", id, err)
		}
		return nil
	})
	return out, err
}

// DeleteTrashed removes a note that is currently trashed and returns the
// row as it was.
func (s *Store) DeleteTrashed(ctx context.Context, userID string, id int64) (Note, error) {
	var out Note
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := scanNote(tx.QueryRowContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE id = ? AND user_id = ?`, id, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return stale(id)
		}
		if err != nil {
			return fmt.Errorf("load note %d: %w", id, err)
		}
		if n.Status != StatusTrashed {
			return conflict("only trashed notes can be deleted permanently")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM notes WHERE id = ? AND user_id = ? AND status = ?`, id, userID, string(StatusTrashed)); err != nil {
			return fmt.Errorf("delete note %d: %w", id, err)
		}
		out = n
		return nil
	})
	return out, err
}

// List returns the owner's notes matching f, newest first. limit <= 0
// means no limit.
func (s *Store) List(ctx context.Context, userID string, f Filter, limit int) ([]Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes WHERE user_id = ?`
	args := []any{userID}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	out := []Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return out, nil
}

// CountByStatus aggregates the owner's notes per status.
func (s *Store) CountByStatus(ctx context.Context, userID string) (Stats, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT status, count(*) FROM notes WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("count notes: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusDone:
			st.Done = n
		case StatusTrashed:
			st.Trashed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("count notes: %w", err)
	}
	st.Total = st.Pending + st.Done
	return st, nil
}
