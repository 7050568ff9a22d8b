package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/catatan/internal/auth"
	"github.com/kuitang/catatan/internal/db"
	"github.com/kuitang/catatan/internal/email"
	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/realtime"
	"github.com/kuitang/catatan/internal/testdb"
)

// testUserHeader carries the signed-in user in tests; the real server uses
// the session cookie.
const testUserHeader = "X-Test-User"

type apiServer struct {
	*httptest.Server
	db    *db.DB
	hub   *realtime.Hub
	notes *notes.Service
	users *auth.UserService
}

func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get(testUserHeader); userID != "" {
			r = r.WithContext(auth.WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func newAPIServer(t *testing.T, opts ...Option) *apiServer {
	t.Helper()
	d := testdb.New(t)
	hub := realtime.NewHub(realtime.DefaultBuffer)
	t.Cleanup(hub.Close)
	notesSvc := notes.NewService(d, auth.ContextSessions{}, notes.WithPublisher(hub))
	users := auth.NewUserService(d, email.NewMockEmailService(), "https://catatan.test", auth.FakeInsecureHasher{})

	mux := http.NewServeMux()
	NewHandler(notesSvc, users, hub, opts...).RegisterRoutes(mux)
	srv := httptest.NewServer(fakeAuth(mux))
	t.Cleanup(srv.Close)
	return &apiServer{Server: srv, db: d, hub: hub, notes: notesSvc, users: users}
}

var userSeq atomic.Int64

// addUser inserts a verified account and returns its id.
func (s *apiServer) addUser(t *testing.T, fullName string) string {
	t.Helper()
	id := fmt.Sprintf("user-%d", userSeq.Add(1))
	_, err := s.db.SQL().Exec(
		`INSERT INTO users (id, email, full_name, email_verified_at, created_at) VALUES (?, ?, ?, 0, 0)`,
		id, id+"@example.com", fullName)
	require.NoError(t, err)
	return id
}

func (s *apiServer) do(t *testing.T, userID, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(testUserHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// createNote creates a note through the API and returns it.
func (s *apiServer) createNote(t *testing.T, userID, title string) notes.Note {
	t.Helper()
	resp := s.do(t, userID, http.MethodPost, "/api/notes", map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[notes.Note](t, resp)
}

func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.NotEmpty(t, body["error"])
	require.Equal(t, code, body["code"])
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func authedContext(t *testing.T, userID string) context.Context {
	return auth.WithUserID(t.Context(), userID)
}
