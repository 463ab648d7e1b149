package auth_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	auth "github.com/mind-engage/mindengage-testengine/internal/auth/middleware"
	"github.com/mind-engage/mindengage-testengine/internal/db"
	"github.com/mind-engage/mindengage-testengine/internal/rbac"
)

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rbac.SubjectFromContext(r.Context()) + "|" + rbac.RoleFromContext(r.Context())))
	})
}

func TestJWTRoundTripAndMiddleware(t *testing.T) {
	a := auth.NewAuthService("test-secret", time.Hour)
	tok, err := a.IssueJWT("p1", "participant")
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Parse(tok)
	if err != nil || c.Sub != "p1" || c.Role != "participant" {
		t.Fatalf("claims = %+v, %v", c, err)
	}

	h := auth.JWTMiddleware(a)(echoPrincipal())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "p1|participant" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer code = %d", rec.Code)
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	a := auth.NewAuthService("test-secret", time.Millisecond)
	other := auth.NewAuthService("other-secret", time.Hour)
	foreign, _ := other.IssueJWT("p1", "admin")
	if _, err := a.Parse(foreign); err == nil {
		t.Fatalf("token signed with another secret accepted")
	}
	short, _ := a.IssueJWT("p1", "participant")
	time.Sleep(1100 * time.Millisecond)
	if _, err := a.Parse(short); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func openUsers(t *testing.T) *auth.SQLUsers {
	t.Helper()
	conn, err := db.Open(context.Background(), db.DriverSQLite, "file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return auth.NewSQLUsers(conn)
}

func TestLoginHandler(t *testing.T) {
	users := openUsers(t)
	id, err := users.Create(context.Background(), "ada", "s3cret", "participant")
	if err != nil {
		t.Fatal(err)
	}
	a := auth.NewAuthService("test-secret", time.Hour)
	h := auth.LoginHandler(a, users)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"ada","password":"s3cret"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login code = %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		AccessToken string `json:"access_token"`
		Subject     string `json:"sub"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	c, err := a.Parse(out.AccessToken)
	if err != nil || c.Sub != id || out.Subject != id {
		t.Fatalf("claims = %+v, %v", c, err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"ada","password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password code = %d", rec.Code)
	}
}

func TestBootstrapAdmin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("root-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	creds := auth.Bootstrap{Username: "admin", Hash: string(hash), Next: openUsers(t)}
	u, err := creds.Authenticate(context.Background(), "admin", "root-pass")
	if err != nil || u.Role != "admin" {
		t.Fatalf("admin = %+v, %v", u, err)
	}
	if _, err := creds.Authenticate(context.Background(), "admin", "guess"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong admin password: %v", err)
	}
	if _, err := creds.Authenticate(context.Background(), "nobody", "x"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

type roles map[string]string

func (r roles) Role(_ context.Context, sub string) (string, error) {
	if role, ok := r[sub]; ok {
		return role, nil
	}
	return "", sql.ErrNoRows
}

func TestAttachRoleFromStore(t *testing.T) {
	lookup := roles{"p1": "instructor"}
	serve := func(fallback bool, sub, claim string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := rbac.WithRole(rbac.WithSubject(req.Context(), sub), claim)
		rec := httptest.NewRecorder()
		auth.AttachRoleFromStore(lookup, fallback)(echoPrincipal()).ServeHTTP(rec, req.WithContext(ctx))
		return rec
	}

	if rec := serve(false, "p1", "participant"); rec.Body.String() != "p1|instructor" {
		t.Fatalf("stored role should win, got %q", rec.Body.String())
	}
	if rec := serve(false, "ghost", "participant"); rec.Code != http.StatusForbidden {
		t.Fatalf("unknown subject without fallback: %d", rec.Code)
	}
	if rec := serve(true, "ghost", "participant"); rec.Body.String() != "ghost|participant" {
		t.Fatalf("fallback keeps claim role, got %q", rec.Body.String())
	}
	if rec := serve(false, "admin", "admin"); rec.Code != http.StatusOK {
		t.Fatalf("bootstrap admin rejected: %d", rec.Code)
	}
}
