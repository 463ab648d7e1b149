package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type User struct {
	ID       string
	Username string
	Role     string
}

// Credentials checks a username and password.
type Credentials interface {
	Authenticate(ctx context.Context, username, password string) (User, error)
}

// SQLUsers reads the users table.
type SQLUsers struct{ db *sql.DB }

func NewSQLUsers(db *sql.DB) *SQLUsers { return &SQLUsers{db: db} }

func (s *SQLUsers) Authenticate(ctx context.Context, username, password string) (User, error) {
	var u User
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role FROM users WHERE username=$1`, username,
	).Scan(&u.ID, &u.Username, &hash, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Create stores a user with a bcrypt hash of password and returns its id.
func (s *SQLUsers) Create(ctx context.Context, username, password, role string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1,$2,$3,$4,$5)`,
		id, username, string(hash), role, time.Now().Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

// Role returns the stored role of the user with the given id or username.
func (s *SQLUsers) Role(ctx context.Context, sub string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1 OR username=$1`, sub).Scan(&role)
	return role, err
}

// Bootstrap admits one configured account, typically the site admin, ahead
// of the next source. A nil next rejects everyone else.
type Bootstrap struct {
	Username string
	Hash     string // bcrypt
	Role     string
	Next     Credentials
}

func (b Bootstrap) Authenticate(ctx context.Context, username, password string) (User, error) {
	if b.Username != "" && b.Hash != "" && username == b.Username {
		if bcrypt.CompareHashAndPassword([]byte(b.Hash), []byte(password)) != nil {
			return User{}, ErrInvalidCredentials
		}
		role := b.Role
		if role == "" {
			role = "admin"
		}
		return User{ID: b.Username, Username: b.Username, Role: role}, nil
	}
	if b.Next == nil {
		return User{}, ErrInvalidCredentials
	}
	return b.Next.Authenticate(ctx, username, password)
}
