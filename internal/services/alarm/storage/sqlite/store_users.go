package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage"
)

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, fmt.Errorf("username is required")
	}
	if passwordHash == "" {
		return domain.User{}, fmt.Errorf("password hash is required")
	}

	userID, err := newID()
	if err != nil {
		return domain.User{}, err
	}
	createdAt := s.now().UTC()

	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		userID, username, passwordHash, toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, storage.ErrUsernameTaken
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}

	return domain.User{ID: userID, Username: username, CreatedAt: createdAt}, nil
}

// FindUserByUsername returns the account and password hash for login.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (storage.Credential, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ?",
		strings.TrimSpace(username),
	)

	var cred storage.Credential
	var createdAt int64
	if err := row.Scan(&cred.User.ID, &cred.User.Username, &cred.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("find user by username: %w", err)
	}
	cred.User.CreatedAt = fromMillis(createdAt)
	return cred, nil
}

// GetUser returns the account by id.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM users WHERE id = ?",
		userID,
	)

	var user domain.User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, storage.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}
