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

// CreateGroup inserts a group and the creator's membership atomically.
func (s *Store) CreateGroup(ctx context.Context, name string, creatorID string) (domain.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Group{}, fmt.Errorf("group name is required")
	}

	groupID, err := newID()
	if err != nil {
		return domain.Group{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", creatorID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("check creator: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO groups (id, name) VALUES (?, ?)",
			groupID, name,
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrGroupNameTaken
			}
			return fmt.Errorf("insert group: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_groups (user_id, group_id) VALUES (?, ?)",
			creatorID, groupID,
		); err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Group{}, err
	}

	return domain.Group{ID: groupID, Name: name}, nil
}

// GetGroup returns the group by id.
func (s *Store) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	row := s.sqlDB.QueryRowContext(ctx, "SELECT id, name FROM groups WHERE id = ?", groupID)

	var group domain.Group
	if err := row.Scan(&group.ID, &group.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Group{}, storage.ErrNotFound
		}
		return domain.Group{}, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

// AddMember inserts a membership pair.
func (s *Store) AddMember(ctx context.Context, groupID string, userID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "SELECT 1 FROM groups WHERE id = ?", groupID); err != nil {
			return err
		}
		if err := requireRow(ctx, tx, "SELECT 1 FROM users WHERE id = ?", userID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_groups (user_id, group_id) VALUES (?, ?)",
			userID, groupID,
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyMember
			}
			return fmt.Errorf("insert membership: %w", err)
		}
		return nil
	})
}

// RemoveMember deletes a membership pair.
func (s *Store) RemoveMember(ctx context.Context, groupID string, userID string) error {
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM user_groups WHERE user_id = ? AND group_id = ?",
		userID, groupID,
	)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListGroupsOfUser returns the ids of every group the user belongs to.
func (s *Store) ListGroupsOfUser(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT group_id FROM user_groups WHERE user_id = ?",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]struct{})
	for rows.Next() {
		var groupID string
		if err := rows.Scan(&groupID); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		groups[groupID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user groups: %w", err)
	}
	return groups, nil
}

// requireRow maps an absent lookup row to ErrNotFound.
func requireRow(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	var found int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("lookup row: %w", err)
	}
	return nil
}
