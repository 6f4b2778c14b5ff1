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

// CreatePage inserts a page owned by ownerID.
func (s *Store) CreatePage(ctx context.Context, name string, ownerID string) (domain.Page, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Page{}, fmt.Errorf("page name is required")
	}

	pageID, err := newID()
	if err != nil {
		return domain.Page{}, err
	}
	createdAt := s.now().UTC()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "SELECT 1 FROM users WHERE id = ?", ownerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO pages (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)",
			pageID, name, ownerID, toMillis(createdAt),
		)
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Page{}, err
	}

	return domain.Page{ID: pageID, Name: name, OwnerID: ownerID, CreatedAt: createdAt}, nil
}

// GetPage returns the page by id.
func (s *Store) GetPage(ctx context.Context, pageID string) (domain.Page, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at FROM pages WHERE id = ?",
		pageID,
	)
	return scanPage(row)
}

// ListPagesVisibleTo returns every page the user owns or can view, with the
// caller-specific ownership and edit flags snapshots need.
func (s *Store) ListPagesVisibleTo(ctx context.Context, userID string) ([]domain.VisiblePage, error) {
	// Edit-only grants still make a page visible: edit implies view.
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT p.id, p.name, p.owner_id, p.created_at,
		       MAX(CASE WHEN pp.can_edit = 1 THEN 1 ELSE 0 END) AS can_edit
		FROM pages p
		LEFT JOIN page_permissions pp ON pp.page_id = p.id
			AND ((pp.subject_type = 'user' AND pp.subject_id = ?)
			  OR (pp.subject_type = 'group' AND pp.subject_id IN (
					SELECT group_id FROM user_groups WHERE user_id = ?)))
		WHERE p.owner_id = ?
		   OR (pp.page_id IS NOT NULL AND (pp.can_view = 1 OR pp.can_edit = 1))
		GROUP BY p.id
		ORDER BY p.created_at, p.id`,
		userID, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list visible pages: %w", err)
	}
	defer rows.Close()

	var pages []domain.VisiblePage
	for rows.Next() {
		var page domain.Page
		var createdAt int64
		var canEdit int
		if err := rows.Scan(&page.ID, &page.Name, &page.OwnerID, &createdAt, &canEdit); err != nil {
			return nil, fmt.Errorf("scan visible page: %w", err)
		}
		page.CreatedAt = fromMillis(createdAt)
		visible := domain.VisiblePage{
			Page:    page,
			IsOwner: page.OwnerID == userID,
			CanEdit: canEdit == 1,
		}
		if visible.IsOwner {
			visible.CanEdit = true
		}
		pages = append(pages, visible)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visible pages: %w", err)
	}
	return pages, nil
}

// UpsertPermission inserts or replaces one permission row.
func (s *Store) UpsertPermission(ctx context.Context, perm domain.PagePermission) error {
	if err := perm.Subject.Validate(); err != nil {
		return storage.ErrInvalidSubject
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		page, err := getPageTx(ctx, tx, perm.PageID)
		if err != nil {
			return err
		}
		if perm.Subject.Type == domain.SubjectUser && perm.Subject.ID == page.OwnerID {
			return storage.ErrOwnerSubject
		}

		var subjectQuery string
		switch perm.Subject.Type {
		case domain.SubjectUser:
			subjectQuery = "SELECT 1 FROM users WHERE id = ?"
		case domain.SubjectGroup:
			subjectQuery = "SELECT 1 FROM groups WHERE id = ?"
		default:
			return storage.ErrInvalidSubject
		}
		if err := requireRow(ctx, tx, subjectQuery, perm.Subject.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrInvalidSubject
			}
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO page_permissions (page_id, subject_type, subject_id, can_view, can_edit)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (page_id, subject_type, subject_id)
			DO UPDATE SET can_view = excluded.can_view, can_edit = excluded.can_edit`,
			perm.PageID, string(perm.Subject.Type), perm.Subject.ID,
			boolToInt(perm.CanView), boolToInt(perm.CanEdit),
		)
		if err != nil {
			return fmt.Errorf("upsert permission: %w", err)
		}
		return nil
	})
}

// DeletePermission removes one permission row if present.
func (s *Store) DeletePermission(ctx context.Context, pageID string, subject domain.Subject) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "SELECT 1 FROM pages WHERE id = ?", pageID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM page_permissions WHERE page_id = ? AND subject_type = ? AND subject_id = ?",
			pageID, string(subject.Type), subject.ID,
		)
		if err != nil {
			return fmt.Errorf("delete permission: %w", err)
		}
		return nil
	})
}

// ListPermissions returns every permission row on the page.
func (s *Store) ListPermissions(ctx context.Context, pageID string) ([]domain.PagePermission, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT page_id, subject_type, subject_id, can_view, can_edit
		FROM page_permissions
		WHERE page_id = ?
		ORDER BY subject_type, subject_id`,
		pageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []domain.PagePermission
	for rows.Next() {
		var perm domain.PagePermission
		var subjectType string
		var canView, canEdit int
		if err := rows.Scan(&perm.PageID, &subjectType, &perm.Subject.ID, &canView, &canEdit); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perm.Subject.Type = domain.SubjectType(subjectType)
		perm.CanView = canView == 1
		perm.CanEdit = canEdit == 1
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return perms, nil
}

// ListPagesForSubject returns the ids of pages carrying a permission row
// for the subject.
func (s *Store) ListPagesForSubject(ctx context.Context, subject domain.Subject) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT page_id FROM page_permissions WHERE subject_type = ? AND subject_id = ?",
		string(subject.Type), subject.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pages for subject: %w", err)
	}
	defer rows.Close()

	var pageIDs []string
	for rows.Next() {
		var pageID string
		if err := rows.Scan(&pageID); err != nil {
			return nil, fmt.Errorf("scan page id: %w", err)
		}
		pageIDs = append(pageIDs, pageID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subject pages: %w", err)
	}
	return pageIDs, nil
}

// UsersWithViewAccess returns the page's fan-out audience.
func (s *Store) UsersWithViewAccess(ctx context.Context, pageID string) (map[string]struct{}, error) {
	var ownerID string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT owner_id FROM pages WHERE id = ?", pageID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get page owner: %w", err)
	}

	audience := map[string]struct{}{ownerID: {}}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT pp.subject_id
		FROM page_permissions pp
		WHERE pp.page_id = ? AND pp.subject_type = 'user'
		  AND (pp.can_view = 1 OR pp.can_edit = 1)
		UNION
		SELECT ug.user_id
		FROM page_permissions pp
		JOIN user_groups ug ON ug.group_id = pp.subject_id
		WHERE pp.page_id = ? AND pp.subject_type = 'group'
		  AND (pp.can_view = 1 OR pp.can_edit = 1)`,
		pageID, pageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list view audience: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan audience user: %w", err)
		}
		audience[userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate view audience: %w", err)
	}
	return audience, nil
}

func getPageTx(ctx context.Context, tx *sql.Tx, pageID string) (domain.Page, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at FROM pages WHERE id = ?",
		pageID,
	)
	return scanPage(row)
}

func scanPage(row *sql.Row) (domain.Page, error) {
	var page domain.Page
	var createdAt int64
	if err := row.Scan(&page.ID, &page.Name, &page.OwnerID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Page{}, storage.ErrNotFound
		}
		return domain.Page{}, fmt.Errorf("scan page: %w", err)
	}
	page.CreatedAt = fromMillis(createdAt)
	return page, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
