// Package storage defines the persistence boundary of the alarm service.
//
// The store is the atomic boundary: every mutating operation either commits
// as a whole or has no effect, and authorization checks read through the
// same interface so verdicts always reflect committed state.
package storage

import (
	"context"
	"errors"

	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
)

// Typed failures. Transient I/O errors are surfaced unchanged; everything
// below is a terminal business outcome.
var (
	ErrNotFound       = errors.New("not found")
	ErrUsernameTaken  = errors.New("username already taken")
	ErrGroupNameTaken = errors.New("group name already taken")
	ErrAlreadyMember  = errors.New("user is already a group member")
	ErrOwnerSubject   = errors.New("page owner cannot be a permission subject")
	ErrInvalidSubject = errors.New("permission subject does not exist")
)

// Credential pairs a user with their stored password hash for login checks.
type Credential struct {
	User         domain.User
	PasswordHash string
}

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts a new account. Returns ErrUsernameTaken when the
	// username is already registered.
	CreateUser(ctx context.Context, username string, passwordHash string) (domain.User, error)
	// FindUserByUsername returns the account and hash for login.
	FindUserByUsername(ctx context.Context, username string) (Credential, error)
	// GetUser returns the account by id.
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// GroupStore persists groups and memberships.
type GroupStore interface {
	// CreateGroup inserts a group and the creator's membership in one
	// transaction. Returns ErrGroupNameTaken on a name collision.
	CreateGroup(ctx context.Context, name string, creatorID string) (domain.Group, error)
	GetGroup(ctx context.Context, id string) (domain.Group, error)
	// AddMember returns ErrAlreadyMember for duplicate pairs and
	// ErrNotFound when the group or user does not exist.
	AddMember(ctx context.Context, groupID string, userID string) error
	RemoveMember(ctx context.Context, groupID string, userID string) error
	// ListGroupsOfUser returns the ids of every group the user belongs to.
	ListGroupsOfUser(ctx context.Context, userID string) (map[string]struct{}, error)
}

// PageStore persists pages and permission rows.
type PageStore interface {
	CreatePage(ctx context.Context, name string, ownerID string) (domain.Page, error)
	GetPage(ctx context.Context, id string) (domain.Page, error)
	// ListPagesVisibleTo returns every page the user owns or is granted
	// view on (directly or via groups), with caller-specific flags.
	ListPagesVisibleTo(ctx context.Context, userID string) ([]domain.VisiblePage, error)
	// UpsertPermission inserts or replaces one permission row. Rejects the
	// page owner as subject with ErrOwnerSubject and unknown subjects with
	// ErrInvalidSubject.
	UpsertPermission(ctx context.Context, perm domain.PagePermission) error
	DeletePermission(ctx context.Context, pageID string, subject domain.Subject) error
	ListPermissions(ctx context.Context, pageID string) ([]domain.PagePermission, error)
	// ListPagesForSubject returns the ids of pages carrying a permission
	// row for the subject. Used to recompute audiences when a group's
	// membership changes.
	ListPagesForSubject(ctx context.Context, subject domain.Subject) ([]string, error)
	// UsersWithViewAccess returns the page's fan-out audience: the owner
	// plus every user granted view directly or through a group. Edit-only
	// rows contribute because edit implies view.
	UsersWithViewAccess(ctx context.Context, pageID string) (map[string]struct{}, error)
}

// AlarmStore persists alarms and their trigger history.
type AlarmStore interface {
	CreateAlarm(ctx context.Context, alarm domain.Alarm) (domain.Alarm, error)
	GetAlarm(ctx context.Context, id string) (domain.Alarm, error)
	// UpdateAlarm applies a partial patch; page and creator are immutable.
	UpdateAlarm(ctx context.Context, id string, patch domain.AlarmPatch) (domain.Alarm, error)
	// DeleteAlarm removes the alarm and returns its page id for fan-out.
	DeleteAlarm(ctx context.Context, id string) (string, error)
	// TriggerAlarm stamps last_triggered and appends an event atomically.
	TriggerAlarm(ctx context.Context, id string, byUserID string, price *float64) (domain.Alarm, domain.AlarmEvent, error)
	ListAlarmsInPages(ctx context.Context, pageIDs []string) ([]domain.Alarm, error)
	// ListAlarmEvents returns trigger history, newest first.
	ListAlarmEvents(ctx context.Context, alarmID string, limit int) ([]domain.AlarmEvent, error)
}

// Store is the full persistence surface consumed by the realtime and admin
// layers.
type Store interface {
	UserStore
	GroupStore
	PageStore
	AlarmStore
}
