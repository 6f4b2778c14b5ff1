// Package domain defines the entities shared across the alarm service.
//
// Pages are the unit of access control: alarms belong to exactly one page
// and inherit its permissions. The server never interprets an alarm's
// ticker/option/condition fields.
package domain

import "time"

// User is a registered account. The password hash lives in the storage
// layer and is never attached to this type.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Group is a named collection of users used as a permission subject.
type Group struct {
	ID   string
	Name string
}

// Page is a named container for alarms owned by exactly one user. The
// owner implicitly holds view, edit, and share rights; ownership is
// immutable and never represented as a permission row.
type Page struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// PagePermission grants view/edit on a page to a subject. CanEdit without
// CanView is legal in storage and interpreted as implying view at resolve
// time.
type PagePermission struct {
	PageID  string
	Subject Subject
	CanView bool
	CanEdit bool
}

// Alarm is a user-defined market condition belonging to one page for its
// whole lifetime. The ticker/option/condition triple and the optional
// strategy fields are opaque to the server.
type Alarm struct {
	ID            string
	PageID        string
	Ticker        string
	Option        string
	Condition     string
	StrategyID    string
	StrategyName  string
	CreatedBy     string
	Active        bool
	CreatedAt     time.Time
	LastTriggered *time.Time
}

// AlarmEvent is one append-only trigger record.
type AlarmEvent struct {
	ID          string
	AlarmID     string
	TriggeredBy string
	Price       *float64
	TriggeredAt time.Time
}

// AlarmPatch describes a partial alarm update. Nil fields are left
// unchanged; page and creator are immutable.
type AlarmPatch struct {
	Ticker    *string
	Option    *string
	Condition *string
	Active    *bool
}

// IsEmpty reports whether the patch modifies nothing.
func (p AlarmPatch) IsEmpty() bool {
	return p.Ticker == nil && p.Option == nil && p.Condition == nil && p.Active == nil
}

// VisiblePage pairs a page with the caller-specific flags used by
// snapshots.
type VisiblePage struct {
	Page    Page
	IsOwner bool
	CanEdit bool
}
