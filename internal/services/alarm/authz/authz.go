// Package authz resolves effective page permissions.
//
// Resolution is pure: callers read the page, its permission rows, and the
// user's group memberships from storage and pass them in. No decision is
// cached across transactions.
package authz

import "github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"

// Permissions is the effective verdict for one user on one page.
type Permissions struct {
	View  bool
	Edit  bool
	Share bool
}

// Resolve computes the verdict for userID on the page that owns rows.
//
// The owner short-circuits to full rights. Otherwise flags are unioned
// across the user's direct rows and the rows of any group in memberOf.
// Edit implies view; share belongs to the owner alone.
func Resolve(page domain.Page, userID string, rows []domain.PagePermission, memberOf map[string]struct{}) Permissions {
	if page.OwnerID == userID {
		return Permissions{View: true, Edit: true, Share: true}
	}

	var verdict Permissions
	for _, row := range rows {
		if !subjectApplies(row.Subject, userID, memberOf) {
			continue
		}
		verdict.View = verdict.View || row.CanView
		verdict.Edit = verdict.Edit || row.CanEdit
	}
	if verdict.Edit {
		verdict.View = true
	}
	return verdict
}

// Audience computes the set of user ids entitled to view the page: the
// owner, direct user grants, and every member of granted groups. Rows with
// only CanEdit still contribute because edit implies view.
func Audience(page domain.Page, rows []domain.PagePermission, membersOf map[string][]string) map[string]struct{} {
	audience := map[string]struct{}{page.OwnerID: {}}
	for _, row := range rows {
		if !row.CanView && !row.CanEdit {
			continue
		}
		switch row.Subject.Type {
		case domain.SubjectUser:
			audience[row.Subject.ID] = struct{}{}
		case domain.SubjectGroup:
			for _, member := range membersOf[row.Subject.ID] {
				audience[member] = struct{}{}
			}
		}
	}
	return audience
}

func subjectApplies(subject domain.Subject, userID string, memberOf map[string]struct{}) bool {
	switch subject.Type {
	case domain.SubjectUser:
		return subject.ID == userID
	case domain.SubjectGroup:
		_, member := memberOf[subject.ID]
		return member
	default:
		return false
	}
}
