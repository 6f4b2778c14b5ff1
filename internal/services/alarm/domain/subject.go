package domain

import (
	"fmt"
	"strings"
)

// SubjectType discriminates the grantee of a permission row.
type SubjectType string

const (
	// SubjectUser grants to a single user.
	SubjectUser SubjectType = "user"
	// SubjectGroup grants to every member of a group.
	SubjectGroup SubjectType = "group"
)

// ParseSubjectType validates a wire-level subject type string.
func ParseSubjectType(value string) (SubjectType, error) {
	switch SubjectType(strings.TrimSpace(value)) {
	case SubjectUser:
		return SubjectUser, nil
	case SubjectGroup:
		return SubjectGroup, nil
	default:
		return "", fmt.Errorf("unknown subject type %q", value)
	}
}

// Subject is the sum of the two grantee kinds. Storage keeps the
// two-column representation; everything above it passes this type.
type Subject struct {
	Type SubjectType
	ID   string
}

// UserSubject builds a user-kind subject.
func UserSubject(userID string) Subject {
	return Subject{Type: SubjectUser, ID: userID}
}

// GroupSubject builds a group-kind subject.
func GroupSubject(groupID string) Subject {
	return Subject{Type: SubjectGroup, ID: groupID}
}

// Validate reports whether the subject has a known type and a non-empty id.
func (s Subject) Validate() error {
	if s.Type != SubjectUser && s.Type != SubjectGroup {
		return fmt.Errorf("unknown subject type %q", s.Type)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("subject id is required")
	}
	return nil
}
