package domain

import "testing"

func TestParseSubjectType(t *testing.T) {
	if got, err := ParseSubjectType("user"); err != nil || got != SubjectUser {
		t.Fatalf("parse user = %q, %v", got, err)
	}
	if got, err := ParseSubjectType(" group "); err != nil || got != SubjectGroup {
		t.Fatalf("parse group = %q, %v", got, err)
	}
	if _, err := ParseSubjectType("team"); err == nil {
		t.Fatal("expected error for unknown subject type")
	}
}

func TestSubjectValidate(t *testing.T) {
	if err := UserSubject("u1").Validate(); err != nil {
		t.Fatalf("user subject: %v", err)
	}
	if err := GroupSubject("g1").Validate(); err != nil {
		t.Fatalf("group subject: %v", err)
	}
	if err := (Subject{Type: "team", ID: "x"}).Validate(); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if err := (Subject{Type: SubjectUser, ID: "  "}).Validate(); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestAlarmPatchIsEmpty(t *testing.T) {
	if !(AlarmPatch{}).IsEmpty() {
		t.Fatal("zero patch should be empty")
	}
	active := false
	if (AlarmPatch{Active: &active}).IsEmpty() {
		t.Fatal("patch with active should not be empty")
	}
}
