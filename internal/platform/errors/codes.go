// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeCredentialsInvalid Code = "CREDENTIALS_INVALID"
	CodeTokenInvalid       Code = "TOKEN_INVALID"

	// Authorization errors
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeOwnerRequired    Code = "OWNER_REQUIRED"

	// Validation errors
	CodePayloadInvalid     Code = "PAYLOAD_INVALID"
	CodeUsernameEmpty      Code = "USERNAME_EMPTY"
	CodePageNameEmpty      Code = "PAGE_NAME_EMPTY"
	CodeGroupNameEmpty     Code = "GROUP_NAME_EMPTY"
	CodeSubjectInvalid     Code = "SUBJECT_INVALID"
	CodeAlarmFieldsInvalid Code = "ALARM_FIELDS_INVALID"

	// Conflict errors
	CodeUsernameTaken  Code = "USERNAME_TAKEN"
	CodeGroupNameTaken Code = "GROUP_NAME_TAKEN"
	CodeAlreadyMember  Code = "ALREADY_MEMBER"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes for the admin surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeCredentialsInvalid, CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeOwnerRequired:
		return http.StatusForbidden
	case CodePayloadInvalid,
		CodeUsernameEmpty,
		CodePageNameEmpty,
		CodeGroupNameEmpty,
		CodeSubjectInvalid,
		CodeAlarmFieldsInvalid:
		return http.StatusBadRequest
	case CodeUsernameTaken, CodeGroupNameTaken, CodeAlreadyMember:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
