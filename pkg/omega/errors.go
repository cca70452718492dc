// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package omega

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of a store error. Everything the
// storage engine, the executor and the replication layer can fail with maps
// to exactly one kind; raw I/O errors never cross a package boundary.
type ErrorKind int

const (
	ProjectNotFound ErrorKind = iota + 1
	ProjectExists
	RepositoryNotFound
	RepositoryExists
	RevisionNotFound
	EntryNotFound
	ChangeConflict
	JSONPatchConflict
	TextPatchConflict
	RedundantChange
	TooManyRequests
	ReplicationError
	ShuttingDown
	StorageFault
	QueryExecution
)

var errorKindNames = [...]string{
	"UNKNOWN",
	"PROJECT_NOT_FOUND",
	"PROJECT_EXISTS",
	"REPOSITORY_NOT_FOUND",
	"REPOSITORY_EXISTS",
	"REVISION_NOT_FOUND",
	"ENTRY_NOT_FOUND",
	"CHANGE_CONFLICT",
	"JSON_PATCH_CONFLICT",
	"TEXT_PATCH_CONFLICT",
	"REDUNDANT_CHANGE",
	"TOO_MANY_REQUESTS",
	"REPLICATION_ERROR",
	"SHUTTING_DOWN",
	"STORAGE_FAULT",
	"QUERY_EXECUTION",
}

func (k ErrorKind) String() string {
	if k < 1 || int(k) >= len(errorKindNames) {
		return errorKindNames[0]
	}
	return errorKindNames[k]
}

// Error carries a kind and a human readable message. An optional cause is
// preserved for logging but never inspected by callers.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError keeps cause for the logs while presenting message to clients.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err, or 0 when err is not a store error.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return 0
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func IsNotFound(err error) bool {
	switch KindOf(err) {
	case ProjectNotFound, RepositoryNotFound, RevisionNotFound, EntryNotFound:
		return true
	}
	return false
}

func IsConflict(err error) bool {
	switch KindOf(err) {
	case ChangeConflict, JSONPatchConflict, TextPatchConflict, RedundantChange:
		return true
	}
	return false
}
