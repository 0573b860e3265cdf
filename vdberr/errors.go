// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package vdberr provides the error kinds shared by every
// component of the segment lifecycle and query engine.
package vdberr

import "fmt"

// Kind is a coarse classification of an error,
// stable enough to be mapped to a wire-level
// numeric code by callers such as package wire.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	IndexNotTrained
	IndexNotSupported
	NotIncremental
	CapacityExceeded
	ResourceUnavailable
	Cancelled
	DeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case IndexNotTrained:
		return "index_not_trained"
	case IndexNotSupported:
		return "index_not_supported"
	case NotIncremental:
		return "not_incremental"
	case CapacityExceeded:
		return "capacity_exceeded"
	case ResourceUnavailable:
		return "resource_unavailable"
	case Cancelled:
		return "cancelled"
	case DeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "internal"
	}
}

// Error is the concrete error type produced by New.
// It satisfies errors.Unwrap so that errors.Is/errors.As
// work against the wrapped cause.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause, the
// way fmt.Errorf("...: %w", err) is used throughout the rest
// of this module. errors.Is/errors.As on the result will match
// cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal
// for errors that did not originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

// as is a tiny indirection so we don't need to import "errors"
// just for this one call site used by KindOf.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
