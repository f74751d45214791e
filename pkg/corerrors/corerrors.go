// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package corerrors defines the abstract error taxonomy shared by every
// component of the NVMe-oF target core (spec section 7). Most components
// return an *Error carrying one of the Kind values below; pkg/keyring
// reports a missing key through its ErrNoKey sentinel and pkg/nqn through
// its own InvalidNQNError instead.
package corerrors

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind is one of the abstract error kinds from the core's error taxonomy.
// Kind values are stable and may be compared with ==.
type Kind string

// Error kinds, matching the taxonomy enumerated in spec section 7.
const (
	KindInvalidParam               Kind = "invalid_param"
	KindNotFound                   Kind = "not_found"
	KindAlreadyExists              Kind = "already_exists"
	KindBusy                       Kind = "busy"
	KindNoMemory                   Kind = "no_memory"
	KindPermissionDenied           Kind = "permission_denied"
	KindReservationConflict        Kind = "reservation_conflict"
	KindLbaOutOfRange              Kind = "lba_out_of_range"
	KindDataSglLengthInvalid       Kind = "data_sgl_length_invalid"
	KindInternalDeviceError        Kind = "internal_device_error"
	KindAuthFailed                 Kind = "auth_failed"
	KindAuthIncorrectProtocolMsg   Kind = "auth_incorrect_protocol_message"
	KindAuthIncorrectPayload       Kind = "auth_incorrect_payload"
	KindAuthSccMismatch            Kind = "auth_scc_mismatch"
	KindAuthHashUnusable           Kind = "auth_hash_unusable"
	KindAuthDhgroupUnusable        Kind = "auth_dhgroup_unusable"
	KindAuthProtocolUnusable       Kind = "auth_protocol_unusable"
	KindInvalidOpcode              Kind = "invalid_opcode"
	KindCommandSequenceError       Kind = "command_sequence_error"
	KindIntr                       Kind = "intr"
)

// code maps each Kind to the gRPC status code a caller embedding this core
// behind a gRPC frontend (as the teacher's pkg/frontend does) would want to
// surface. Kinds with no natural gRPC analogue pick the closest match.
var code = map[Kind]codes.Code{
	KindInvalidParam:             codes.InvalidArgument,
	KindNotFound:                 codes.NotFound,
	KindAlreadyExists:            codes.AlreadyExists,
	KindBusy:                     codes.Unavailable,
	KindNoMemory:                 codes.ResourceExhausted,
	KindPermissionDenied:         codes.PermissionDenied,
	KindReservationConflict:      codes.FailedPrecondition,
	KindLbaOutOfRange:            codes.OutOfRange,
	KindDataSglLengthInvalid:     codes.InvalidArgument,
	KindInternalDeviceError:      codes.Internal,
	KindAuthFailed:               codes.Unauthenticated,
	KindAuthIncorrectProtocolMsg: codes.FailedPrecondition,
	KindAuthIncorrectPayload:     codes.InvalidArgument,
	KindAuthSccMismatch:          codes.FailedPrecondition,
	KindAuthHashUnusable:         codes.FailedPrecondition,
	KindAuthDhgroupUnusable:      codes.FailedPrecondition,
	KindAuthProtocolUnusable:     codes.FailedPrecondition,
	KindInvalidOpcode:            codes.InvalidArgument,
	KindCommandSequenceError:     codes.FailedPrecondition,
	KindIntr:                     codes.Aborted,
}

// Error is the concrete error type returned by every core component.
type Error struct {
	Kind Kind
	Msg  string
	// Err wraps the underlying cause, if any (e.g. a BlockDevice or
	// PtplSink failure that was converted to KindInternalDeviceError).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the gRPC status code a wire-facing layer should surface for
// this error's kind.
func (e *Error) Code() codes.Code {
	if c, ok := code[e.Kind]; ok {
		return c
	}
	return codes.Unknown
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
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
