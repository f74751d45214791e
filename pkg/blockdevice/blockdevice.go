// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package blockdevice declares the external collaborators the core
// consumes but never implements: the pluggable block device backend (spec
// section 6.1) and the key material provider DH-CHAP reads from (section
// 6.2). Concrete backends (ublk, vhost, bdev-rbd, bdev-malloc, ...) live
// outside this module per spec section 1.
package blockdevice

import "context"

// CompletionStatus is the coarse result of a submission, used when the
// caller only needs ok/retry/failed rather than the full NVMe status code
// pair.
type CompletionStatus int

// Coarse completion outcomes.
const (
	StatusOK CompletionStatus = iota
	StatusNoMemory
	StatusFailed
)

// Completion carries either a fine-grained NVMe completion (Ok, Cdw0, Sct,
// Sc) or a coarse CompletionStatus, matching spec section 6.1's description
// of submission callbacks.
type Completion struct {
	Status CompletionStatus
	Ok     bool
	Cdw0   uint32
	Sct    uint8
	Sc     uint8
}

// CompletionFunc is invoked exactly once per submission, from the same
// poll-group that issued it (spec section 5).
type CompletionFunc func(Completion)

// IOType enumerates the operation kinds a backend may or may not support,
// for BlockDevice.IOTypeSupported.
type IOType int

// Supported I/O kinds.
const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeUnmap
	IOTypeWriteZeroes
	IOTypeFlush
	IOTypeCompare
	IOTypeCompareAndWrite
	IOTypeZcopy
	IOTypeAbort
)

// WaitEntry is queued by BlockDevice.QueueIOWait when a submission returns
// StatusNoMemory; the backend invokes Resume once capacity is available.
type WaitEntry struct {
	Resume func()
}

// ZcopyBuffer is the buffer BlockDevice.ZcopyStart registers into a
// request's iov for the zero-copy path (spec section 4.6).
type ZcopyBuffer struct {
	Iov [][]byte
}

// BlockDevice is the opaque provider of durable storage the reservation
// engine and command executor submit I/O to. The core treats every method
// as potentially asynchronous: completion is always signalled through the
// CompletionFunc passed to the submission, never by a synchronous return
// alone (a synchronous error is still possible and is reported the same
// way a failed completion would be, per spec section 4.6 step 5).
type BlockDevice interface {
	ReadBlocks(ctx context.Context, startLBA, numBlocks uint64, iov [][]byte, done CompletionFunc)
	WriteBlocks(ctx context.Context, startLBA, numBlocks uint64, iov [][]byte, done CompletionFunc)
	CompareBlocks(ctx context.Context, startLBA, numBlocks uint64, iov [][]byte, done CompletionFunc)
	CompareAndWrite(ctx context.Context, startLBA, numBlocks uint64, cmpIov, writeIov [][]byte, done CompletionFunc)
	WriteZeroes(ctx context.Context, startLBA, numBlocks uint64, done CompletionFunc)
	Flush(ctx context.Context, done CompletionFunc)
	Unmap(ctx context.Context, startLBA, numBlocks uint64, done CompletionFunc)
	Abort(ctx context.Context, req interface{}, done CompletionFunc)

	ZcopyStart(ctx context.Context, startLBA, numBlocks uint64, populate bool) (ZcopyBuffer, error)
	ZcopyEnd(ctx context.Context, buf ZcopyBuffer, commit bool) error

	IOTypeSupported(kind IOType) bool
	QueueIOWait(entry WaitEntry)

	NumBlocks() uint64
	BlockSize() uint32
	MetadataSize() uint32
	UUID() [16]byte
	OptimalIOBoundary() uint32
	DIFCheckEnabled() bool
}

// KeyProvider is consumed by the DH-CHAP authenticator (spec section 6.2)
// to resolve named key material. Key content is opaque and must never be
// logged.
type KeyProvider interface {
	Get(name string) (KeyRef, bool)
	Read(key KeyRef, buf []byte) (int, error)
}

// KeyRef is an opaque handle to key material held by a KeyProvider
// implementation (typically the Keyring's probe path, see pkg/keyring).
type KeyRef interface {
	Name() string
}
