// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package executor dispatches fabric and NVMe I/O commands against a
// namespace's reservation engine and block device (spec section 4.6),
// grounded on SPDK's nvmf_ctrlr_process_io_cmd and
// nvmf_bdev_ctrlr_read/write_cmd in lib/nvmf/ctrlr.c and
// lib/nvmf/ctrlr_bdev.c.
package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/opiproject/nvmf-targetcore/pkg/blockdevice"
	"github.com/opiproject/nvmf-targetcore/pkg/corerrors"
	"github.com/opiproject/nvmf-targetcore/pkg/reservation"
	"github.com/opiproject/nvmf-targetcore/pkg/wire"
)

// Opcode is an NVMe I/O command opcode, values matching the base
// specification's NVM command set.
type Opcode uint8

// I/O opcodes this executor handles. The fused Compare+Write pair arrives
// as two capsules, opcodes OpcodeCompare and OpcodeWrite, sharing one CID;
// there is no separate wire opcode for it, so callers route the pair to
// Executor.CompareAndWrite directly rather than through an opcode switch.
const (
	OpcodeFlush       Opcode = 0x00
	OpcodeWrite       Opcode = 0x01
	OpcodeRead        Opcode = 0x02
	OpcodeWriteUncor  Opcode = 0x04
	OpcodeCompare     Opcode = 0x05
	OpcodeWriteZeroes Opcode = 0x08
	OpcodeDatasetMgmt Opcode = 0x09
)

// NVMe status code types/codes this executor produces, matching the base
// specification's generic command status values.
const (
	SctGeneric    uint8 = 0x0
	ScSuccess     uint8 = 0x00
	ScLbaOOR      uint8 = 0x80
	ScCapExceeded uint8 = 0x81
)

// IOCommand is one decoded NVMe I/O command (the fields the executor
// needs from cdw10..cdw12 plus the SGL-derived request length).
type IOCommand struct {
	Opcode       Opcode
	NSID         uint32
	StartLBA     uint64
	NumBlocks    uint64 // 1-based block count, already translated from the wire's 0-based NLB field
	ReqLength    uint64 // bytes available in the request's data buffer
	Iov          [][]byte
	CmpIov       [][]byte // second buffer of a fused compare-and-write
	FUA          bool
	LimitedRetry bool
}

// DSMRange is one LBA range from a Dataset Management (Unmap) command's
// inline range list.
type DSMRange struct {
	StartLBA  uint64
	NumBlocks uint64
}

// Namespace is the subset of a namespace's identity the executor needs to
// validate a command against, independent of pkg/subsystem's Namespace
// struct (which also carries ANA state not relevant here).
type Namespace struct {
	NSID      uint32
	NumBlocks uint64
	BlockSize uint32
}

// HostAccess resolves the reservation access class for a command's issuing
// host, satisfied by *reservation.Namespace.
type HostAccess interface {
	CheckAccess(host reservation.HostID) reservation.Access
}

// Executor dispatches I/O commands for one namespace against its block
// device, enforcing the reservation access rules before every submission.
type Executor struct {
	log  *zap.Logger
	nsid uint32
	ns   Namespace
	bdev blockdevice.BlockDevice
	resv HostAccess
}

// New constructs an executor for one namespace.
func New(ns Namespace, bdev blockdevice.BlockDevice, resv HostAccess, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log, nsid: ns.NSID, ns: ns, bdev: bdev, resv: resv}
}

// validateRange implements validation steps 1-2 of spec section 4.6: the
// command's LBA range must lie within the namespace and not wrap.
func (e *Executor) validateRange(startLBA, numBlocks uint64) error {
	if numBlocks == 0 {
		return corerrors.New(corerrors.KindInvalidParam, "zero-length I/O")
	}
	end := startLBA + numBlocks
	if end < startLBA || end > e.ns.NumBlocks {
		return corerrors.New(corerrors.KindLbaOutOfRange,
			"lba range [%d,%d) exceeds namespace %d size %d", startLBA, end, e.nsid, e.ns.NumBlocks)
	}
	return nil
}

// validateSGL implements validation step 3: the request's data buffer must
// be large enough to carry numBlocks blocks.
func (e *Executor) validateSGL(numBlocks uint64, reqLength uint64) error {
	want := numBlocks * uint64(e.ns.BlockSize)
	if reqLength < want {
		return corerrors.New(corerrors.KindDataSglLengthInvalid,
			"request length %d too small for %d blocks of %d bytes", reqLength, numBlocks, e.ns.BlockSize)
	}
	return nil
}

// checkAccess implements validation step 4: the reservation access check.
func (e *Executor) checkAccess(host reservation.HostID, write bool) error {
	if e.resv == nil {
		return nil
	}
	access := e.resv.CheckAccess(host)
	if write && !access.Write {
		return corerrors.New(corerrors.KindReservationConflict, "write denied by reservation on namespace %d", e.nsid)
	}
	if !write && !access.Read {
		return corerrors.New(corerrors.KindReservationConflict, "read denied by reservation on namespace %d", e.nsid)
	}
	return nil
}

// submit wraps a BlockDevice submission: a StatusNoMemory completion queues
// a retry via QueueIOWait instead of failing the command outright, mirroring
// nvmf_bdev_ctrlr_queue_io.
func (e *Executor) submit(ctx context.Context, done blockdevice.CompletionFunc, op func(retryDone blockdevice.CompletionFunc)) {
	var retryDone blockdevice.CompletionFunc
	retryDone = func(c blockdevice.Completion) {
		if c.Status == blockdevice.StatusNoMemory {
			e.bdev.QueueIOWait(blockdevice.WaitEntry{Resume: func() { op(retryDone) }})
			return
		}
		done(c)
	}
	op(retryDone)
}

// Read dispatches a Read I/O command, validation steps 1-5 of spec section
// 4.6.
func (e *Executor) Read(ctx context.Context, host reservation.HostID, cmd IOCommand, done blockdevice.CompletionFunc) {
	if err := e.validateAndCheck(cmd, host, false); err != nil {
		completeError(done, err)
		return
	}
	e.submit(ctx, done, func(retryDone blockdevice.CompletionFunc) {
		e.bdev.ReadBlocks(ctx, cmd.StartLBA, cmd.NumBlocks, cmd.Iov, retryDone)
	})
}

// Write dispatches a Write I/O command.
func (e *Executor) Write(ctx context.Context, host reservation.HostID, cmd IOCommand, done blockdevice.CompletionFunc) {
	if err := e.validateAndCheck(cmd, host, true); err != nil {
		completeError(done, err)
		return
	}
	e.submit(ctx, done, func(retryDone blockdevice.CompletionFunc) {
		e.bdev.WriteBlocks(ctx, cmd.StartLBA, cmd.NumBlocks, cmd.Iov, retryDone)
	})
}

// Compare dispatches a standalone Compare I/O command.
func (e *Executor) Compare(ctx context.Context, host reservation.HostID, cmd IOCommand, done blockdevice.CompletionFunc) {
	if err := e.validateAndCheck(cmd, host, false); err != nil {
		completeError(done, err)
		return
	}
	e.submit(ctx, done, func(retryDone blockdevice.CompletionFunc) {
		e.bdev.CompareBlocks(ctx, cmd.StartLBA, cmd.NumBlocks, cmd.Iov, retryDone)
	})
}

// CompareAndWrite dispatches the fused Compare+Write pair as a single
// atomic namespace-level operation: one bdev op, one completion that
// updates both commands' CQEs (spec section 4.6).
func (e *Executor) CompareAndWrite(ctx context.Context, host reservation.HostID, cmd IOCommand, done blockdevice.CompletionFunc) {
	if err := e.validateAndCheck(cmd, host, true); err != nil {
		completeError(done, err)
		return
	}
	e.submit(ctx, done, func(retryDone blockdevice.CompletionFunc) {
		e.bdev.CompareAndWrite(ctx, cmd.StartLBA, cmd.NumBlocks, cmd.CmpIov, cmd.Iov, retryDone)
	})
}

// WriteZeroes dispatches a Write Zeroes command.
func (e *Executor) WriteZeroes(ctx context.Context, host reservation.HostID, cmd IOCommand, done blockdevice.CompletionFunc) {
	if err := e.validateAndCheck(cmd, host, true); err != nil {
		completeError(done, err)
		return
	}
	e.submit(ctx, done, func(retryDone blockdevice.CompletionFunc) {
		e.bdev.WriteZeroes(ctx, cmd.StartLBA, cmd.NumBlocks, retryDone)
	})
}

// Flush dispatches a Flush command. Flush carries no LBA range and is not
// subject to the reservation access check beyond requiring write access,
// mirroring nvmf_bdev_ctrlr_flush_cmd.
func (e *Executor) Flush(ctx context.Context, host reservation.HostID, done blockdevice.CompletionFunc) {
	if err := e.checkAccess(host, true); err != nil {
		completeError(done, err)
		return
	}
	e.submit(ctx, done, func(retryDone blockdevice.CompletionFunc) {
		e.bdev.Flush(ctx, retryDone)
	})
}

// validateAndCheck runs the full validation sequence (steps 1-4) shared by
// every LBA-range-carrying I/O command.
func (e *Executor) validateAndCheck(cmd IOCommand, host reservation.HostID, write bool) error {
	if err := e.validateRange(cmd.StartLBA, cmd.NumBlocks); err != nil {
		return err
	}
	if err := e.validateSGL(cmd.NumBlocks, cmd.ReqLength); err != nil {
		return err
	}
	return e.checkAccess(host, write)
}

// UnmapResult is the aggregate outcome of a multi-range Unmap command.
type UnmapResult struct {
	FirstError error
}

// Unmap decodes and dispatches a Dataset-Management Unmap command's inline
// range list: one bdev unmap per range, counting outstanding completions
// and completing the request once every range finishes. If any range
// fails, the final status reported is that of the first failure observed
// (spec section 4.6).
func (e *Executor) Unmap(ctx context.Context, host reservation.HostID, ranges []DSMRange, done func(UnmapResult)) {
	if err := e.checkAccess(host, true); err != nil {
		done(UnmapResult{FirstError: err})
		return
	}
	for _, r := range ranges {
		if err := e.validateRange(r.StartLBA, r.NumBlocks); err != nil {
			done(UnmapResult{FirstError: err})
			return
		}
	}

	var mu sync.Mutex
	remaining := len(ranges)
	var firstErr error
	if remaining == 0 {
		done(UnmapResult{})
		return
	}
	for _, r := range ranges {
		r := r
		e.submit(ctx, func(c blockdevice.Completion) {
			mu.Lock()
			defer mu.Unlock()
			if firstErr == nil && !c.Ok && c.Status != blockdevice.StatusOK {
				firstErr = corerrors.New(corerrors.KindInternalDeviceError, "unmap range [%d,%d) failed", r.StartLBA, r.StartLBA+r.NumBlocks)
			}
			remaining--
			if remaining == 0 {
				done(UnmapResult{FirstError: firstErr})
			}
		}, func(retryDone blockdevice.CompletionFunc) {
			e.bdev.Unmap(ctx, r.StartLBA, r.NumBlocks, retryDone)
		})
	}
}

// ZcopyRequest is an in-flight zero-copy read or write, carrying the buffer
// handed back by ZcopyStart until ZcopyEnd is invoked (spec section 4.6).
type ZcopyRequest struct {
	buf    blockdevice.ZcopyBuffer
	isRead bool
}

// ZcopyBegin starts the two-phase zero-copy path: on namespaces whose
// backend supports it, READ/WRITE populate req.iov from a buffer the
// backend owns instead of a caller-supplied one.
func (e *Executor) ZcopyBegin(ctx context.Context, host reservation.HostID, cmd IOCommand, isRead bool) (*ZcopyRequest, error) {
	if err := e.validateAndCheck(cmd, host, !isRead); err != nil {
		return nil, err
	}
	if !e.bdev.IOTypeSupported(blockdevice.IOTypeZcopy) {
		return nil, corerrors.New(corerrors.KindInvalidParam, "namespace %d backend does not support zero-copy", e.nsid)
	}
	buf, err := e.bdev.ZcopyStart(ctx, cmd.StartLBA, cmd.NumBlocks, isRead)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.KindInternalDeviceError, err, "zcopy_start failed for namespace %d", e.nsid)
	}
	return &ZcopyRequest{buf: buf, isRead: isRead}, nil
}

// Iov exposes the buffer ZcopyBegin registered, for the caller to bind into
// the NVMe-layer request it is servicing.
func (z *ZcopyRequest) Iov() [][]byte { return z.buf.Iov }

// ZcopyFinish completes the zero-copy path: commit reports whether the
// NVMe-layer operation succeeded (for a write) or should keep its written
// data visible (for a read that was actually populated).
func (e *Executor) ZcopyFinish(ctx context.Context, z *ZcopyRequest, commit bool) error {
	if err := e.bdev.ZcopyEnd(ctx, z.buf, commit); err != nil {
		return corerrors.Wrap(corerrors.KindInternalDeviceError, err, "zcopy_end failed for namespace %d", e.nsid)
	}
	return nil
}

func completeError(done blockdevice.CompletionFunc, err error) {
	var sc uint8 = ScCapExceeded
	if corerrors.Is(err, corerrors.KindLbaOutOfRange) {
		sc = ScLbaOOR
	}
	done(blockdevice.Completion{Status: blockdevice.StatusFailed, Ok: false, Sct: SctGeneric, Sc: sc})
}

// FabricDispatcher routes Fabric Connect/PropertyGet/PropertySet/
// AuthenticationSend/AuthenticationRecv capsules by their fctype field to
// the registered handler (spec section 4.6's admin-path dispatch),
// grounded on nvmf_ctrlr_process_fabrics_cmd's switch over
// spdk_nvmf_fabric_cmd.fctype. Handlers receive the already-decoded
// fctype-specific command struct; decoding raw capsule bytes into those
// structs is a transport-layer concern outside this package (spec
// section 1's wire-framing Non-goal).
type FabricDispatcher struct {
	ConnectFn  func(cmd wire.FabricConnectCmd, data wire.FabricConnectData) (wire.FabricConnectRsp, error)
	PropGetFn  func(cmd wire.FabricPropGetCmd) (uint64, error)
	PropSetFn  func(cmd wire.FabricPropSetCmd) error
	AuthSendFn func(cmd wire.FabricAuthSendCmd, payload []byte) error
	AuthRecvFn func(cmd wire.FabricAuthRecvCmd) ([]byte, error)
}

// DispatchConnect routes a Fabric Connect command to ConnectFn.
func (d *FabricDispatcher) DispatchConnect(cmd wire.FabricConnectCmd, data wire.FabricConnectData) (wire.FabricConnectRsp, error) {
	if cmd.FCType != wire.FCTypeConnect {
		return wire.FabricConnectRsp{}, corerrors.New(corerrors.KindInvalidOpcode, "not a connect command: fctype %d", cmd.FCType)
	}
	if d.ConnectFn == nil {
		return wire.FabricConnectRsp{}, corerrors.New(corerrors.KindInvalidOpcode, "no connect handler registered")
	}
	return d.ConnectFn(cmd, data)
}

// DispatchPropertyGet routes a Fabric Property Get command to PropGetFn.
func (d *FabricDispatcher) DispatchPropertyGet(cmd wire.FabricPropGetCmd) (uint64, error) {
	if cmd.FCType != wire.FCTypePropertyGet {
		return 0, corerrors.New(corerrors.KindInvalidOpcode, "not a property get command: fctype %d", cmd.FCType)
	}
	if d.PropGetFn == nil {
		return 0, corerrors.New(corerrors.KindInvalidOpcode, "no property get handler registered")
	}
	return d.PropGetFn(cmd)
}

// DispatchPropertySet routes a Fabric Property Set command to PropSetFn.
func (d *FabricDispatcher) DispatchPropertySet(cmd wire.FabricPropSetCmd) error {
	if cmd.FCType != wire.FCTypePropertySet {
		return corerrors.New(corerrors.KindInvalidOpcode, "not a property set command: fctype %d", cmd.FCType)
	}
	if d.PropSetFn == nil {
		return corerrors.New(corerrors.KindInvalidOpcode, "no property set handler registered")
	}
	return d.PropSetFn(cmd)
}

// DispatchAuthSend routes a Fabric Authentication Send command to
// AuthSendFn.
func (d *FabricDispatcher) DispatchAuthSend(cmd wire.FabricAuthSendCmd, payload []byte) error {
	if cmd.FCType != wire.FCTypeAuthenticationSend {
		return corerrors.New(corerrors.KindInvalidOpcode, "not an auth send command: fctype %d", cmd.FCType)
	}
	if d.AuthSendFn == nil {
		return corerrors.New(corerrors.KindInvalidOpcode, "no auth send handler registered")
	}
	return d.AuthSendFn(cmd, payload)
}

// DispatchAuthRecv routes a Fabric Authentication Receive command to
// AuthRecvFn.
func (d *FabricDispatcher) DispatchAuthRecv(cmd wire.FabricAuthRecvCmd) ([]byte, error) {
	if cmd.FCType != wire.FCTypeAuthenticationRecv {
		return nil, corerrors.New(corerrors.KindInvalidOpcode, "not an auth recv command: fctype %d", cmd.FCType)
	}
	if d.AuthRecvFn == nil {
		return nil, corerrors.New(corerrors.KindInvalidOpcode, "no auth recv handler registered")
	}
	return d.AuthRecvFn(cmd)
}
