// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package controller implements the per-association NVMe-oF controller
// (spec section C4): cntlid allocation, the fabric Connect admission
// path, controller property Get/Set, the keep-alive timeout poller, and
// the bounded asynchronous event request (AER) queue with its
// namespace-change-notice coalescing. Grounded on
// lib/nvmf/nvmf_internal.h (struct spdk_nvmf_ctrlr and struct
// spdk_nvmf_subsystem's cntlid fields) and lib/nvmf/subsystem.c's
// nvmf_subsystem_gen_cntlid.
package controller

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opiproject/nvmf-targetcore/pkg/corerrors"
	"github.com/opiproject/nvmf-targetcore/pkg/metrics"
	"github.com/opiproject/nvmf-targetcore/pkg/wire"
)

// cntlid range reserved by the spec: FFF0h-FFFFh are reserved, so valid
// controller ids run from NVMF_MIN_CNTLID to NVMF_MAX_CNTLID.
const (
	MinCntlid = 1
	MaxCntlid = 0xFFEF

	// DynamicCntlid is the sentinel a Connect command uses to request
	// cntlid allocation rather than naming a static one.
	DynamicCntlid = 0xFFFF
)

// MaxAsyncEvents bounds the number of outstanding Asynchronous Event
// Request commands a controller will hold onto at once.
const MaxAsyncEvents = 4

// MaxChangedNamespaces is the capacity of the coalesced
// changed-namespace-id list delivered in a namespace-notice AER; once
// exceeded the list is collapsed to the single "all changed" sentinel.
const MaxChangedNamespaces = 1024

// ChangedNamespacesOverflow is the sentinel NSID reported in slot zero
// of the changed-namespace-id list when more namespaces changed than
// MaxChangedNamespaces can track individually.
const ChangedNamespacesOverflow = 0xFFFFFFFF

// AsyncEventType distinguishes the notice types an AER completion can
// report, mirroring union spdk_nvme_async_event_completion's log page
// identifiers relevant to this target.
type AsyncEventType uint8

// Async event notice types.
const (
	AsyncEventNamespaceChange AsyncEventType = iota
	AsyncEventANAChange
	AsyncEventDiscoveryLogChange
	AsyncEventReservation
	AsyncEventError
)

// AsyncEvent is a single queued or in-flight asynchronous event
// completion (struct spdk_nvmf_async_event_completion).
type AsyncEvent struct {
	Type AsyncEventType
	NSID uint32
}

// PendingAER is an outstanding Asynchronous Event Request the host has
// submitted and that the controller has not yet completed.
type PendingAER struct {
	CID uint16
}

// Registers mirrors the subset of BAR0 controller property registers
// this target actually backs (struct spdk_nvmf_registers): CAP/VS are
// fixed at construction, CC/CSTS/AQA/ASQ/ACQ are host-writable.
type Registers struct {
	Cap  uint64
	VS   uint32
	CC   uint32
	CSTS uint32
	AQA  uint32
	ASQ  uint64
	ACQ  uint64
}

// Controller status register bits (CSTS), the subset this target sets.
const (
	CSTSReady    = 1 << 0
	CSTSShutdown = 1 << 2 // CSTS.SHST == 01b, already shifted into bits 3:2
)

// Controller configuration register bits (CC) this target reads.
const (
	CCEnable   = 1 << 0
	CCShutdown = 0x3 << 14
)

// Notifier delivers a completed AER's payload to the transport layer
// that owns the admin queue pair; how the bytes reach the host is out
// of scope here.
type Notifier interface {
	NotifyAsyncEvent(cid uint16, ev AsyncEvent) error
}

// Controller represents one host association with a subsystem (struct
// spdk_nvmf_ctrlr): a single admin queue pair plus the I/O queue pairs
// it has created, with its own keep-alive clock and AER queue.
type Controller struct {
	mu sync.Mutex
	log *zap.Logger
	metrics *metrics.Registry

	cntlid  uint16
	hostNQN string
	hostID  [16]byte
	subNQN  string

	notifier Notifier
	regs     Registers

	kato            time.Duration
	lastKeepAlive   time.Time
	keepAliveCancel context.CancelFunc

	pendingAERs []PendingAER
	noticeMask  uint64

	changedNamespaces map[uint32]struct{}
	changedOverflow   bool
}

// CntlidAllocator hands out unique controller ids within a subsystem's
// configured [min,max] range, round-robin, ported from
// nvmf_subsystem_gen_cntlid.
type CntlidAllocator struct {
	mu          sync.Mutex
	min, max    uint16
	next        uint16
	inUse       map[uint16]struct{}
}

// NewCntlidAllocator builds an allocator over [min,max]; min must not
// exceed max and both must fall within [MinCntlid,MaxCntlid].
func NewCntlidAllocator(min, max uint16) (*CntlidAllocator, error) {
	if min > max || min < MinCntlid || max > MaxCntlid {
		return nil, corerrors.New(corerrors.KindInvalidParam, "invalid cntlid range [%d,%d]", min, max)
	}
	return &CntlidAllocator{min: min, max: max, next: min - 1, inUse: make(map[uint16]struct{})}, nil
}

// Generate returns an unused cntlid in range, or an error if the range
// is fully allocated. Ported verbatim from nvmf_subsystem_gen_cntlid's
// bounded linear probe.
func (a *CntlidAllocator) Generate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := uint32(a.max) - uint32(a.min) + 1
	for count := uint32(0); count < span; count++ {
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, used := a.inUse[a.next]; !used {
			a.inUse[a.next] = struct{}{}
			return a.next, nil
		}
	}
	return DynamicCntlid, corerrors.New(corerrors.KindNoMemory, "no cntlid values available")
}

// Reserve claims a caller-chosen (static) cntlid, failing if it is
// already in use or out of range.
func (a *CntlidAllocator) Reserve(cntlid uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cntlid < a.min || cntlid > a.max {
		return corerrors.New(corerrors.KindInvalidParam, "cntlid %d out of range [%d,%d]", cntlid, a.min, a.max)
	}
	if _, used := a.inUse[cntlid]; used {
		return corerrors.New(corerrors.KindAlreadyExists, "cntlid %d already in use", cntlid)
	}
	a.inUse[cntlid] = struct{}{}
	return nil
}

// Release frees a previously allocated or reserved cntlid.
func (a *CntlidAllocator) Release(cntlid uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, cntlid)
}

// ConnectParams is the admission-time input decoded from a
// FabricConnectCmd/FabricConnectData pair.
type ConnectParams struct {
	HostNQN    string
	SubNQN     string
	HostID     [16]byte
	RequestedCntlid uint16 // DynamicCntlid for dynamic allocation
	KeepAliveTimeoutMs uint32
}

// New admits a Connect request against alloc, returning a Controller
// parked with CSTS clear (not yet enabled) and CAP/VS pre-populated.
func New(params ConnectParams, alloc *CntlidAllocator, notifier Notifier, cap, vs uint32, m *metrics.Registry, log *zap.Logger) (*Controller, error) {
	var cntlid uint16
	var err error
	if params.RequestedCntlid == DynamicCntlid {
		cntlid, err = alloc.Generate()
	} else {
		cntlid = params.RequestedCntlid
		err = alloc.Reserve(cntlid)
	}
	if err != nil {
		return nil, err
	}

	kato := time.Duration(params.KeepAliveTimeoutMs) * time.Millisecond
	if kato == 0 {
		kato = 120 * time.Second
	}

	return &Controller{
		log:               log,
		metrics:           m,
		cntlid:            cntlid,
		hostNQN:           params.HostNQN,
		hostID:            params.HostID,
		subNQN:            params.SubNQN,
		notifier:          notifier,
		regs:              Registers{Cap: uint64(cap), VS: vs},
		kato:              kato,
		lastKeepAlive:     time.Time{},
		changedNamespaces: make(map[uint32]struct{}),
	}, nil
}

// Cntlid reports the controller id assigned at Connect time.
func (c *Controller) Cntlid() uint16 { return c.cntlid }

// HostNQN reports the associated host's NQN.
func (c *Controller) HostNQN() string { return c.hostNQN }

// ReadProperty reads a controller property register at ofst, failing
// if ofst does not name a register this target backs.
func (c *Controller) ReadProperty(ofst uint32) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ofst {
	case wire.PropCapOfst:
		return c.regs.Cap, nil
	case wire.PropVSOfst:
		return uint64(c.regs.VS), nil
	case wire.PropCCOfst:
		return uint64(c.regs.CC), nil
	case wire.PropCSTSOfst:
		return uint64(c.regs.CSTS), nil
	case wire.PropAQAOfst:
		return uint64(c.regs.AQA), nil
	case wire.PropASQOfst:
		return c.regs.ASQ, nil
	case wire.PropACQOfst:
		return c.regs.ACQ, nil
	default:
		return 0, corerrors.New(corerrors.KindInvalidParam, "unsupported property offset 0x%x", ofst)
	}
}

// WriteProperty writes a controller property register at ofst. Writing
// CC with Enable set transitions CSTS to Ready; clearing Enable (a
// shutdown request) clears Ready, mirroring the CC/CSTS handshake the
// NVMe base spec defines and ctrlr_bdev.c's poll-group wiring assumes.
func (c *Controller) WriteProperty(ofst uint32, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ofst {
	case wire.PropCCOfst:
		c.regs.CC = uint32(value)
		if c.regs.CC&CCEnable != 0 {
			c.regs.CSTS |= CSTSReady
		} else {
			c.regs.CSTS &^= CSTSReady
		}
		return nil
	case wire.PropAQAOfst:
		c.regs.AQA = uint32(value)
		return nil
	case wire.PropASQOfst:
		c.regs.ASQ = value
		return nil
	case wire.PropACQOfst:
		c.regs.ACQ = value
		return nil
	default:
		return corerrors.New(corerrors.KindInvalidParam, "property offset 0x%x is not writable", ofst)
	}
}

// KeepAlive resets the keep-alive clock; call on receipt of any command
// on the admin queue pair, per the base NVMe spec's keep-alive rule.
func (c *Controller) KeepAlive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastKeepAlive = now
}

// KeepAliveExpired reports whether now is past the controller's
// keep-alive deadline.
func (c *Controller) KeepAliveExpired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastKeepAlive.IsZero() {
		return false
	}
	return now.Sub(c.lastKeepAlive) > c.kato
}

// SubmitAER registers an outstanding Asynchronous Event Request from
// the host, returning an error if the queue is already at
// MaxAsyncEvents (the host violated the one-at-a-time-per-slot rule).
func (c *Controller) SubmitAER(cid uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingAERs) >= MaxAsyncEvents {
		return corerrors.New(corerrors.KindNoMemory, "AER queue full")
	}
	c.pendingAERs = append(c.pendingAERs, PendingAER{CID: cid})
	c.reportAERDepthLocked()
	return nil
}

// reportAERDepthLocked publishes the current pending-AER count; call with
// c.mu held after any pendingAERs mutation.
func (c *Controller) reportAERDepthLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.AERQueueDepth.WithLabelValues(c.subNQN, strconv.Itoa(int(c.cntlid))).Set(float64(len(c.pendingAERs)))
}

// NotifyNamespaceChange records nsid as changed and, if an AER is
// outstanding, completes it immediately with a coalesced namespace
// notice. Multiple changes between AER submissions coalesce into one
// changed-namespace-id list, matching the real controller's
// changed_ns_list accumulation.
func (c *Controller) NotifyNamespaceChange(nsid uint32) error {
	c.mu.Lock()
	if len(c.changedNamespaces) >= MaxChangedNamespaces {
		c.changedOverflow = true
	} else {
		c.changedNamespaces[nsid] = struct{}{}
	}
	ev := AsyncEvent{Type: AsyncEventNamespaceChange, NSID: nsid}
	cid, ok := c.popAERLocked()
	c.mu.Unlock()

	if !ok || c.notifier == nil {
		return nil
	}
	return c.notifier.NotifyAsyncEvent(cid, ev)
}

// ChangedNamespaceList returns the current coalesced changed-namespace
// list for the Get Log Page(Changed Namespace List) command, and
// clears it as the real controller does once the host reads it.
func (c *Controller) ChangedNamespaceList() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var list []uint32
	if c.changedOverflow {
		list = []uint32{ChangedNamespacesOverflow}
	} else {
		list = make([]uint32, 0, len(c.changedNamespaces))
		for nsid := range c.changedNamespaces {
			list = append(list, nsid)
		}
	}
	c.changedNamespaces = make(map[uint32]struct{})
	c.changedOverflow = false
	return list
}

// NotifyANAChange and NotifyDiscoveryLogChange mirror
// NotifyNamespaceChange for their respective notice types; they carry
// no payload beyond the notice type itself.
func (c *Controller) NotifyANAChange() error {
	return c.notifySimple(AsyncEventANAChange)
}

func (c *Controller) NotifyDiscoveryLogChange() error {
	return c.notifySimple(AsyncEventDiscoveryLogChange)
}

func (c *Controller) NotifyReservation(nsid uint32) error {
	return c.notifyWithNSID(AsyncEventReservation, nsid)
}

func (c *Controller) notifySimple(t AsyncEventType) error {
	c.mu.Lock()
	cid, ok := c.popAERLocked()
	c.mu.Unlock()
	if !ok || c.notifier == nil {
		return nil
	}
	return c.notifier.NotifyAsyncEvent(cid, AsyncEvent{Type: t})
}

func (c *Controller) notifyWithNSID(t AsyncEventType, nsid uint32) error {
	c.mu.Lock()
	cid, ok := c.popAERLocked()
	c.mu.Unlock()
	if !ok || c.notifier == nil {
		return nil
	}
	return c.notifier.NotifyAsyncEvent(cid, AsyncEvent{Type: t, NSID: nsid})
}

func (c *Controller) popAERLocked() (uint16, bool) {
	if len(c.pendingAERs) == 0 {
		return 0, false
	}
	cid := c.pendingAERs[0].CID
	c.pendingAERs = c.pendingAERs[1:]
	c.reportAERDepthLocked()
	return cid, true
}

// AbortAER discards all outstanding AERs without completing them (the
// notifier is not called), used when tearing down the controller (struct
// spdk_nvmf_ctrlr's nvmf_ctrlr_abort_aer).
func (c *Controller) AbortAER() {
	c.mu.Lock()
	c.pendingAERs = nil
	c.reportAERDepthLocked()
	c.mu.Unlock()
}

// Release frees this controller's cntlid back to alloc; call once on
// teardown.
func (c *Controller) Release(alloc *CntlidAllocator) {
	alloc.Release(c.cntlid)
}
