// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package reservation implements the SCSI-3-style persistent reservation
// engine in front of a namespace's block device (spec section 4.2),
// grounded on SPDK's nvmf_ns_reservation_register/acquire/release in
// lib/nvmf/subsystem.c.
package reservation

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/opiproject/nvmf-targetcore/pkg/corerrors"
	"github.com/opiproject/nvmf-targetcore/pkg/metrics"
)

// MaxRegistrants bounds a namespace's registrant list, mirroring
// SPDK_NVMF_MAX_NUM_REGISTRANTS; Register refuses to add a registrant
// beyond it.
const MaxRegistrants = 16

// Type is a persistent reservation type, values matching the NVMe
// Reservation Acquire/Register command's RTYPE encoding.
type Type uint8

// Reservation types.
const (
	TypeWriteExclusive            Type = 1
	TypeExclusiveAccess           Type = 2
	TypeWriteExclusiveRegOnly     Type = 3
	TypeExclusiveAccessRegOnly    Type = 4
	TypeWriteExclusiveAllRegs     Type = 5
	TypeExclusiveAccessAllRegs    Type = 6
)

func (t Type) allRegistrantsType() bool {
	return t == TypeWriteExclusiveAllRegs || t == TypeExclusiveAccessAllRegs
}

func (t Type) registrantsOnly() bool {
	switch t {
	case TypeWriteExclusiveRegOnly, TypeExclusiveAccessRegOnly,
		TypeWriteExclusiveAllRegs, TypeExclusiveAccessAllRegs:
		return true
	default:
		return false
	}
}

func (t Type) exclusiveAccess() bool {
	switch t {
	case TypeExclusiveAccess, TypeExclusiveAccessRegOnly, TypeExclusiveAccessAllRegs:
		return true
	default:
		return false
	}
}

// RegisterAction is the Reservation Register command's RREGA field.
type RegisterAction uint8

// Register actions.
const (
	RegisterKeyAction  RegisterAction = 0
	UnregisterKey      RegisterAction = 1
	ReplaceKeyAction   RegisterAction = 2
)

// PersistThroughPowerLoss is the Reservation Register command's CPTPL
// field.
type PersistThroughPowerLoss uint8

// PTPL field values.
const (
	PtplNoChange PersistThroughPowerLoss = 0
	PtplClear    PersistThroughPowerLoss = 2
	PtplPersist  PersistThroughPowerLoss = 3
)

// AcquireAction is the Reservation Acquire command's RACQA field.
type AcquireAction uint8

// Acquire actions.
const (
	Acquire AcquireAction = 0
	Preempt AcquireAction = 1
)

// ReleaseAction is the Reservation Release command's RRELA field.
type ReleaseAction uint8

// Release actions.
const (
	ReleaseAct ReleaseAction = 0
	ClearAct   ReleaseAction = 1
)

// Event is a reservation-related asynchronous notification, generated for
// registrants other than the one issuing the command that caused it.
type Event uint8

// Notification events, matching the NVMe Reservation Notification Log
// Page's event codes.
const (
	EventRegistrationPreempted Event = 1
	EventReservationReleased   Event = 2
	EventReservationPreempted  Event = 3
)

// HostID identifies a controller's host NQN-scoped identity (the NVMe
// Host Identifier), used as the registrant key.
type HostID [16]byte

// Registrant is one controller registered against a namespace's
// reservation.
type Registrant struct {
	HostID HostID
	RKey   uint64
}

// Notifier delivers reservation notification events to every controller
// whose host identifier is in hosts, except the one that issued the
// triggering command.
type Notifier interface {
	Notify(hosts []HostID, event Event)
}

// PtplState is the on-disk representation of a namespace's persistent
// reservation state, written whenever PTPL is active (spec section 6.4).
// Field names and tags mirror the JSON-RPC parameter conventions used
// elsewhere in this stack.
type PtplState struct {
	Rtype       Type         `json:"rtype"`
	Ptpls       bool         `json:"ptpls"`
	Registrants []PtplRegent `json:"registrants"`
}

// PtplRegent is one registrant entry within PtplState.
type PtplRegent struct {
	HostID HostID `json:"host_id"`
	RKey   uint64 `json:"rkey"`
}

// PtplSink persists a namespace's reservation state after each mutation
// while PTPL is active. It has no restore method, and nothing in this
// package loads saved state back into a Namespace. Concrete backends (a
// JSON file, etc.) are external collaborators; the engine only consumes
// this interface.
type PtplSink interface {
	Save(state PtplState) error
}

// Namespace is the reservation state attached to one namespace. Construct
// one with NewNamespace.
type Namespace struct {
	mu sync.Mutex

	log      *zap.Logger
	notifier Notifier
	ptpl     PtplSink
	metrics  *metrics.Registry
	subnqn   string
	nsid     uint32

	registrants []*Registrant
	holder      *Registrant
	rtype       Type
	crkey       uint64
	gen         uint32

	ptplFileConfigured bool
	ptplActivated      bool
}

// NewNamespace constructs reservation state for one namespace. ptpl may be
// nil; a namespace without a PTPL sink rejects CPTPL=persist (as SPDK
// does when no ptpl_file is set).
func NewNamespace(subnqn string, nsid uint32, notifier Notifier, ptpl PtplSink, m *metrics.Registry, log *zap.Logger) *Namespace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Namespace{
		log:                log,
		notifier:           notifier,
		ptpl:               ptpl,
		metrics:            m,
		subnqn:             subnqn,
		nsid:               nsid,
		ptplFileConfigured: ptpl != nil,
	}
}

func (ns *Namespace) findRegistrantLocked(host HostID) *Registrant {
	for _, r := range ns.registrants {
		if r.HostID == host {
			return r
		}
	}
	return nil
}

func (ns *Namespace) isHolderLocked(reg *Registrant) bool {
	return ns.holder != nil && ns.holder == reg
}

func (ns *Namespace) otherHostsLocked(exclude HostID) []HostID {
	hosts := make([]HostID, 0, len(ns.registrants))
	for _, r := range ns.registrants {
		if r.HostID != exclude {
			hosts = append(hosts, r.HostID)
		}
	}
	return hosts
}

func (ns *Namespace) addRegistrantLocked(host HostID, rkey uint64) {
	ns.registrants = append(ns.registrants, &Registrant{HostID: host, RKey: rkey})
	ns.gen++
}

// removeRegistrantLocked drops reg from the registrant list, releasing the
// reservation it holds, if any; under AllRegs types the first remaining
// registrant becomes the holder instead (SPDK's
// nvmf_ns_reservation_check_release_on_remove_registrant +
// nvmf_ns_reservation_remove_registrant).
func (ns *Namespace) removeRegistrantLocked(reg *Registrant) {
	wasHolder := ns.holder == reg
	if wasHolder && !ns.rtype.allRegistrantsType() {
		ns.holder = nil
		ns.rtype = 0
		ns.crkey = 0
	}
	for i, r := range ns.registrants {
		if r == reg {
			ns.registrants = append(ns.registrants[:i], ns.registrants[i+1:]...)
			break
		}
	}
	if wasHolder && ns.rtype.allRegistrantsType() {
		// Under AllRegs types the reservation survives its holder's
		// removal; the next remaining registrant takes over.
		if len(ns.registrants) > 0 {
			ns.holder = ns.registrants[0]
		} else {
			ns.holder = nil
			ns.rtype = 0
			ns.crkey = 0
		}
	}
	ns.gen++
}

func (ns *Namespace) removeRegistrantsByKeyLocked(rkey uint64) int {
	var removed int
	for _, r := range append([]*Registrant(nil), ns.registrants...) {
		if r.RKey == rkey {
			ns.removeRegistrantLocked(r)
			removed++
		}
	}
	return removed
}

func (ns *Namespace) removeAllOtherRegistrantsLocked(keep *Registrant) int {
	var removed int
	for _, r := range append([]*Registrant(nil), ns.registrants...) {
		if r != keep {
			ns.removeRegistrantLocked(r)
			removed++
		}
	}
	return removed
}

func (ns *Namespace) notify(hosts []HostID, event Event) {
	if ns.notifier == nil || len(hosts) == 0 {
		return
	}
	ns.notifier.Notify(hosts, event)
}

func (ns *Namespace) persistIfActivatedLocked() error {
	if !ns.ptplActivated || ns.ptpl == nil {
		return nil
	}
	state := PtplState{Rtype: ns.rtype, Ptpls: ns.ptplActivated}
	for _, r := range ns.registrants {
		state.Registrants = append(state.Registrants, PtplRegent{HostID: r.HostID, RKey: r.RKey})
	}
	if err := ns.ptpl.Save(state); err != nil {
		return corerrors.Wrap(corerrors.KindInternalDeviceError, err, "persist reservation state for nsid %d", ns.nsid)
	}
	return nil
}

func (ns *Namespace) mutation(op string) {
	if ns.metrics == nil {
		return
	}
	ns.metrics.ReservationMutations.WithLabelValues(ns.subnqn, labelNsid(ns.nsid), op).Inc()
	ns.metrics.NamespaceGeneration.WithLabelValues(ns.subnqn, labelNsid(ns.nsid)).Set(float64(ns.gen))
}

func (ns *Namespace) conflict() {
	if ns.metrics == nil {
		return
	}
	ns.metrics.ReservationConflicts.WithLabelValues(ns.subnqn, labelNsid(ns.nsid)).Inc()
}

// RegisterCmd is a Reservation Register command (spec section 4.2).
type RegisterCmd struct {
	Action RegisterAction
	IEKey  bool
	Cptpl  PersistThroughPowerLoss
	CRKey  uint64
	NRKey  uint64
}

// Register implements the Reservation Register command: registering a new
// key, unregistering, or replacing an existing key, grounded on
// nvmf_ns_reservation_register.
func (ns *Namespace) Register(host HostID, cmd RegisterCmd) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	switch cmd.Cptpl {
	case PtplClear:
		ns.ptplActivated = false
	case PtplPersist:
		if !ns.ptplFileConfigured {
			return corerrors.New(corerrors.KindInvalidParam, "PTPL persist requested but namespace %d has no PTPL sink configured", ns.nsid)
		}
		ns.ptplActivated = true
	}

	reg := ns.findRegistrantLocked(host)
	if reg == nil && len(ns.registrants) >= MaxRegistrants &&
		(cmd.Action == RegisterKeyAction || (cmd.Action == ReplaceKeyAction && cmd.IEKey)) {
		return corerrors.New(corerrors.KindNoMemory, "namespace %d already has %d registrants", ns.nsid, MaxRegistrants)
	}

	switch cmd.Action {
	case RegisterKeyAction:
		if reg == nil {
			if cmd.NRKey == 0 {
				return corerrors.New(corerrors.KindInvalidParam, "cannot register a zeroed key")
			}
			ns.addRegistrantLocked(host, cmd.NRKey)
		} else if reg.RKey != cmd.NRKey {
			ns.conflict()
			return corerrors.New(corerrors.KindReservationConflict, "host already registered with a different key")
		}

	case UnregisterKey:
		if reg == nil || (!cmd.IEKey && reg.RKey != cmd.CRKey) {
			ns.conflict()
			return corerrors.New(corerrors.KindReservationConflict, "no registrant or current key mismatch")
		}
		rtype := ns.rtype
		others := ns.otherHostsLocked(host)
		ns.removeRegistrantLocked(reg)
		if ns.rtype == 0 && len(others) > 0 &&
			(rtype == TypeWriteExclusiveRegOnly || rtype == TypeExclusiveAccessRegOnly) {
			ns.notify(others, EventReservationReleased)
		}

	case ReplaceKeyAction:
		if cmd.NRKey == 0 {
			return corerrors.New(corerrors.KindInvalidParam, "cannot register a zeroed key")
		}
		switch {
		case reg != nil:
			if !cmd.IEKey && reg.RKey != cmd.CRKey {
				ns.conflict()
				return corerrors.New(corerrors.KindReservationConflict, "current key mismatch")
			}
			if reg.RKey == cmd.NRKey {
				return nil
			}
			reg.RKey = cmd.NRKey
		case cmd.IEKey:
			ns.addRegistrantLocked(host, cmd.NRKey)
		default:
			ns.conflict()
			return corerrors.New(corerrors.KindReservationConflict, "no registrant")
		}

	default:
		return corerrors.New(corerrors.KindInvalidParam, "unknown register action %d", cmd.Action)
	}

	ns.mutation("register")
	return ns.persistIfActivatedLocked()
}

// AcquireCmd is a Reservation Acquire command.
type AcquireCmd struct {
	Action AcquireAction
	IEKey  bool
	RType  Type
	CRKey  uint64
	PRKey  uint64
}

// Acquire implements the Reservation Acquire command (ACQUIRE and PREEMPT
// sub-actions), grounded on nvmf_ns_reservation_acquire.
func (ns *Namespace) Acquire(host HostID, cmd AcquireCmd) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if cmd.IEKey {
		return corerrors.New(corerrors.KindInvalidParam, "ignore existing key field is not supported")
	}

	reg := ns.findRegistrantLocked(host)
	if reg == nil || reg.RKey != cmd.CRKey {
		ns.conflict()
		return corerrors.New(corerrors.KindReservationConflict, "no registrant or current key mismatch")
	}

	switch cmd.Action {
	case Acquire:
		return ns.doAcquire(host, reg, cmd)
	case Preempt:
		return ns.doPreempt(host, reg, cmd)
	default:
		return corerrors.New(corerrors.KindInvalidParam, "unknown acquire action %d", cmd.Action)
	}
}

func (ns *Namespace) doAcquire(host HostID, reg *Registrant, cmd AcquireCmd) error {
	switch {
	case ns.isHolderLocked(reg) && ns.rtype == cmd.RType:
		// re-acquiring the same type is a no-op, not an error.
		return nil
	case ns.holder == nil:
		ns.holder = reg
		ns.rtype = cmd.RType
		ns.crkey = cmd.CRKey
	default:
		ns.conflict()
		return corerrors.New(corerrors.KindReservationConflict, "reservation already held with a different type")
	}
	ns.mutation("acquire")
	return ns.persistIfActivatedLocked()
}

func (ns *Namespace) doPreempt(host HostID, reg *Registrant, cmd AcquireCmd) error {
	others := ns.otherHostsLocked(host)
	allRegs := ns.rtype.allRegistrantsType()
	reservationReleased := false

	if ns.holder == nil {
		ns.removeRegistrantsByKeyLocked(cmd.PRKey)
	} else if !allRegs {
		switch {
		case ns.isHolderLocked(reg) && ns.crkey == cmd.PRKey:
			ns.rtype = cmd.RType
			reservationReleased = true
		case ns.crkey == cmd.PRKey:
			ns.removeRegistrantLocked(ns.holder)
			ns.holder = reg
			ns.rtype = cmd.RType
			ns.crkey = cmd.CRKey
			reservationReleased = true
		case cmd.PRKey != 0:
			ns.removeRegistrantsByKeyLocked(cmd.PRKey)
		default:
			ns.conflict()
			return corerrors.New(corerrors.KindReservationConflict, "preempt key is zero")
		}
	} else {
		if cmd.PRKey == 0 {
			ns.removeAllOtherRegistrantsLocked(reg)
		} else if ns.removeRegistrantsByKeyLocked(cmd.PRKey) == 0 {
			ns.conflict()
			return corerrors.New(corerrors.KindReservationConflict, "preempt key matches no registrant")
		}
	}

	newOthers := ns.otherHostsLocked(host)
	preempted := unregisteredSince(others, newOthers)
	if len(preempted) > 0 {
		ns.notify(preempted, EventRegistrationPreempted)
	}
	if reservationReleased && len(newOthers) > 0 {
		ns.notify(newOthers, EventReservationReleased)
	}

	ns.mutation("preempt")
	return ns.persistIfActivatedLocked()
}

// unregisteredSince returns the hosts present in before but absent from
// after, i.e. the registrants a preempt just unregistered.
func unregisteredSince(before, after []HostID) []HostID {
	stillPresent := make(map[HostID]bool, len(after))
	for _, h := range after {
		stillPresent[h] = true
	}
	var gone []HostID
	for _, h := range before {
		if !stillPresent[h] {
			gone = append(gone, h)
		}
	}
	return gone
}

// ReleaseCmd is a Reservation Release command.
type ReleaseCmd struct {
	Action ReleaseAction
	IEKey  bool
	RType  Type
	CRKey  uint64
}

// Release implements the Reservation Release command (RELEASE and CLEAR
// sub-actions), grounded on nvmf_ns_reservation_release.
func (ns *Namespace) Release(host HostID, cmd ReleaseCmd) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if cmd.IEKey {
		return corerrors.New(corerrors.KindInvalidParam, "ignore existing key field is not supported")
	}

	reg := ns.findRegistrantLocked(host)
	if reg == nil || reg.RKey != cmd.CRKey {
		ns.conflict()
		return corerrors.New(corerrors.KindReservationConflict, "no registrant or current key mismatch")
	}

	others := ns.otherHostsLocked(host)

	switch cmd.Action {
	case ReleaseAct:
		if ns.holder == nil {
			return nil
		}
		if ns.rtype != cmd.RType {
			return corerrors.New(corerrors.KindInvalidParam, "release type does not match current reservation type")
		}
		if !ns.isHolderLocked(reg) {
			// not the holder; not an error, just a no-op.
			return nil
		}
		rtype := ns.rtype
		ns.holder = nil
		ns.rtype = 0
		ns.crkey = 0
		if len(others) > 0 && rtype != TypeWriteExclusive && rtype != TypeExclusiveAccess {
			ns.notify(others, EventReservationReleased)
		}

	case ClearAct:
		for _, r := range append([]*Registrant(nil), ns.registrants...) {
			ns.removeRegistrantLocked(r)
		}
		if len(others) > 0 {
			ns.notify(others, EventReservationPreempted)
		}

	default:
		return corerrors.New(corerrors.KindInvalidParam, "unknown release action %d", cmd.Action)
	}

	ns.mutation("release")
	return ns.persistIfActivatedLocked()
}

// ReportEntry is one registrant row of a Reservation Report response.
type ReportEntry struct {
	HostID HostID
	RKey   uint64
	Holder bool
}

// Report is the decoded Reservation Report response (spec section 4.2;
// grounded on nvmf_ns_reservation_report, extended data structure only).
type Report struct {
	Generation uint32
	RType      Type
	Ptpls      bool
	Registrants []ReportEntry
}

// Report implements the Reservation Report command.
func (ns *Namespace) Report() Report {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	rep := Report{Generation: ns.gen, RType: ns.rtype, Ptpls: ns.ptplActivated}
	for _, r := range ns.registrants {
		rep.Registrants = append(rep.Registrants, ReportEntry{
			HostID: r.HostID,
			RKey:   r.RKey,
			Holder: ns.holder == r,
		})
	}
	return rep
}

// Access describes the I/O classes a host may perform against a
// reserved namespace.
type Access struct {
	Read  bool
	Write bool
}

// CheckAccess reports whether host may read and/or write given the
// current reservation state. With no active reservation, all access is
// allowed. Exclusive-access types (plain, RegOnly, AllRegs) restrict all
// access, including reads, to the literal holder. Write-exclusive types
// always allow reads to every host; writes are reserved to the holder for
// the plain type, or to any registrant for the RegOnly/AllRegs variants.
func (ns *Namespace) CheckAccess(host HostID) Access {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.holder == nil {
		return Access{Read: true, Write: true}
	}
	reg := ns.findRegistrantLocked(host)
	isHolder := reg != nil && ns.isHolderLocked(reg)
	isRegistrant := reg != nil

	if ns.rtype.exclusiveAccess() {
		if isHolder {
			return Access{Read: true, Write: true}
		}
		return Access{}
	}

	access := Access{Read: true}
	switch ns.rtype {
	case TypeWriteExclusive:
		access.Write = isHolder
	case TypeWriteExclusiveRegOnly, TypeWriteExclusiveAllRegs:
		access.Write = isRegistrant
	}
	return access
}

func labelNsid(nsid uint32) string {
	return strconv.FormatUint(uint64(nsid), 10)
}
