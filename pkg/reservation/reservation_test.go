// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

package reservation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	events []recordedEvent
}

type recordedEvent struct {
	hosts []HostID
	event Event
}

func (n *recordingNotifier) Notify(hosts []HostID, event Event) {
	n.events = append(n.events, recordedEvent{hosts: append([]HostID(nil), hosts...), event: event})
}

func hostID(b byte) HostID {
	var h HostID
	h[0] = b
	return h
}

func TestRegisterNewAndDuplicate(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA := hostID(1)

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 0xA}))
	// re-registering with the same key is not an error.
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 0xA}))

	err := ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 0xB})
	require.Error(t, err, "registering a different key for an already-registered host is a conflict")
}

func TestRegisterZeroKeyRejected(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	err := ns.Register(hostID(1), RegisterCmd{Action: RegisterKeyAction, NRKey: 0})
	require.Error(t, err)
}

func TestUnregisterNotifiesOnRegOnlyRelease(t *testing.T) {
	notifier := &recordingNotifier{}
	ns := NewNamespace("nqn.test:sub1", 1, notifier, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusiveRegOnly, CRKey: 1}))

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: UnregisterKey, CRKey: 1}))

	require.Len(t, notifier.events, 1)
	assert.Equal(t, EventReservationReleased, notifier.events[0].event)
	assert.Equal(t, []HostID{hostB}, notifier.events[0].hosts)
}

func TestUnregisterHolderUnderAllRegsPromotesNextRegistrant(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccessAllRegs, CRKey: 1}))

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: UnregisterKey, CRKey: 1}))

	rep := ns.Report()
	require.Len(t, rep.Registrants, 1)
	assert.Equal(t, hostB, rep.Registrants[0].HostID, "the remaining registrant takes over as holder")
	assert.True(t, rep.Registrants[0].Holder)
	assert.Equal(t, TypeExclusiveAccessAllRegs, rep.RType, "the reservation survives its holder's removal under AllRegs types")
	assert.Equal(t, Access{Read: true, Write: true}, ns.CheckAccess(hostB))
}

func TestUnregisterLastRegistrantUnderAllRegsClearsReservation(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA := hostID(1)

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusiveAllRegs, CRKey: 1}))

	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: UnregisterKey, CRKey: 1}))

	rep := ns.Report()
	assert.Empty(t, rep.Registrants)
	assert.Equal(t, Type(0), rep.RType)
}

func TestAcquireConflictWhenAlreadyHeldWithDifferentType(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccess, CRKey: 1}))

	err := ns.Acquire(hostB, AcquireCmd{Action: Acquire, RType: TypeWriteExclusive, CRKey: 2})
	require.Error(t, err)
}

func TestAcquireSameTypeByHolderIsNoop(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA := hostID(1)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccess, CRKey: 1}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccess, CRKey: 1}))
}

func TestPreemptSelfReleasesAndRetypes(t *testing.T) {
	notifier := &recordingNotifier{}
	ns := NewNamespace("nqn.test:sub1", 1, notifier, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusive, CRKey: 1}))

	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Preempt, RType: TypeExclusiveAccess, CRKey: 1, PRKey: 1}))

	rep := ns.Report()
	assert.Equal(t, TypeExclusiveAccess, rep.RType)
}

func TestPreemptOtherHolderTransfers(t *testing.T) {
	notifier := &recordingNotifier{}
	ns := NewNamespace("nqn.test:sub1", 1, notifier, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusive, CRKey: 1}))

	require.NoError(t, ns.Acquire(hostB, AcquireCmd{Action: Preempt, RType: TypeExclusiveAccess, CRKey: 2, PRKey: 1}))

	rep := ns.Report()
	require.Len(t, rep.Registrants, 1, "preempting the holder by key unregisters it entirely")
	assert.Equal(t, hostB, rep.Registrants[0].HostID)
	assert.True(t, rep.Registrants[0].Holder)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, EventRegistrationPreempted, notifier.events[0].event, "the unregistered former holder's disappearance is reported as a preempted registration")
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusiveAllRegs, CRKey: 1}))

	require.NoError(t, ns.Release(hostB, ReleaseCmd{Action: ReleaseAct, RType: TypeWriteExclusiveAllRegs, CRKey: 2}))

	rep := ns.Report()
	assert.Equal(t, TypeWriteExclusiveAllRegs, rep.RType, "release from a non-holder must not clear the reservation")
}

func TestReleaseWriteExclusiveDoesNotNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	ns := NewNamespace("nqn.test:sub1", 1, notifier, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusive, CRKey: 1}))

	require.NoError(t, ns.Release(hostA, ReleaseCmd{Action: ReleaseAct, RType: TypeWriteExclusive, CRKey: 1}))
	assert.Empty(t, notifier.events, "WriteExclusive/ExclusiveAccess release never generates a notification")
}

func TestClearNotifiesAllAndWipesRegistrants(t *testing.T) {
	notifier := &recordingNotifier{}
	ns := NewNamespace("nqn.test:sub1", 1, notifier, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccess, CRKey: 1}))

	require.NoError(t, ns.Release(hostA, ReleaseCmd{Action: ClearAct}))

	rep := ns.Report()
	assert.Empty(t, rep.Registrants)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, EventReservationPreempted, notifier.events[0].event)
}

func TestCheckAccessNoReservation(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	acc := ns.CheckAccess(hostID(9))
	assert.Equal(t, Access{Read: true, Write: true}, acc)
}

func TestCheckAccessExclusiveAccessDeniesNonHolder(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccess, CRKey: 1}))

	assert.Equal(t, Access{Read: true, Write: true}, ns.CheckAccess(hostA))
	assert.Equal(t, Access{}, ns.CheckAccess(hostB))
	assert.Equal(t, Access{}, ns.CheckAccess(hostID(99)))
}

func TestCheckAccessWriteExclusiveAllowsReadOnly(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusive, CRKey: 1}))

	assert.Equal(t, Access{Read: true, Write: false}, ns.CheckAccess(hostB))
	assert.Equal(t, Access{Read: true, Write: false}, ns.CheckAccess(hostID(99)), "non-RegOnly types don't distinguish registered vs unregistered non-holders")
}

func TestCheckAccessExclusiveAccessRegOnlyDeniesNonHolderRegistrant(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeExclusiveAccessRegOnly, CRKey: 1}))

	assert.Equal(t, Access{Read: true, Write: true}, ns.CheckAccess(hostA))
	assert.Equal(t, Access{}, ns.CheckAccess(hostB), "only the holder gets access under the ExclusiveAccess family, registered or not")
	assert.Equal(t, Access{}, ns.CheckAccess(hostID(99)), "unregistered hosts get no access under RegOnly types")
}

func TestCheckAccessWriteExclusiveRegOnlyAllowsAnyRegistrantWrite(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	hostA, hostB := hostID(1), hostID(2)
	require.NoError(t, ns.Register(hostA, RegisterCmd{Action: RegisterKeyAction, NRKey: 1}))
	require.NoError(t, ns.Register(hostB, RegisterCmd{Action: RegisterKeyAction, NRKey: 2}))
	require.NoError(t, ns.Acquire(hostA, AcquireCmd{Action: Acquire, RType: TypeWriteExclusiveRegOnly, CRKey: 1}))

	assert.Equal(t, Access{Read: true, Write: true}, ns.CheckAccess(hostB), "any registrant may write under WriteExclusiveRegOnly")
	assert.Equal(t, Access{Read: true, Write: false}, ns.CheckAccess(hostID(99)), "reads are always allowed under the WriteExclusive family")
}

func TestPtplPersistRequiresSink(t *testing.T) {
	ns := NewNamespace("nqn.test:sub1", 1, nil, nil, nil, nil)
	err := ns.Register(hostID(1), RegisterCmd{Action: RegisterKeyAction, NRKey: 1, Cptpl: PtplPersist})
	require.Error(t, err)
}

type fakeSink struct {
	last PtplState
	n    int
}

func (s *fakeSink) Save(state PtplState) error {
	s.last = state
	s.n++
	return nil
}

func TestPtplPersistSavesOnMutation(t *testing.T) {
	sink := &fakeSink{}
	ns := NewNamespace("nqn.test:sub1", 1, nil, sink, nil, nil)
	require.NoError(t, ns.Register(hostID(1), RegisterCmd{Action: RegisterKeyAction, NRKey: 1, Cptpl: PtplPersist}))
	assert.Equal(t, 1, sink.n)
	assert.True(t, sink.last.Ptpls)
	require.Len(t, sink.last.Registrants, 1)
}
