// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

package subsystem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubNQN = "nqn.2014-08.org.nvmexpress:uuid:11111111-2222-4333-8444-555555555555"

type fakePollGroup struct {
	fail     bool
	applied  []State
}

func (g *fakePollGroup) Apply(ctx context.Context, state State, nsid uint32) error {
	g.applied = append(g.applied, state)
	if g.fail {
		return assert.AnError
	}
	return nil
}

func TestNewRejectsInvalidNQN(t *testing.T) {
	_, err := New("not-an-nqn", nil)
	require.Error(t, err)
}

func TestActivateDeactivateRoundTrip(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	require.Equal(t, StateInactive, s.State())

	pg := &fakePollGroup{}
	require.NoError(t, s.Activate(context.Background(), []PollGroup{pg}))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, []State{StateActive}, pg.applied)

	require.NoError(t, s.Deactivate(context.Background(), []PollGroup{pg}))
	assert.Equal(t, StateInactive, s.State())
}

func TestActivateAlreadyActiveIsNoop(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	pg := &fakePollGroup{}
	require.NoError(t, s.Activate(context.Background(), []PollGroup{pg}))
	require.NoError(t, s.Activate(context.Background(), []PollGroup{pg}))
	assert.Len(t, pg.applied, 1, "no poll group fan-out when already in the requested state")
}

func TestActivateFailureRevertsToInactive(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	pg := &fakePollGroup{fail: true}

	err = s.Activate(context.Background(), []PollGroup{pg})
	require.Error(t, err)
	assert.Equal(t, StateInactive, s.State(), "a failed activation reverts all the way back to inactive")
}

func TestPauseResumeRoundTrip(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	pg := &fakePollGroup{}
	require.NoError(t, s.Activate(context.Background(), []PollGroup{pg}))

	require.NoError(t, s.Pause(context.Background(), 0, []PollGroup{pg}))
	assert.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume(context.Background(), []PollGroup{pg}))
	assert.Equal(t, StateActive, s.State())
}

func TestPauseFailureLeavesSubsystemPausing(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	ok := &fakePollGroup{}
	require.NoError(t, s.Activate(context.Background(), []PollGroup{ok}))

	failing := &fakePollGroup{fail: true}
	err = s.Pause(context.Background(), 0, []PollGroup{failing})
	require.Error(t, err)
	// A failed pause has no legal CAS transition back out of PAUSING
	// (see setState's revert-intermediate exceptions), so the
	// subsystem is left parked there rather than cleanly reverted.
	assert.Equal(t, StatePausing, s.State())
}

func TestHostAllowList(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)

	assert.False(t, s.HostAllowed("nqn.2014-08.org.nvmexpress:uuid:22222222-2222-4333-8444-555555555555"))

	hostNQN := "nqn.2014-08.org.nvmexpress:uuid:22222222-2222-4333-8444-555555555555"
	require.NoError(t, s.AddHost(Host{NQN: hostNQN}))
	assert.True(t, s.HostAllowed(hostNQN))

	require.Error(t, s.AddHost(Host{NQN: hostNQN}), "duplicate host add is rejected")

	require.NoError(t, s.RemoveHost(hostNQN))
	assert.False(t, s.HostAllowed(hostNQN))
}

func TestAllowAnyHostOverridesList(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	s.SetAllowAnyHost(true)
	assert.True(t, s.HostAllowed("nqn.2014-08.org.nvmexpress:uuid:33333333-2222-4333-8444-555555555555"))
}

func TestListenerLifecycleBumpsGenCtr(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	before := s.DiscoveryGenCtr()

	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)
	assert.Greater(t, s.DiscoveryGenCtr(), before)

	require.NoError(t, s.RemoveListener(l.ID))
	assert.Error(t, s.RemoveListener(l.ID), "removing an already-removed listener fails")
}

func TestAddListenerRejectedWhileActive(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(context.Background(), nil))

	_, err = s.AddListener("tcp", "10.0.0.1:4420")
	require.Error(t, err)
}

func TestListenerIDReuseAfterRemoval(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	l1, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)
	require.NoError(t, s.RemoveListener(l1.ID))

	l2, err := s.AddListener("tcp", "10.0.0.2:4420")
	require.NoError(t, err)
	assert.Equal(t, l1.ID, l2.ID)
}

func TestNamespaceAddRemove(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddNamespace(Namespace{NSID: 1}))
	require.Error(t, s.AddNamespace(Namespace{NSID: 1}))

	ns, ok := s.Namespace(1)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ns.NSID)

	require.NoError(t, s.RemoveNamespace(1))
	_, ok = s.Namespace(1)
	assert.False(t, ok)
}

func TestAllListenerIDsAllocatable(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	for i := 0; i < MaxListeners; i++ {
		_, err := s.AddListener("tcp", "10.0.0.1:0")
		require.NoError(t, err, "listener %d should be allocatable", i)
	}
	_, err = s.AddListener("tcp", "10.0.0.1:0")
	require.Error(t, err, "the bitmap is exhausted after MaxListeners allocations")
}

func TestSetANAStateRequiresAnaReporting(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)

	err = s.SetANAState(l.ID, 0, ANANonOptimized)
	require.Error(t, err, "ANA state changes are rejected until ana_reporting is enabled")
}

func TestSetANAStateUpdatesMatchingGroupAndNotifiesAttachedControllers(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	s.SetAnaReporting(true)

	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)
	require.NoError(t, s.AddNamespace(Namespace{NSID: 1, ANAGroup: 1}))
	require.NoError(t, s.AddNamespace(Namespace{NSID: 2, ANAGroup: 2}))

	attached := &fakeAttachedController{cntlid: 1}
	require.NoError(t, s.AttachController(l.ID, attached))

	require.NoError(t, s.SetANAState(l.ID, 1, ANAInaccessible))

	state, ok := s.ListenerANAState(l.ID, 1)
	require.True(t, ok)
	assert.Equal(t, ANAInaccessible, state)
	state, ok = s.ListenerANAState(l.ID, 2)
	require.True(t, ok)
	assert.Equal(t, ANAOptimized, state, "only the matching ana group is updated")

	assert.Equal(t, uint32(1), l.ANAStateChangeCount)
	assert.Equal(t, 1, attached.anaChanges)
}

func TestSetANAStateZeroGroupMatchesAll(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	s.SetAnaReporting(true)
	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)
	require.NoError(t, s.AddNamespace(Namespace{NSID: 1, ANAGroup: 1}))
	require.NoError(t, s.AddNamespace(Namespace{NSID: 2, ANAGroup: 2}))

	require.NoError(t, s.SetANAState(l.ID, 0, ANANonOptimized))

	for _, nsid := range []uint32{1, 2} {
		state, ok := s.ListenerANAState(l.ID, nsid)
		require.True(t, ok)
		assert.Equal(t, ANANonOptimized, state)
	}
}

func TestSetANAStateRejectsUnknownState(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	s.SetAnaReporting(true)
	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)

	err = s.SetANAState(l.ID, 0, ANAState(99))
	require.Error(t, err)
}

type fakeAttachedController struct {
	cntlid     uint16
	hostNQN    string
	anaChanges int
}

func (c *fakeAttachedController) Cntlid() uint16       { return c.cntlid }
func (c *fakeAttachedController) HostNQN() string      { return c.hostNQN }
func (c *fakeAttachedController) NotifyANAChange() error {
	c.anaChanges++
	return nil
}

func TestDestroyWithNoControllersCompletesImmediately(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)

	done, err := s.Destroy()
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, s.AsyncDestroyPending())
}

func TestDestroyRejectedWhileActive(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(context.Background(), nil))

	_, err = s.Destroy()
	require.Error(t, err)
}

func TestDestroyWithAttachedControllersDefersUntilRetry(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)
	ctrlr := &fakeAttachedController{cntlid: 1, hostNQN: "nqn.2014-08.org.nvmexpress:uuid:host"}
	require.NoError(t, s.AttachController(l.ID, ctrlr))

	done, err := s.Destroy()
	require.NoError(t, err)
	assert.False(t, done, "destruction waits for attached controllers to drain")
	assert.True(t, s.AsyncDestroyPending())

	assert.False(t, s.RetryDestroy(), "retry before the controller detaches is still a no-op")

	s.DetachController(ctrlr.Cntlid())
	assert.True(t, s.RetryDestroy())
	assert.False(t, s.AsyncDestroyPending())
}

func TestDisconnectHostDetachesMatchingControllersOnly(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	l, err := s.AddListener("tcp", "10.0.0.1:4420")
	require.NoError(t, err)

	hostA := &fakeAttachedController{cntlid: 1, hostNQN: "nqn.2014-08.org.nvmexpress:uuid:hostA"}
	hostB := &fakeAttachedController{cntlid: 2, hostNQN: "nqn.2014-08.org.nvmexpress:uuid:hostB"}
	require.NoError(t, s.AttachController(l.ID, hostA))
	require.NoError(t, s.AttachController(l.ID, hostB))

	detached := s.DisconnectHost(hostA.HostNQN())
	require.Len(t, detached, 1)
	assert.Equal(t, hostA.Cntlid(), detached[0].Cntlid())
	assert.Equal(t, 1, s.AttachedControllerCount())
}

func TestSetCntlidRangeValidatesBounds(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)

	require.Error(t, s.SetCntlidRange(10, 5), "min must not exceed max")
	require.Error(t, s.SetCntlidRange(0, 10), "0 is reserved")

	require.NoError(t, s.SetCntlidRange(10, 20))
	min, max := s.CntlidRange()
	assert.Equal(t, uint16(10), min)
	assert.Equal(t, uint16(20), max)
}

func TestSetCntlidRangeRejectedWhileActive(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(context.Background(), nil))

	require.Error(t, s.SetCntlidRange(10, 20))
}

func TestAllowAnyListenerToggle(t *testing.T) {
	s, err := New(testSubNQN, nil)
	require.NoError(t, err)
	assert.False(t, s.AllowAnyListener())
	s.SetAllowAnyListener(true)
	assert.True(t, s.AllowAnyListener())
}
