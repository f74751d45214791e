// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package subsystem implements the NVMe-oF subsystem data model: hosts,
// listeners, namespaces and the subsystem activation state machine (spec
// section 4.3), grounded on SPDK's nvmf_subsystem_state_change and
// friends in lib/nvmf/subsystem.c.
package subsystem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opiproject/nvmf-targetcore/pkg/corerrors"
	"github.com/opiproject/nvmf-targetcore/pkg/nqn"
)

// MaxListeners bounds the listener-id bitmap, mirroring
// NVMF_MAX_LISTENERS_PER_SUBSYSTEM.
const MaxListeners = 16

// State is one state of the subsystem activation state machine.
type State int32

// Subsystem states.
const (
	StateInactive State = iota
	StateActivating
	StateActive
	StatePausing
	StatePaused
	StateResuming
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateResuming:
		return "resuming"
	case StateDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// ANAState is an Asymmetric Namespace Access state.
type ANAState int32

// ANA states.
const (
	ANAOptimized ANAState = iota
	ANANonOptimized
	ANAInaccessible
)

func (a ANAState) valid() bool {
	switch a {
	case ANAOptimized, ANANonOptimized, ANAInaccessible:
		return true
	default:
		return false
	}
}

// Reserved cntlid bounds (spec section 4.4): 0 is invalid and the
// FFF0h-FFFFh range is reserved (dynamic allocation, etc), so a
// configured static range must fall within [MinValidCntlid,
// MaxValidCntlid].
const (
	MinValidCntlid = 1
	MaxValidCntlid = 0xFFEF
)

// Host is an entry in a subsystem's host allow-list.
type Host struct {
	NQN string
	// DHChapKey, when non-empty, names a keyring entry required for this
	// host to authenticate (spec section 4.1/4.5); empty means no
	// in-band auth is required for this host.
	DHChapKey string
}

// Listener is one address a subsystem accepts connections on.
type Listener struct {
	ID        uint32
	Transport string
	Address   string

	// anaStates is the per-namespace ANA-state vector this listener
	// reports (SPDK's listener->ana_state), keyed by nsid. Populated for
	// every existing namespace, initialized to Optimized, when the
	// listener is added.
	anaStates map[uint32]ANAState
	// ANAStateChangeCount counts SetANAState calls that touched this
	// listener, mirroring struct spdk_nvmf_subsystem_listener's
	// ana_state_change_count.
	ANAStateChangeCount uint32
}

// PollGroup is the per-poll-group collaborator the state machine drives
// through add/remove/pause/resume, mirroring SPDK's
// nvmf_poll_group_{add,remove,pause,resume}_subsystem. Concrete poll
// groups (bound to qpairs and a BlockDevice channel) live outside this
// package; this models only the hook the state machine calls.
type PollGroup interface {
	// Apply transitions this poll group's view of the subsystem to
	// state. nsid is only meaningful for StatePaused (pause a single
	// namespace; 0 means pause all).
	Apply(ctx context.Context, state State, nsid uint32) error
}

// Namespace is a namespace attached to a subsystem. The reservation and
// I/O execution state for a namespace lives in pkg/reservation and
// pkg/executor; this struct only carries the identity and ANA state the
// subsystem model is responsible for.
type Namespace struct {
	NSID uint32
	UUID [16]byte
	ANA  ANAState
	// ANAGroup is the ANA group id this namespace belongs to (spec
	// section 4.3); group 0 is the default group every namespace starts
	// in. SetANAState's anagrpid==0 request matches every group.
	ANAGroup uint32
}

// AttachedController is the subset of a connected controller (pkg
// controller's *Controller satisfies this) the subsystem tracks in
// order to gate destruction on outstanding associations and fan out
// ANA-change AENs, mirroring struct spdk_nvmf_subsystem's ctrlrs set.
type AttachedController interface {
	Cntlid() uint16
	HostNQN() string
	NotifyANAChange() error
}

type ctrlrAttachment struct {
	ctrlr      AttachedController
	listenerID uint32
}

// Subsystem is the NVMe-oF subsystem data model: an NQN-keyed bundle of
// hosts, listeners and namespaces, plus the activation state machine that
// gates whether poll groups expose it to qpairs at all.
type Subsystem struct {
	mu sync.Mutex

	log *zap.Logger

	subnqn        string
	state         int32 // State, accessed atomically
	changingState int32 // bool, accessed atomically

	allowAnyHost     bool
	allowAnyListener bool
	hosts            map[string]*Host
	listeners        map[uint32]*Listener
	usedListener     [(MaxListeners + 63) / 64]uint64

	namespaces       map[uint32]*Namespace
	anaGroupRefcount map[uint32]uint32
	anaReporting     bool

	ctrlrs       map[uint16]ctrlrAttachment
	asyncDestroy bool

	minCntlid, maxCntlid uint16

	discoveryGenCtr uint64
}

// New constructs an inactive subsystem for subnqn. Returns an error if
// subnqn fails NQN grammar validation.
func New(subnqn string, log *zap.Logger) (*Subsystem, error) {
	if err := nqn.Validate(subnqn); err != nil {
		return nil, fmt.Errorf("subsystem: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subsystem{
		log:              log,
		subnqn:           subnqn,
		hosts:            make(map[string]*Host),
		listeners:        make(map[uint32]*Listener),
		namespaces:       make(map[uint32]*Namespace),
		anaGroupRefcount: make(map[uint32]uint32),
		ctrlrs:           make(map[uint16]ctrlrAttachment),
		minCntlid:        MinValidCntlid,
		maxCntlid:        MaxValidCntlid,
	}, nil
}

// SubNQN returns the subsystem's NQN.
func (s *Subsystem) SubNQN() string { return s.subnqn }

// State returns the current activation state.
func (s *Subsystem) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Subsystem) bumpDiscoveryGenCtr() {
	atomic.AddUint64(&s.discoveryGenCtr, 1)
}

// DiscoveryGenCtr returns the generation counter bumped whenever the
// discoverable shape of this subsystem changes (listener add/remove, and
// a state change that settles into Active or Inactive),
// consumed by the discovery log builder (spec section 4.7).
func (s *Subsystem) DiscoveryGenCtr() uint64 {
	return atomic.LoadUint64(&s.discoveryGenCtr)
}

// intermediateState mirrors nvmf_subsystem_get_intermediate_state: the
// state briefly occupied while poll groups are being walked, and the
// state a failed-and-reverted transition lands back on before settling
// at original.
func intermediateState(current, requested State) (State, bool) {
	switch requested {
	case StateInactive:
		return StateDeactivating, true
	case StateActive:
		if current == StatePaused {
			return StateResuming, true
		}
		return StateActivating, true
	case StatePaused:
		return StatePausing, true
	default:
		return 0, false
	}
}

// expectedOldState mirrors the switch in nvmf_subsystem_set_state: each
// settled-into or transitional state has exactly one state it is legal to
// move from.
func expectedOldState(state State) (State, bool) {
	switch state {
	case StateInactive:
		return StateDeactivating, true
	case StateActivating:
		return StateInactive, true
	case StateActive:
		return StateActivating, true
	case StatePausing:
		return StateActive, true
	case StatePaused:
		return StatePausing, true
	case StateResuming:
		return StatePaused, true
	case StateDeactivating:
		return StateActive, true
	default:
		return 0, false
	}
}

// setState performs the compare-and-swap nvmf_subsystem_set_state
// performs, including its three exception cases for failure-recovery
// transitions that don't originate from the state's usual predecessor.
func (s *Subsystem) setState(state State) error {
	expected, ok := expectedOldState(state)
	if !ok {
		return fmt.Errorf("subsystem: no expected predecessor for state %s", state)
	}

	if atomic.CompareAndSwapInt32(&s.state, int32(expected), int32(state)) {
		return nil
	}

	actual := State(atomic.LoadInt32(&s.state))
	switch {
	case actual == StateResuming && state == StateActive:
		expected = StateResuming
	case actual == StateActivating && state == StateDeactivating:
		expected = StateActivating
	case actual == StateResuming && state == StatePausing:
		expected = StateResuming
	case actual == StatePaused && state == StateDeactivating:
		expected = StatePaused
	}

	if !atomic.CompareAndSwapInt32(&s.state, int32(expected), int32(state)) {
		return fmt.Errorf("subsystem: unable to move from %s to %s (actual state %s)",
			expected, state, State(atomic.LoadInt32(&s.state)))
	}
	return nil
}

// ChangeState drives the subsystem from its current state to requested,
// fanning the final state out to every poll group concurrently and
// reverting on any failure, grounded on nvmf_subsystem_state_change.
// nsid is forwarded to PollGroup.Apply and is only meaningful for a
// StatePaused request (0 pauses every namespace).
func (s *Subsystem) ChangeState(ctx context.Context, nsid uint32, requested State, groups []PollGroup) error {
	if !atomic.CompareAndSwapInt32(&s.changingState, 0, 1) {
		return corerrors.New(corerrors.KindBusy, "subsystem %s is already changing state", s.subnqn)
	}
	defer atomic.StoreInt32(&s.changingState, 0)

	original := State(atomic.LoadInt32(&s.state))
	if original == requested {
		return nil
	}

	intermediate, ok := intermediateState(original, requested)
	if !ok {
		return corerrors.New(corerrors.KindInvalidParam, "no transition from %s to %s", original, requested)
	}
	if err := s.setState(intermediate); err != nil {
		return corerrors.Wrap(corerrors.KindInternalDeviceError, err, "entering intermediate state")
	}

	applyErr := applyToGroups(ctx, groups, requested, nsid)
	if applyErr == nil {
		if err := s.setState(requested); err != nil {
			return corerrors.Wrap(corerrors.KindInternalDeviceError, err, "settling into requested state")
		}
		if requested == StateActive || requested == StateInactive {
			s.bumpDiscoveryGenCtr()
		}
		return nil
	}

	revertIntermediate, ok := intermediateState(requested, original)
	if !ok {
		return corerrors.Wrap(corerrors.KindInternalDeviceError, applyErr,
			"state change failed and has no revert path from %s to %s", requested, original)
	}
	if err := s.setState(revertIntermediate); err != nil {
		// Mirrors SPDK: a handful of state pairs (notably reverting a
		// failed pause back from PAUSING) have no legal CAS transition
		// to their revert-intermediate state. When that happens the
		// original implementation gives up on reverting poll groups
		// and leaves the subsystem parked in its current intermediate
		// state rather than risk a corrupt state word.
		s.log.Error("subsystem: cannot enter revert-intermediate state, leaving subsystem in an intermediate state",
			zap.String("subnqn", s.subnqn), zap.Error(err))
		return corerrors.Wrap(corerrors.KindInternalDeviceError, applyErr, "state change to %s failed", requested)
	}
	if err := applyToGroups(ctx, groups, original, nsid); err != nil {
		s.log.Error("subsystem: unable to revert poll groups after failed state change",
			zap.String("subnqn", s.subnqn), zap.Error(err))
	}
	if err := s.setState(original); err != nil {
		s.log.Error("subsystem: unable to revert subsystem state after operation failure",
			zap.String("subnqn", s.subnqn), zap.Error(err))
	}
	return corerrors.Wrap(corerrors.KindInternalDeviceError, applyErr, "state change to %s failed", requested)
}

func applyToGroups(ctx context.Context, groups []PollGroup, state State, nsid uint32) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pg := range groups {
		pg := pg
		g.Go(func() error { return pg.Apply(gctx, state, nsid) })
	}
	return g.Wait()
}

// Activate is a convenience wrapper for ChangeState(..., StateActive, ...).
func (s *Subsystem) Activate(ctx context.Context, groups []PollGroup) error {
	return s.ChangeState(ctx, 0, StateActive, groups)
}

// Deactivate is a convenience wrapper for ChangeState(..., StateInactive, ...).
func (s *Subsystem) Deactivate(ctx context.Context, groups []PollGroup) error {
	return s.ChangeState(ctx, 0, StateInactive, groups)
}

// Pause is a convenience wrapper for ChangeState(..., StatePaused, ...).
// nsid == 0 pauses every namespace.
func (s *Subsystem) Pause(ctx context.Context, nsid uint32, groups []PollGroup) error {
	return s.ChangeState(ctx, nsid, StatePaused, groups)
}

// Resume is a convenience wrapper for ChangeState(..., StateActive, ...)
// from a paused subsystem.
func (s *Subsystem) Resume(ctx context.Context, groups []PollGroup) error {
	return s.ChangeState(ctx, 0, StateActive, groups)
}

// AddHost adds host to the allow-list. Returns an error if host's NQN is
// malformed or already present. Has no effect on access control while
// AllowAnyHost is set, but is still recorded.
func (s *Subsystem) AddHost(host Host) error {
	if err := nqn.Validate(host.NQN); err != nil {
		return fmt.Errorf("subsystem: add host: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hosts[host.NQN]; exists {
		return corerrors.New(corerrors.KindAlreadyExists, "host %s already allowed on %s", host.NQN, s.subnqn)
	}
	s.hosts[host.NQN] = &host
	return nil
}

// RemoveHost removes hostNQN from the allow-list.
func (s *Subsystem) RemoveHost(hostNQN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hosts[hostNQN]; !exists {
		return corerrors.New(corerrors.KindNotFound, "host %s not allowed on %s", hostNQN, s.subnqn)
	}
	delete(s.hosts, hostNQN)
	return nil
}

// SetAllowAnyHost toggles whether any host NQN is accepted regardless of
// the allow-list.
func (s *Subsystem) SetAllowAnyHost(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowAnyHost = allow
}

// HostAllowed reports whether hostNQN may connect to this subsystem.
func (s *Subsystem) HostAllowed(hostNQN string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowAnyHost {
		return true
	}
	_, ok := s.hosts[hostNQN]
	return ok
}

// Host looks up an allow-listed host's entry, e.g. to resolve its
// required DH-CHAP key.
func (s *Subsystem) Host(hostNQN string) (Host, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostNQN]
	if !ok {
		return Host{}, false
	}
	return *h, true
}

func (s *Subsystem) allocListenerIDLocked() (uint32, error) {
	for i := uint32(0); i < MaxListeners; i++ {
		word, bit := i/64, i%64
		if s.usedListener[word]&(1<<bit) == 0 {
			s.usedListener[word] |= 1 << bit
			return i, nil
		}
	}
	return 0, corerrors.New(corerrors.KindNoMemory, "subsystem %s has no free listener ids", s.subnqn)
}

func (s *Subsystem) freeListenerIDLocked(id uint32) {
	word, bit := id/64, id%64
	s.usedListener[word] &^= 1 << bit
}

// AddListener registers a new listener address, only permitted while the
// subsystem is inactive or paused (SPDK's add_listener precondition).
// Bumps the discovery generation counter on success.
func (s *Subsystem) AddListener(transport, address string) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateInactive, StatePaused:
	default:
		return nil, corerrors.New(corerrors.KindBusy,
			"cannot add a listener while subsystem %s is %s", s.subnqn, s.State())
	}

	id, err := s.allocListenerIDLocked()
	if err != nil {
		return nil, err
	}
	l := &Listener{ID: id, Transport: transport, Address: address, anaStates: make(map[uint32]ANAState)}
	for nsid := range s.namespaces {
		l.anaStates[nsid] = ANAOptimized
	}
	s.listeners[id] = l
	s.bumpDiscoveryGenCtr()
	return l, nil
}

// RemoveListener unregisters a listener by id.
func (s *Subsystem) RemoveListener(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return corerrors.New(corerrors.KindNotFound, "listener %d not found on %s", id, s.subnqn)
	}
	delete(s.listeners, id)
	s.freeListenerIDLocked(id)
	s.bumpDiscoveryGenCtr()
	return nil
}

// Listeners returns a snapshot of the current listener set.
func (s *Subsystem) Listeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, *l)
	}
	return out
}

// SetAnaReporting toggles whether this subsystem reports ANA state at
// all; SetANAState is rejected while this is false.
func (s *Subsystem) SetAnaReporting(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anaReporting = enabled
}

// AnaReporting reports whether ANA reporting is enabled.
func (s *Subsystem) AnaReporting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anaReporting
}

// SetANAState updates the ANA state a listener reports for every
// namespace in anagrpid (or every namespace, if anagrpid is 0), bumping
// the listener's ana_state_change_count and scheduling an ANA-change AEN
// to every controller attached through that listener (spec section
// 4.3's "ANA state change").
func (s *Subsystem) SetANAState(listenerID, anagrpid uint32, state ANAState) error {
	if !state.valid() {
		return corerrors.New(corerrors.KindInvalidParam, "invalid ANA state %d", state)
	}

	s.mu.Lock()
	if !s.anaReporting {
		s.mu.Unlock()
		return corerrors.New(corerrors.KindInvalidParam, "subsystem %s does not have ANA reporting enabled", s.subnqn)
	}
	l, ok := s.listeners[listenerID]
	if !ok {
		s.mu.Unlock()
		return corerrors.New(corerrors.KindNotFound, "listener %d not found on %s", listenerID, s.subnqn)
	}
	for nsid, ns := range s.namespaces {
		if anagrpid != 0 && ns.ANAGroup != anagrpid {
			continue
		}
		l.anaStates[nsid] = state
	}
	l.ANAStateChangeCount++
	notify := make([]AttachedController, 0, len(s.ctrlrs))
	for _, a := range s.ctrlrs {
		if a.listenerID == listenerID {
			notify = append(notify, a.ctrlr)
		}
	}
	s.mu.Unlock()

	for _, c := range notify {
		if err := c.NotifyANAChange(); err != nil {
			s.log.Warn("subsystem: failed delivering ANA-change AEN",
				zap.String("subnqn", s.subnqn), zap.Uint16("cntlid", c.Cntlid()), zap.Error(err))
		}
	}
	return nil
}

// ListenerANAState reports the ANA state a listener currently reports
// for nsid.
func (s *Subsystem) ListenerANAState(listenerID, nsid uint32) (ANAState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[listenerID]
	if !ok {
		return 0, false
	}
	state, ok := l.anaStates[nsid]
	return state, ok
}

// AddNamespace attaches a namespace at nsid.
func (s *Subsystem) AddNamespace(ns Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.namespaces[ns.NSID]; exists {
		return corerrors.New(corerrors.KindAlreadyExists, "namespace %d already exists on %s", ns.NSID, s.subnqn)
	}
	s.namespaces[ns.NSID] = &ns
	s.anaGroupRefcount[ns.ANAGroup]++
	for _, l := range s.listeners {
		l.anaStates[ns.NSID] = ANAOptimized
	}
	return nil
}

// RemoveNamespace detaches the namespace at nsid.
func (s *Subsystem) RemoveNamespace(nsid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, exists := s.namespaces[nsid]
	if !exists {
		return corerrors.New(corerrors.KindNotFound, "namespace %d not found on %s", nsid, s.subnqn)
	}
	delete(s.namespaces, nsid)
	if s.anaGroupRefcount[ns.ANAGroup] > 0 {
		s.anaGroupRefcount[ns.ANAGroup]--
	}
	if s.anaGroupRefcount[ns.ANAGroup] == 0 {
		delete(s.anaGroupRefcount, ns.ANAGroup)
	}
	for _, l := range s.listeners {
		delete(l.anaStates, nsid)
	}
	return nil
}

// AnaGroupRefcount reports how many namespaces currently belong to
// anagrpid.
func (s *Subsystem) AnaGroupRefcount(anagrpid uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anaGroupRefcount[anagrpid]
}

// Namespace looks up an attached namespace by nsid.
func (s *Subsystem) Namespace(nsid uint32) (Namespace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[nsid]
	if !ok {
		return Namespace{}, false
	}
	return *ns, true
}

// Namespaces returns a snapshot of every attached namespace, sorted by
// nsid is not guaranteed; callers that need ordering should sort.
func (s *Subsystem) Namespaces() []Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, *ns)
	}
	return out
}

// SetAllowAnyListener toggles whether a Connect may land on a listener
// this subsystem never explicitly added (spec section 3's
// allow_any_listener). Matching a Connect request to a transport
// listener happens outside this package; this only records the flag.
func (s *Subsystem) SetAllowAnyListener(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowAnyListener = allow
}

// AllowAnyListener reports the allow_any_listener flag.
func (s *Subsystem) AllowAnyListener() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowAnyListener
}

// SetCntlidRange configures the static/dynamic controller id range a
// Connect handler should allocate cntlids from (spec section 4.3's
// set_cntlid_range), only permitted while the subsystem is inactive.
func (s *Subsystem) SetCntlidRange(min, max uint16) error {
	if min > max || min < MinValidCntlid || max > MaxValidCntlid {
		return corerrors.New(corerrors.KindInvalidParam, "invalid cntlid range [%d, %d]", min, max)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateInactive {
		return corerrors.New(corerrors.KindBusy, "cannot set cntlid range while subsystem %s is %s", s.subnqn, s.State())
	}
	s.minCntlid, s.maxCntlid = min, max
	return nil
}

// CntlidRange returns the configured controller id range.
func (s *Subsystem) CntlidRange() (min, max uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minCntlid, s.maxCntlid
}

// AttachController records ctrlr as associated with this subsystem
// through listenerID, populating the ctrlrs set Destroy checks before
// tearing the subsystem down.
func (s *Subsystem) AttachController(listenerID uint32, ctrlr AttachedController) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ctrlrs[ctrlr.Cntlid()]; exists {
		return corerrors.New(corerrors.KindAlreadyExists, "controller %d already attached to %s", ctrlr.Cntlid(), s.subnqn)
	}
	s.ctrlrs[ctrlr.Cntlid()] = ctrlrAttachment{ctrlr: ctrlr, listenerID: listenerID}
	return nil
}

// DetachController removes cntlid from the attached-controller set, e.g.
// on association teardown.
func (s *Subsystem) DetachController(cntlid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ctrlrs, cntlid)
}

// AttachedControllerCount reports how many controllers are currently
// attached.
func (s *Subsystem) AttachedControllerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ctrlrs)
}

// DisconnectHost detaches and returns every controller currently
// attached on behalf of hostNQN (spec section 4.3's disconnect_host).
// Actually tearing down the returned controllers' queue pairs is the
// caller's responsibility; that transport-level teardown is outside
// this package.
func (s *Subsystem) DisconnectHost(hostNQN string) []AttachedController {
	s.mu.Lock()
	defer s.mu.Unlock()
	var detached []AttachedController
	for cntlid, a := range s.ctrlrs {
		if a.ctrlr.HostNQN() == hostNQN {
			detached = append(detached, a.ctrlr)
			delete(s.ctrlrs, cntlid)
		}
	}
	return detached
}

// Destroy tears the subsystem down, allowed only from Inactive. If
// controllers remain attached, destruction is deferred: asyncDestroy is
// set and the caller must retry via RetryDestroy (e.g. on every poll
// tick) until it reports completion, mirroring nvmf_subsystem_destroy's
// "wait for ctrlrs to drain" behavior. Returns whether destruction
// completed immediately.
func (s *Subsystem) Destroy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateInactive {
		return false, corerrors.New(corerrors.KindBusy, "subsystem %s must be inactive to destroy", s.subnqn)
	}
	if len(s.ctrlrs) > 0 {
		s.asyncDestroy = true
		return false, nil
	}
	s.releaseLocked()
	return true, nil
}

// RetryDestroy re-attempts a pending asyncDestroy, releasing namespaces
// and listeners once every attached controller has disconnected.
// Returns whether destruction completed on this call; false means either
// destruction is still pending or Destroy never deferred one.
func (s *Subsystem) RetryDestroy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.asyncDestroy || len(s.ctrlrs) > 0 {
		return false
	}
	s.releaseLocked()
	return true
}

// AsyncDestroyPending reports whether Destroy deferred teardown pending
// outstanding controllers.
func (s *Subsystem) AsyncDestroyPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asyncDestroy
}

func (s *Subsystem) releaseLocked() {
	s.namespaces = make(map[uint32]*Namespace)
	s.anaGroupRefcount = make(map[uint32]uint32)
	s.listeners = make(map[uint32]*Listener)
	s.usedListener = [(MaxListeners + 63) / 64]uint64{}
	s.asyncDestroy = false
}
