// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package auth implements the per-queue-pair DH-HMAC-CHAP authentication
// state machine (spec section C5): algorithm negotiation, challenge/
// response, optional bidirectional (controller) authentication, and the
// authentication timeout poller. Grounded on lib/nvmf/auth.c.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opiproject/nvmf-targetcore/pkg/corerrors"
	"github.com/opiproject/nvmf-targetcore/pkg/metrics"
)

// DigestMaxSize bounds the largest digest this package computes (SHA-512).
const DigestMaxSize = 64

// DHKeyMaxSize bounds the largest DH public value / shared secret this
// package exchanges (matches the 8192-bit group's byte length).
const DHKeyMaxSize = 1024

// DefaultKato is the authentication timeout used when the controller has
// no keep-alive timer configured (NVMF_AUTH_DEFAULT_KATO_US).
const DefaultKato = 120 * time.Second

// Digest identifies the hash algorithm a DH-HMAC-CHAP transaction
// negotiated (enum spdk_nvmf_dhchap_hash). Values match the NVMe base
// specification's HashID codes.
type Digest uint8

// DH-HMAC-CHAP hash algorithms.
const (
	DigestSHA256 Digest = 1
	DigestSHA384 Digest = 2
	DigestSHA512 Digest = 3
)

// digestPreference lists the hashes from strongest to weakest; Negotiate
// walks it in order so the strongest hash the host also advertises wins.
var digestPreference = []Digest{DigestSHA512, DigestSHA384, DigestSHA256}

// Len reports the digest's output size in bytes, or 0 if d is not a known
// digest.
func (d Digest) Len() int {
	switch d {
	case DigestSHA256:
		return 32
	case DigestSHA384:
		return 48
	case DigestSHA512:
		return 64
	default:
		return 0
	}
}

func (d Digest) new() func() hash.Hash {
	switch d {
	case DigestSHA256:
		return sha256.New
	case DigestSHA384:
		return sha512.New384
	case DigestSHA512:
		return sha512.New
	default:
		return nil
	}
}

// State is one state of the per-qpair authentication state machine (enum
// nvmf_qpair_auth_state).
type State int32

// Authentication states, in the order a successful unidirectional
// transaction visits them; Success2/Failure1 branch off Reply/Success1.
const (
	StateNegotiate State = iota
	StateChallenge
	StateReply
	StateSuccess1
	StateSuccess2
	StateFailure1
	StateCompleted
	StateError
)

// String names a state for logging, mirroring
// nvmf_auth_get_state_name.
func (s State) String() string {
	switch s {
	case StateNegotiate:
		return "negotiate"
	case StateChallenge:
		return "challenge"
	case StateReply:
		return "reply"
	case StateSuccess1:
		return "success1"
	case StateSuccess2:
		return "success2"
	case StateFailure1:
		return "failure1"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Common message type/id codes from the NVMe base specification's
// DH-HMAC-CHAP message formats.
const (
	AuthTypeCommonMessage = 0
	AuthTypeDHCHAP        = 2

	AuthIDNegotiate      = 0x0
	AuthIDFailure1       = 0xF1
	AuthIDFailure2       = 0xF2
	AuthIDChallenge      = 0x1
	AuthIDReply          = 0x2
	AuthIDSuccess1       = 0x3
	AuthIDSuccess2       = 0x4
)

// SecurityChannelDisabled is the only secure channel concatenation (SCC)
// value this target accepts: it does not negotiate a secure channel
// before DH-HMAC-CHAP.
const SecurityChannelDisabled = 0

// Descriptor is one protocol choice from a Negotiate message (struct
// spdk_nvmf_auth_descriptor): an auth type/id plus the hash and DH group
// ids the host is willing to use with it.
type Descriptor struct {
	AuthID   uint8
	Hashes   []Digest
	DHGroups []DHGroup
}

// NegotiateMessage is the host's AUTH_negotiate message.
type NegotiateMessage struct {
	TID         uint16
	SCC         uint8
	Descriptors []Descriptor
}

// ChallengeMessage is the controller's AUTH_challenge message.
type ChallengeMessage struct {
	TID     uint16
	Digest  Digest
	DHGroup DHGroup
	CVal    []byte
	DHVal   []byte
	Seqnum  uint32
}

// ReplyMessage is the host's AUTH_reply message.
type ReplyMessage struct {
	TID    uint16
	CValid bool
	Seqnum uint32
	RVal   []byte // hl bytes of host response, followed by hl bytes of requested ctrlr-auth response if CValid
	DHVal  []byte
}

// Success1Message is the controller's AUTH_success1 message.
type Success1Message struct {
	TID    uint16
	RValid bool
	RVal   []byte
}

// Success2Message is the host's AUTH_success2 message.
type Success2Message struct {
	TID uint16
}

// FailureMessage is an AUTH_failure1/AUTH_failure2 message.
type FailureMessage struct {
	TID    uint16
	Reason corerrors.Kind
}

// KeyProvider resolves the DH-HMAC-CHAP keys configured for a host on a
// subsystem (nvmf_subsystem_get_dhchap_key): the host's own key for
// unidirectional authentication, and optionally a separate controller key
// for bidirectional authentication.
type KeyProvider interface {
	HostKey(subNQN, hostNQN string) ([]byte, bool)
	CtrlrKey(subNQN, hostNQN string) ([]byte, bool)
}

// QPairAuth drives one queue pair's authentication transaction (struct
// spdk_nvmf_qpair_auth).
type QPairAuth struct {
	mu  sync.Mutex
	log *zap.Logger
	metrics *metrics.Registry

	subNQN  string
	hostNQN string
	keys    KeyProvider

	allowedDigests map[Digest]bool
	allowedGroups  map[DHGroup]bool

	state      State
	tid        uint16
	digest     Digest
	dhgroup    DHGroup
	cval       []byte
	seqnum     uint32
	dhkey      *DHKey
	cvalid     bool
	failReason corerrors.Kind

	deadline time.Time
}

// NewQPairAuth creates an authentication transaction scoped to one
// (subNQN, hostNQN) pair, restricted to the given allowed digests and DH
// groups (the target's configured policy).
func NewQPairAuth(subNQN, hostNQN string, allowedDigests []Digest, allowedGroups []DHGroup, keys KeyProvider, m *metrics.Registry, log *zap.Logger) *QPairAuth {
	digests := make(map[Digest]bool, len(allowedDigests))
	for _, d := range allowedDigests {
		digests[d] = true
	}
	groups := make(map[DHGroup]bool, len(allowedGroups))
	for _, g := range allowedGroups {
		groups[g] = true
	}
	return &QPairAuth{
		log:            log,
		metrics:        m,
		subNQN:         subNQN,
		hostNQN:        hostNQN,
		keys:           keys,
		allowedDigests: digests,
		allowedGroups:  groups,
		state:          StateNegotiate,
	}
}

// State reports the current authentication state.
func (a *QPairAuth) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *QPairAuth) setState(s State) {
	if a.state == s {
		return
	}
	if a.metrics != nil {
		a.metrics.AuthTransitions.WithLabelValues(a.state.String(), s.String()).Inc()
	}
	a.state = s
}

// Deadline reports the current authentication timeout deadline; the zero
// value means no poller is armed.
func (a *QPairAuth) Deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline
}

// Rearm resets the authentication timeout, to be called after every
// message exchanged, mirroring nvmf_auth_rearm_poller.
func (a *QPairAuth) Rearm(now time.Time, kato time.Duration) {
	if kato <= 0 {
		kato = DefaultKato
	}
	a.mu.Lock()
	a.deadline = now.Add(kato)
	a.mu.Unlock()
}

// Expired reports whether now is past the armed deadline, whatever the
// current state. It does not distinguish a reauthentication timeout
// (state already StateCompleted) from one during the initial exchange,
// and takes no action on the queue pair itself.
func (a *QPairAuth) Expired(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deadline.IsZero() {
		return false
	}
	return now.After(a.deadline)
}

func (a *QPairAuth) fail1(reason corerrors.Kind) {
	a.setState(StateFailure1)
	a.failReason = reason
	if a.metrics != nil {
		a.metrics.AuthFailures.WithLabelValues(string(reason)).Inc()
	}
}

// Negotiate processes the host's AUTH_negotiate message, selecting the
// strongest mutually supported hash and DH group. Ported from
// nvmf_auth_negotiate_exec.
func (a *QPairAuth) Negotiate(msg NegotiateMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateNegotiate {
		a.fail1(corerrors.KindAuthIncorrectProtocolMsg)
		return corerrors.New(corerrors.KindAuthIncorrectProtocolMsg, "unexpected negotiate in state %s", a.state)
	}
	a.tid = msg.TID

	if msg.SCC != SecurityChannelDisabled {
		a.fail1(corerrors.KindAuthSccMismatch)
		return corerrors.New(corerrors.KindAuthSccMismatch, "security channel concatenation is not supported")
	}

	var desc *Descriptor
	for i := range msg.Descriptors {
		if msg.Descriptors[i].AuthID == AuthIDDHCHAP {
			desc = &msg.Descriptors[i]
			break
		}
	}
	if desc == nil {
		a.fail1(corerrors.KindAuthProtocolUnusable)
		return corerrors.New(corerrors.KindAuthProtocolUnusable, "no usable protocol found")
	}

	digest := Digest(0)
	for _, want := range digestPreference {
		if !a.allowedDigests[want] {
			continue
		}
		for _, got := range desc.Hashes {
			if want == got {
				digest = want
				break
			}
		}
		if digest != 0 {
			break
		}
	}
	if digest == 0 {
		a.fail1(corerrors.KindAuthHashUnusable)
		return corerrors.New(corerrors.KindAuthHashUnusable, "no usable digests found")
	}

	dhgroup := DHGroup(255)
	for _, want := range dhGroupPreference {
		if !a.allowedGroups[want] {
			continue
		}
		for _, got := range desc.DHGroups {
			if want == got {
				dhgroup = want
				break
			}
		}
		if dhgroup != 255 {
			break
		}
	}
	if dhgroup == 255 {
		a.fail1(corerrors.KindAuthDhgroupUnusable)
		return corerrors.New(corerrors.KindAuthDhgroupUnusable, "no usable dhgroups found")
	}

	a.digest = digest
	a.dhgroup = dhgroup
	a.setState(StateChallenge)
	return nil
}

// AuthIDDHCHAP is the protocol id a Negotiate descriptor must name for
// this target to consider it (the only protocol it implements).
const AuthIDDHCHAP = 0x2

// BuildChallenge generates the controller's AUTH_challenge message: a
// fresh transaction sequence number, challenge value, and (for non-null
// groups) an ephemeral DH keypair. Ported from nvmf_auth_recv_challenge.
func (a *QPairAuth) BuildChallenge(seqnumSource func() (uint32, error)) (ChallengeMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateChallenge {
		return ChallengeMessage{}, corerrors.New(corerrors.KindAuthIncorrectProtocolMsg, "unexpected challenge build in state %s", a.state)
	}

	hl := a.digest.Len()
	var dhval []byte
	if a.dhgroup != DHGroupNull {
		key, err := GenerateDHKey(a.dhgroup)
		if err != nil {
			return ChallengeMessage{}, corerrors.Wrap(corerrors.KindAuthFailed, err, "failed to generate DH key")
		}
		a.dhkey = key
		dhval = key.PublicKey()
	}

	seqnum, err := seqnumSource()
	if err != nil {
		return ChallengeMessage{}, corerrors.Wrap(corerrors.KindAuthFailed, err, "failed to allocate sequence number")
	}
	a.seqnum = seqnum

	cval := make([]byte, hl)
	if _, err := rand.Read(cval); err != nil {
		return ChallengeMessage{}, corerrors.Wrap(corerrors.KindAuthFailed, err, "failed to generate challenge value")
	}
	a.cval = cval

	a.setState(StateReply)
	return ChallengeMessage{
		TID:     a.tid,
		Digest:  a.digest,
		DHGroup: a.dhgroup,
		CVal:    cval,
		DHVal:   dhval,
		Seqnum:  seqnum,
	}, nil
}

// Reply processes the host's AUTH_reply message: verifies the host's
// challenge response and, if requested, prepares a controller response
// for bidirectional authentication. Ported from nvmf_auth_reply_exec.
func (a *QPairAuth) Reply(msg ReplyMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateReply {
		a.fail1(corerrors.KindAuthIncorrectProtocolMsg)
		return corerrors.New(corerrors.KindAuthIncorrectProtocolMsg, "unexpected reply in state %s", a.state)
	}
	if msg.TID != a.tid {
		a.fail1(corerrors.KindAuthIncorrectPayload)
		return corerrors.New(corerrors.KindAuthIncorrectPayload, "transaction id mismatch")
	}
	if msg.CValid && msg.Seqnum == 0 {
		a.fail1(corerrors.KindAuthIncorrectPayload)
		return corerrors.New(corerrors.KindAuthIncorrectPayload, "unexpected seqnum=0 with cvalid=1")
	}

	hl := a.digest.Len()
	if len(msg.RVal) < hl {
		a.fail1(corerrors.KindAuthIncorrectPayload)
		return corerrors.New(corerrors.KindAuthIncorrectPayload, "response too short")
	}

	hostKey, ok := a.keys.HostKey(a.subNQN, a.hostNQN)
	if !ok {
		a.fail1(corerrors.KindAuthFailed)
		return corerrors.New(corerrors.KindAuthFailed, "couldn't get DH-HMAC-CHAP host key")
	}

	var dhsecret []byte
	if a.dhgroup != DHGroupNull {
		secret, err := a.dhkey.DeriveSecret(msg.DHVal)
		if err != nil {
			a.fail1(corerrors.KindAuthFailed)
			return corerrors.Wrap(corerrors.KindAuthFailed, err, "couldn't derive DH secret")
		}
		dhsecret = secret
	}

	expected := calculate(hostKey, a.digest, "HostHost", a.seqnum, a.tid, a.cval, a.hostNQN, a.subNQN, dhsecret)
	if !hmac.Equal(msg.RVal[:hl], expected) {
		a.fail1(corerrors.KindAuthFailed)
		return corerrors.New(corerrors.KindAuthFailed, "challenge response mismatch")
	}

	if msg.CValid {
		ctrlrKey, ok := a.keys.CtrlrKey(a.subNQN, a.hostNQN)
		if !ok {
			a.fail1(corerrors.KindAuthFailed)
			return corerrors.New(corerrors.KindAuthFailed, "missing DH-HMAC-CHAP ctrlr key")
		}
		if len(msg.RVal) < 2*hl {
			a.fail1(corerrors.KindAuthIncorrectPayload)
			return corerrors.New(corerrors.KindAuthIncorrectPayload, "missing requested ctrlr response slot")
		}
		a.cval = calculate(ctrlrKey, a.digest, "Controller", msg.Seqnum, a.tid, msg.RVal[hl:2*hl], a.hostNQN, a.subNQN, dhsecret)
		a.cvalid = true
	}

	a.setState(StateSuccess1)
	return nil
}

// BuildSuccess1 produces the controller's AUTH_success1 message. If the
// host did not request bidirectional authentication the transaction
// completes immediately; otherwise it awaits AUTH_success2. Ported from
// nvmf_auth_recv_success1.
func (a *QPairAuth) BuildSuccess1() Success1Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg := Success1Message{TID: a.tid}
	if !a.cvalid {
		a.setState(StateCompleted)
		return msg
	}
	a.setState(StateSuccess2)
	msg.RValid = true
	msg.RVal = a.cval
	return msg
}

// Success2 processes the host's AUTH_success2 message, completing
// bidirectional authentication. Ported from nvmf_auth_success2_exec.
func (a *QPairAuth) Success2(msg Success2Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateSuccess2 {
		a.fail1(corerrors.KindAuthIncorrectProtocolMsg)
		return corerrors.New(corerrors.KindAuthIncorrectProtocolMsg, "unexpected success2 in state %s", a.state)
	}
	if msg.TID != a.tid {
		a.fail1(corerrors.KindAuthIncorrectPayload)
		return corerrors.New(corerrors.KindAuthIncorrectPayload, "transaction id mismatch")
	}
	a.setState(StateCompleted)
	return nil
}

// Failure2 processes the host's AUTH_failure2 message: the host is
// rejecting the controller's authentication response. Ported from
// nvmf_auth_failure2_exec.
func (a *QPairAuth) Failure2(msg Success2Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateSuccess2 {
		a.fail1(corerrors.KindAuthIncorrectProtocolMsg)
		return corerrors.New(corerrors.KindAuthIncorrectProtocolMsg, "unexpected failure2 in state %s", a.state)
	}
	if msg.TID != a.tid {
		a.fail1(corerrors.KindAuthIncorrectPayload)
		return corerrors.New(corerrors.KindAuthIncorrectPayload, "transaction id mismatch")
	}
	a.setState(StateError)
	return corerrors.New(corerrors.KindAuthFailed, "controller authentication rejected by host")
}

// RecvFailure1 builds the AUTH_failure1 message recorded by an earlier
// fail1 transition, and disconnects the transaction. Ported from
// nvmf_auth_recv_failure1.
func (a *QPairAuth) RecvFailure1() FailureMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := FailureMessage{TID: a.tid, Reason: a.failReason}
	a.setState(StateError)
	return msg
}

// SeqnumAllocator hands out the monotonically increasing, never-zero
// transaction sequence numbers DH-HMAC-CHAP challenges carry, shared by
// every authentication transaction on one subsystem (struct
// spdk_nvmf_subsystem's auth_seqnum). Ported from nvmf_auth_get_seqnum.
type SeqnumAllocator struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next sequence number, lazily seeding the counter from
// a cryptographically random value on first use.
func (s *SeqnumAllocator) Next() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == 0 {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, corerrors.Wrap(corerrors.KindAuthFailed, err, "failed to seed sequence number")
		}
		s.next = binary.LittleEndian.Uint32(buf[:])
	}
	s.next++
	if s.next == 0 {
		s.next = 1
	}
	return s.next, nil
}

// nqnFieldLen is the fixed width of a padded NQN field in the DH-HMAC-CHAP
// transcript, matching ConnectData's subnqn/hostnqn field width.
const nqnFieldLen = 256

// padNQN zero-pads nqn out to nqnFieldLen bytes, truncating if (improperly)
// longer; NQNs are bounded well under this length in practice.
func padNQN(nqn string) []byte {
	buf := make([]byte, nqnFieldLen)
	copy(buf, nqn)
	return buf
}

// calculate computes a DH-HMAC-CHAP challenge/response HMAC over the
// transcript `cval || dhsecret? || context || be32(seqnum) || be16(tid) ||
// be32(0) || hostnqn_padded(256) || subnqn_padded(256)`, matching the
// wire-level byte layout spdk_nvme_dhchap_calculate produces.
func calculate(key []byte, digest Digest, context string, seqnum uint32, tid uint16, cval []byte, hostNQN, subNQN string, dhsecret []byte) []byte {
	newHash := digest.new()
	if newHash == nil {
		return nil
	}
	mac := hmac.New(newHash, key)
	mac.Write(cval)
	if len(dhsecret) > 0 {
		mac.Write(dhsecret)
	}
	mac.Write([]byte(context))
	var seqnumBuf [4]byte
	binary.BigEndian.PutUint32(seqnumBuf[:], seqnum)
	mac.Write(seqnumBuf[:])
	var tidBuf [2]byte
	binary.BigEndian.PutUint16(tidBuf[:], tid)
	mac.Write(tidBuf[:])
	var reservedBuf [4]byte // transform: always 0, no SCC is negotiated
	mac.Write(reservedBuf[:])
	mac.Write(padNQN(hostNQN))
	mac.Write(padNQN(subNQN))
	return mac.Sum(nil)
}
