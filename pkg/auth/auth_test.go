// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeys struct {
	host  []byte
	ctrlr []byte
	noCtrlr bool
}

func (k *fakeKeys) HostKey(subNQN, hostNQN string) ([]byte, bool) {
	return k.host, k.host != nil
}

func (k *fakeKeys) CtrlrKey(subNQN, hostNQN string) ([]byte, bool) {
	if k.noCtrlr {
		return nil, false
	}
	return k.ctrlr, k.ctrlr != nil
}

func newTestAuth(keys KeyProvider) *QPairAuth {
	return NewQPairAuth("subnqn0", "hostnqn0",
		[]Digest{DigestSHA256, DigestSHA384, DigestSHA512},
		[]DHGroup{DHGroupNull},
		keys, nil, nil)
}

func negotiateMsg(tid uint16) NegotiateMessage {
	return NegotiateMessage{
		TID: tid,
		SCC: SecurityChannelDisabled,
		Descriptors: []Descriptor{
			{
				AuthID:   AuthIDDHCHAP,
				Hashes:   []Digest{DigestSHA256},
				DHGroups: []DHGroup{DHGroupNull},
			},
		},
	}
}

func seqnumSource(a *SeqnumAllocator) func() (uint32, error) {
	return a.Next
}

func TestNegotiateSelectsStrongestMutualChoice(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("hostkey")})
	msg := negotiateMsg(7)
	msg.Descriptors[0].Hashes = []Digest{DigestSHA256, DigestSHA384, DigestSHA512}
	require.NoError(t, a.Negotiate(msg))
	assert.Equal(t, DigestSHA512, a.digest)
	assert.Equal(t, StateChallenge, a.State())
}

func TestNegotiateRejectsWrongState(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("hostkey")})
	require.NoError(t, a.Negotiate(negotiateMsg(1)))
	err := a.Negotiate(negotiateMsg(2))
	require.Error(t, err)
	assert.Equal(t, StateFailure1, a.State())
}

func TestNegotiateRejectsSCCEnabled(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("hostkey")})
	msg := negotiateMsg(1)
	msg.SCC = 1
	require.Error(t, a.Negotiate(msg))
	assert.Equal(t, StateFailure1, a.State())
}

func TestNegotiateRejectsNoDHCHAPDescriptor(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("hostkey")})
	msg := NegotiateMessage{TID: 1, SCC: SecurityChannelDisabled}
	require.Error(t, a.Negotiate(msg))
}

func TestNegotiateRejectsUnusableHash(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("hostkey")})
	msg := negotiateMsg(1)
	msg.Descriptors[0].Hashes = []Digest{99}
	err := a.Negotiate(msg)
	require.Error(t, err)
}

func TestNegotiateRejectsUnusableDHGroup(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("hostkey")})
	msg := negotiateMsg(1)
	msg.Descriptors[0].DHGroups = []DHGroup{DHGroup3072}
	err := a.Negotiate(msg)
	require.Error(t, err)
}

func TestUnidirectionalAuthenticationRoundTrip(t *testing.T) {
	hostKey := []byte("super-secret-host-key")
	keys := &fakeKeys{host: hostKey}
	a := newTestAuth(keys)

	require.NoError(t, a.Negotiate(negotiateMsg(42)))

	seqAlloc := &SeqnumAllocator{}
	challenge, err := a.BuildChallenge(seqnumSource(seqAlloc))
	require.NoError(t, err)
	assert.Equal(t, StateReply, a.State())

	response := calculate(hostKey, challenge.Digest, "HostHost", challenge.Seqnum, challenge.TID, challenge.CVal, "hostnqn0", "subnqn0", nil)
	require.NoError(t, a.Reply(ReplyMessage{TID: challenge.TID, RVal: response}))
	assert.Equal(t, StateSuccess1, a.State())

	success1 := a.BuildSuccess1()
	assert.False(t, success1.RValid)
	assert.Equal(t, StateCompleted, a.State())
}

func TestBidirectionalAuthenticationRoundTrip(t *testing.T) {
	hostKey := []byte("host-key")
	ctrlrKey := []byte("ctrlr-key")
	keys := &fakeKeys{host: hostKey, ctrlr: ctrlrKey}
	a := newTestAuth(keys)

	require.NoError(t, a.Negotiate(negotiateMsg(5)))
	seqAlloc := &SeqnumAllocator{}
	challenge, err := a.BuildChallenge(seqnumSource(seqAlloc))
	require.NoError(t, err)

	hostResponse := calculate(hostKey, challenge.Digest, "HostHost", challenge.Seqnum, challenge.TID, challenge.CVal, "hostnqn0", "subnqn0", nil)
	hostCval := make([]byte, challenge.Digest.Len())
	requestedCtrlrSeqnum := uint32(999)
	ctrlrRequest := calculate(ctrlrKey, challenge.Digest, "Controller", requestedCtrlrSeqnum, challenge.TID, hostCval, "subnqn0", "hostnqn0", nil)

	rval := append(append([]byte{}, hostResponse...), ctrlrRequest...)
	require.NoError(t, a.Reply(ReplyMessage{TID: challenge.TID, CValid: true, Seqnum: requestedCtrlrSeqnum, RVal: rval}))
	assert.Equal(t, StateSuccess1, a.State())

	success1 := a.BuildSuccess1()
	require.True(t, success1.RValid)
	assert.Equal(t, StateSuccess2, a.State())

	require.NoError(t, a.Success2(Success2Message{TID: challenge.TID}))
	assert.Equal(t, StateCompleted, a.State())
}

func TestReplyRejectsWrongChallengeResponse(t *testing.T) {
	keys := &fakeKeys{host: []byte("hostkey")}
	a := newTestAuth(keys)
	require.NoError(t, a.Negotiate(negotiateMsg(1)))
	seqAlloc := &SeqnumAllocator{}
	challenge, err := a.BuildChallenge(seqnumSource(seqAlloc))
	require.NoError(t, err)

	err = a.Reply(ReplyMessage{TID: challenge.TID, RVal: make([]byte, challenge.Digest.Len())})
	require.Error(t, err)
	assert.Equal(t, StateFailure1, a.State())
}

func TestReplyRejectsTIDMismatch(t *testing.T) {
	keys := &fakeKeys{host: []byte("hostkey")}
	a := newTestAuth(keys)
	require.NoError(t, a.Negotiate(negotiateMsg(1)))
	seqAlloc := &SeqnumAllocator{}
	_, err := a.BuildChallenge(seqnumSource(seqAlloc))
	require.NoError(t, err)

	err = a.Reply(ReplyMessage{TID: 999, RVal: make([]byte, 32)})
	require.Error(t, err)
}

func TestReplyFailsWhenCtrlrKeyMissingButRequested(t *testing.T) {
	keys := &fakeKeys{host: []byte("hostkey"), noCtrlr: true}
	a := newTestAuth(keys)
	require.NoError(t, a.Negotiate(negotiateMsg(1)))
	seqAlloc := &SeqnumAllocator{}
	challenge, err := a.BuildChallenge(seqnumSource(seqAlloc))
	require.NoError(t, err)

	hostResponse := calculate(keys.host, challenge.Digest, "HostHost", challenge.Seqnum, challenge.TID, challenge.CVal, "hostnqn0", "subnqn0", nil)
	rval := append(append([]byte{}, hostResponse...), make([]byte, challenge.Digest.Len())...)
	err = a.Reply(ReplyMessage{TID: challenge.TID, CValid: true, Seqnum: 5, RVal: rval})
	require.Error(t, err)
}

func TestSuccess2RejectsWrongState(t *testing.T) {
	keys := &fakeKeys{host: []byte("hostkey")}
	a := newTestAuth(keys)
	err := a.Success2(Success2Message{TID: 1})
	require.Error(t, err)
}

func TestFailure2MarksError(t *testing.T) {
	hostKey := []byte("host-key")
	ctrlrKey := []byte("ctrlr-key")
	keys := &fakeKeys{host: hostKey, ctrlr: ctrlrKey}
	a := newTestAuth(keys)
	require.NoError(t, a.Negotiate(negotiateMsg(1)))
	seqAlloc := &SeqnumAllocator{}
	challenge, err := a.BuildChallenge(seqnumSource(seqAlloc))
	require.NoError(t, err)

	hostResponse := calculate(hostKey, challenge.Digest, "HostHost", challenge.Seqnum, challenge.TID, challenge.CVal, "hostnqn0", "subnqn0", nil)
	rval := append(append([]byte{}, hostResponse...), make([]byte, challenge.Digest.Len())...)
	require.NoError(t, a.Reply(ReplyMessage{TID: challenge.TID, CValid: true, Seqnum: 5, RVal: rval}))
	a.BuildSuccess1()

	err = a.Failure2(Success2Message{TID: challenge.TID})
	require.Error(t, err)
	assert.Equal(t, StateError, a.State())
}

func TestRecvFailure1CarriesStoredReason(t *testing.T) {
	keys := &fakeKeys{host: []byte("hostkey")}
	a := newTestAuth(keys)
	msg := negotiateMsg(1)
	msg.SCC = 1
	require.Error(t, a.Negotiate(msg))

	failure := a.RecvFailure1()
	assert.Equal(t, uint16(1), failure.TID)
	assert.NotEmpty(t, failure.Reason)
	assert.Equal(t, StateError, a.State())
}

func TestRearmAndExpired(t *testing.T) {
	a := newTestAuth(&fakeKeys{host: []byte("k")})
	now := time.Unix(1000, 0)
	a.Rearm(now, time.Second)
	assert.False(t, a.Expired(now.Add(500*time.Millisecond)))
	assert.True(t, a.Expired(now.Add(2*time.Second)))
}

func TestSeqnumAllocatorNeverZero(t *testing.T) {
	alloc := &SeqnumAllocator{next: 0xFFFFFFFF}
	n, err := alloc.Next()
	require.NoError(t, err)
	assert.NotZero(t, n)
}

func TestDHKeyExchangeRoundTrip(t *testing.T) {
	a, err := GenerateDHKey(DHGroup3072)
	require.NoError(t, err)
	b, err := GenerateDHKey(DHGroup3072)
	require.NoError(t, err)

	secretA, err := a.DeriveSecret(b.PublicKey())
	require.NoError(t, err)
	secretB, err := b.DeriveSecret(a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, secretA, secretB)
}

func TestGenerateDHKeyRejectsNullGroup(t *testing.T) {
	_, err := GenerateDHKey(DHGroupNull)
	require.Error(t, err)
}

func TestGenerateDHKeyRejectsUnsupportedGroup(t *testing.T) {
	_, err := GenerateDHKey(DHGroup8192)
	require.Error(t, err)
}
