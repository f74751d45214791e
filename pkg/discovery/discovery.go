// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package discovery builds the NVMe-oF discovery log page returned to a
// host connected to the discovery subsystem (spec section 4.7), grounded
// on SPDK's nvmf_get_discovery_log_page in lib/nvmf/subsystem.c.
package discovery

// SubtypeNVMe is the subtype Build reports for every entry. Candidates
// carry no subtype of their own, so a discovery subsystem passed in as a
// candidate is listed like any other.
const SubtypeNVMe = 2

// State mirrors the subset of pkg/subsystem.State values the filter needs,
// duplicated here to avoid a dependency cycle between pkg/subsystem (which
// does not need to know about discovery) and this package.
type State int32

// States a candidate subsystem may report.
const (
	StateInactive State = iota
	StateActivating
	StateActive
	StatePausing
	StatePaused
	StateResuming
	StateDeactivating
)

// MatchFilter is the target's discovery_filter bitmap (spec section 4.7):
// which parts of a connection request's transport id the discovery log is
// narrowed to match.
type MatchFilter uint8

// Filter bits.
const (
	MatchTransportType    MatchFilter = 1 << 0
	MatchTransportAddress MatchFilter = 1 << 1
	MatchTransportSvcID   MatchFilter = 1 << 2
)

// TransportID identifies the address a connection request arrived on, and
// the address a listener accepts connections on, for the purpose of
// MatchFilter comparisons.
type TransportID struct {
	TrType string
	TrAddr string
	TrSvcID string
}

// DiscoveryCntlid is the controller id a discovery log entry reports for
// every dynamically-allocated controller, matching the reservation
// engine's own dynamic-controller convention (spec section 4.2's Report).
const DiscoveryCntlid = 0xFFFF

// Listener is the subset of a subsystem's listener a discovery entry is
// built from.
type Listener struct {
	Transport TransportID
	ANA       int32
	// AdrFam is the transport address family (struct
	// spdk_nvmf_discovery_log_page_entry's adrfam), e.g. "ipv4"/"ipv6"/"fc".
	AdrFam string
	// Treq reports whether a secure channel is required, preferred, or
	// not specified for connections through this listener (the treq
	// field of the same struct).
	Treq uint8
	// Portid distinguishes multiple listeners sharing one transport
	// address (e.g. multiple NICs), mirroring the struct's portid field.
	Portid uint16
	// Asqsz is the admin submission queue depth this listener advertises
	// to a discovering host.
	Asqsz uint16
}

// Candidate is one subsystem considered for inclusion in a discovery log
// page, exposing exactly what the filter and entry-builder need.
type Candidate struct {
	SubNQN      string
	State       State
	Listeners   []Listener
	HostAllowed func(hostNQN string) bool
}

// Entry is one record of a DiscoveryLogPage, grounded on struct
// spdk_nvmf_discovery_log_page_entry.
type Entry struct {
	SubNQN    string
	Transport TransportID
	ANA       int32
	Subtype   uint8
	AdrFam    string
	Treq      uint8
	Portid    uint16
	Cntlid    uint16
	Asqsz     uint16
}

// Page is the decoded discovery log page (struct
// spdk_nvmf_discovery_log_page): a generation counter and the list of
// entries currently visible to the requesting host.
type Page struct {
	GenCtr  uint64
	NumRec  uint64
	Entries []Entry
}

// GenCtrFunc reports the target-wide discovery generation counter at call
// time. A subsystem registry typically implements this as the sum (or max)
// of every candidate subsystem's own DiscoveryGenCtr, since the counter
// this package reports is scoped to the whole target, not one subsystem.
type GenCtrFunc func() uint64

// Builder constructs discovery log pages for one target. It does not
// depend on pkg/subsystem directly; the caller (typically the target's
// subsystem registry) supplies both the candidate list and the
// generation-counter source for each Build call.
type Builder struct {
	genCtr GenCtrFunc
}

// NewBuilder constructs a discovery log builder backed by genCtr.
func NewBuilder(genCtr GenCtrFunc) *Builder {
	return &Builder{genCtr: genCtr}
}

// Build emits the discovery log page visible to hostNQN connecting over
// reqTrid, applying these filters in order: host allow-list, activation
// state, then the target's configured transport-match filter bits. It
// applies no subtype filter: every surviving listener becomes an entry
// with Subtype SubtypeNVMe.
func (b *Builder) Build(hostNQN string, reqTrid TransportID, filter MatchFilter, candidates []Candidate) Page {
	page := Page{GenCtr: b.genCtr()}
	for _, c := range candidates {
		if !hostAllowed(c, hostNQN) {
			continue
		}
		if !subsystemDiscoverable(c.State) {
			continue
		}
		for _, l := range c.Listeners {
			if !transportMatches(filter, reqTrid, l.Transport) {
				continue
			}
			page.Entries = append(page.Entries, Entry{
				SubNQN:    c.SubNQN,
				Transport: l.Transport,
				ANA:       l.ANA,
				Subtype:   SubtypeNVMe,
				AdrFam:    l.AdrFam,
				Treq:      l.Treq,
				Portid:    l.Portid,
				Cntlid:    DiscoveryCntlid,
				Asqsz:     l.Asqsz,
			})
		}
	}
	page.NumRec = uint64(len(page.Entries))
	return page
}

func hostAllowed(c Candidate, hostNQN string) bool {
	if c.HostAllowed == nil {
		return true
	}
	return c.HostAllowed(hostNQN)
}

// subsystemDiscoverable reports whether a subsystem in state is eligible
// for the discovery log at all: inactive and deactivating subsystems are
// never listed, mirroring nvmf_get_discovery_log_page's state check.
func subsystemDiscoverable(state State) bool {
	return state != StateInactive && state != StateDeactivating
}

func transportMatches(filter MatchFilter, req, listener TransportID) bool {
	if filter&MatchTransportType != 0 && req.TrType != listener.TrType {
		return false
	}
	if filter&MatchTransportAddress != 0 && req.TrAddr != listener.TrAddr {
		return false
	}
	if filter&MatchTransportSvcID != 0 && req.TrSvcID != listener.TrSvcID {
		return false
	}
	return true
}
