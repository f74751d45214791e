// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package nqn validates NVMe Qualified Names against the grammar in spec
// section 3 / section 6.5, grounded on SPDK's spdk_nvmf_nqn_is_valid
// (lib/nvmf/subsystem.c).
package nqn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Length bounds from SPDK's nvmf_spec.h.
const (
	MinLen = 11
	MaxLen = 223

	// DiscoveryNQN is the well-known discovery controller NQN.
	DiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

	uuidPrefix = "nqn.2014-08.org.nvmexpress:uuid:"
)

const domainLabelMaxLen = 63

type domainState int

const (
	domainAcceptLetter domainState = iota
	domainAcceptLDH
	domainAcceptAny
)

// InvalidNQNError reports the first offending byte position, per spec
// section 6.5.
type InvalidNQNError struct {
	NQN      string
	Position int
	Reason   string
}

func (e *InvalidNQNError) Error() string {
	return fmt.Sprintf("invalid NQN %q at byte %d: %s", e.NQN, e.Position, e.Reason)
}

func invalid(n string, pos int, reason string) error {
	return &InvalidNQNError{NQN: n, Position: pos, Reason: reason}
}

// Validate checks n against the grammar of spec section 3: length bounds,
// the well-known discovery NQN, the "nqn.<yyyy>-<mm>.<reverse-domain>:<user>"
// form, or "nqn.2014-08.org.nvmexpress:uuid:<uuid>".
func Validate(n string) error {
	if len(n) > MaxLen {
		return invalid(n, MaxLen, fmt.Sprintf("length %d exceeds max %d", len(n), MaxLen))
	}
	if len(n) < MinLen {
		return invalid(n, len(n), fmt.Sprintf("length %d below min %d", len(n), MinLen))
	}
	if n == DiscoveryNQN {
		return nil
	}
	if strings.HasPrefix(n, uuidPrefix) {
		return validateUUIDForm(n)
	}
	return validateDomainForm(n)
}

func validateUUIDForm(n string) error {
	const uuidStringLen = 36
	if len(n) != len(uuidPrefix)+uuidStringLen {
		return invalid(n, len(uuidPrefix), "uuid suffix is not the correct length")
	}
	if _, err := uuid.Parse(n[len(uuidPrefix):]); err != nil {
		return invalid(n, len(uuidPrefix), "uuid suffix is not formatted correctly")
	}
	return nil
}

func validateDomainForm(n string) error {
	if !strings.HasPrefix(n, "nqn.") {
		return invalid(n, 0, `NQN must begin with "nqn."`)
	}
	// date code: yyyy-mm.
	for i, mustDigit := range [8]bool{true, true, true, true, false, true, true, false} {
		pos := 4 + i
		if pos >= len(n) {
			return invalid(n, pos, "truncated date code")
		}
		switch {
		case i == 4:
			if n[pos] != '-' {
				return invalid(n, pos, "expected '-' in date code")
			}
		case i == 7:
			if n[pos] != '.' {
				return invalid(n, pos, "expected '.' after date code")
			}
		case mustDigit:
			if n[pos] < '0' || n[pos] > '9' {
				return invalid(n, pos, "expected digit in date code")
			}
		}
	}

	colon := strings.IndexByte(n, ':')
	if colon < 0 || colon >= len(n)-1 {
		return invalid(n, len(n)-1, `NQN must contain a user-specified name prefixed by ':'`)
	}

	if err := validateReverseDomain(n, 12, colon); err != nil {
		return err
	}

	if !validUTF8(n[colon+1:]) {
		return invalid(n, colon+1, "user-specified name is not valid UTF-8")
	}
	return nil
}

func validateReverseDomain(n string, start, end int) error {
	state := domainAcceptLetter
	labelLen := 0
	for i := start; i < end; i++ {
		if labelLen > domainLabelMaxLen {
			return invalid(n, i, "domain label too long")
		}
		c := n[i]
		switch state {
		case domainAcceptLetter:
			if !isAlpha(c) {
				return invalid(n, i, "domain labels must start with a letter")
			}
			state = domainAcceptAny
			labelLen++
		case domainAcceptLDH:
			switch {
			case isAlpha(c) || isDigit(c):
				state = domainAcceptAny
				labelLen++
			case c == '-':
				if i == end-1 {
					return invalid(n, i, "domain labels must end with an alphanumeric symbol")
				}
				state = domainAcceptLDH
				labelLen++
			case c == '.':
				return invalid(n, i, "domain labels must end with an alphanumeric symbol")
			default:
				return invalid(n, i, "domain labels may only contain letters, digits, '-' and '.'")
			}
		case domainAcceptAny:
			switch {
			case isAlpha(c) || isDigit(c):
				state = domainAcceptAny
				labelLen++
			case c == '-':
				if i == end-1 {
					return invalid(n, i, "domain labels must end with an alphanumeric symbol")
				}
				state = domainAcceptLDH
				labelLen++
			case c == '.':
				state = domainAcceptLetter
				labelLen = 0
			default:
				return invalid(n, i, "domain labels may only contain letters, digits, '-' and '.'")
			}
		}
	}
	if state != domainAcceptAny {
		return invalid(n, end, "reverse domain must end with an alphanumeric symbol")
	}
	return nil
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func validUTF8(s string) bool {
	return strconv.CanBackquote(s) || strings.ToValidUTF8(s, "") == s
}
