// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package wire declares the fixed-layout fabric command/data structures
// and controller property offsets the core's command executor and
// controller decode and populate (spec section 6.3), grounded on
// include/spdk/nvmf_spec.h. Queue-pair framing and the transport that
// carries these bytes are out of scope; this package only fixes their
// shape.
package wire

// FabricConnectCmd is the Fabric Connect command (struct
// spdk_nvmf_fabric_connect_cmd), a 64-byte capsule.
type FabricConnectCmd struct {
	Opcode    uint8
	Reserved1 uint8
	CID       uint16
	FCType    uint8
	Reserved2 [19]byte
	SGL1      [16]byte // struct spdk_nvme_sgl_descriptor
	Recfmt    uint16
	QID       uint16
	SQSize    uint16
	CAttr     uint8
	Reserved3 uint8
	KATO      uint32
	Reserved4 [12]byte
}

// Connect command priority attributes (FabricConnectCmd.CAttr).
const (
	ConnectAttrPriorityUrgent = 0x00
	ConnectAttrPriorityHigh   = 0x01
	ConnectAttrPriorityMedium = 0x02
	ConnectAttrPriorityLow    = 0x03
)

// FabricConnectData is the 1024-byte data payload accompanying a Connect
// command (struct spdk_nvmf_fabric_connect_data).
type FabricConnectData struct {
	HostID     [16]byte
	CNTLID     uint16
	Reserved5  [238]byte
	SubNQN     [256]byte
	HostNQN    [256]byte
	Reserved6  [256]byte
}

// FabricConnectRsp is the Fabric Connect command's completion payload
// (struct spdk_nvmf_fabric_connect_rsp).
type FabricConnectRsp struct {
	StatusCodeSpecific uint32
	Reserved0          uint32
	SQHD               uint16
	Reserved1          uint16
	CID                uint16
	Status             uint16
}

// SuccessStatusCodeSpecific encodes StatusCodeSpecific for a successful
// Connect from the assigned controller id (low 16 bits) and
// authentication requirement bitmap (high 16 bits).
func SuccessStatusCodeSpecific(cntlid, authreq uint16) uint32 {
	return uint32(cntlid) | uint32(authreq)<<16
}

// FabricPropGetCmd is the Fabric Property Get command.
type FabricPropGetCmd struct {
	Opcode    uint8
	Reserved1 uint8
	CID       uint16
	FCType    uint8
	Reserved2 [35]byte
	Attrib    uint8
	Reserved3 [3]byte
	Ofst      uint32
	Reserved4 [16]byte
}

// FabricPropSetCmd is the Fabric Property Set command.
type FabricPropSetCmd struct {
	Opcode    uint8
	Reserved1 uint8
	CID       uint16
	FCType    uint8
	Reserved2 [35]byte
	Attrib    uint8
	Reserved3 [3]byte
	Ofst      uint32
	Value     uint64
	Reserved4 [8]byte
}

// PropSize is the Property Get/Set command's ATTRIB size selector.
type PropSize uint8

// Property sizes.
const (
	PropSize4 PropSize = 0
	PropSize8 PropSize = 2
)

// FabricAuthSendCmd is the Fabric Authentication Send command (struct
// spdk_nvmf_fabric_auth_send_cmd), which carries one DH-CHAP message as
// its SGL-referenced data.
type FabricAuthSendCmd struct {
	Opcode    uint8
	Reserved1 uint8
	CID       uint16
	FCType    uint8
	Reserved2 [19]byte
	SGL1      [16]byte
	Reserved3 uint8
	SPSP0     uint8
	SPSP1     uint8
	SECP      uint8
	TL        uint32
	Reserved4 [16]byte
}

// FabricAuthRecvCmd is the Fabric Authentication Receive command (struct
// spdk_nvmf_fabric_auth_recv_cmd).
type FabricAuthRecvCmd struct {
	Opcode    uint8
	Reserved1 uint8
	CID       uint16
	FCType    uint8
	Reserved2 [19]byte
	SGL1      [16]byte
	Reserved3 uint8
	SPSP0     uint8
	SPSP1     uint8
	SECP      uint8
	AL        uint32
	Reserved4 [16]byte
}

// Security Protocol value used by both auth capsules' SECP field.
const SecurityProtocolNVMe = 0xE9

// Fabric command types (FCType field of a capsule).
const (
	FCTypePropertySet        = 0x00
	FCTypeConnect            = 0x01
	FCTypePropertyGet        = 0x04
	FCTypeAuthenticationSend = 0x05
	FCTypeAuthenticationRecv = 0x06
)

// Controller property register byte offsets within the BAR0 property
// space (struct spdk_nvmf_ctrlr_properties), addressed by Property
// Get/Set's Ofst field.
const (
	PropCapOfst    = 0x0
	PropVSOfst     = 0x8
	PropIntMSOfst  = 0xC
	PropIntMCOfst  = 0x10
	PropCCOfst     = 0x14
	PropCSTSOfst   = 0x1C
	PropNSSROfst   = 0x20
	PropAQAOfst    = 0x24
	PropASQOfst    = 0x28
	PropACQOfst    = 0x30
	PropCMBLocOfst = 0x38
	PropCMBSzOfst  = 0x3C
)

// Controller property register byte lengths, indexed by the same
// offsets above; used to validate a Get/Set's ATTRIB against the
// register it names.
const (
	PropCapLen    = 8
	PropVSLen     = 4
	PropIntMSLen  = 4
	PropIntMCLen  = 4
	PropCCLen     = 4
	PropCSTSLen   = 4
	PropNSSRLen   = 4
	PropAQALen    = 4
	PropASQLen    = 8
	PropACQLen    = 8
	PropCMBLocLen = 4
	PropCMBSzLen  = 4
)

// PropertyLen reports the register width at ofst, or 0 if ofst does not
// name a known register.
func PropertyLen(ofst uint32) int {
	switch ofst {
	case PropCapOfst:
		return PropCapLen
	case PropVSOfst:
		return PropVSLen
	case PropIntMSOfst:
		return PropIntMSLen
	case PropIntMCOfst:
		return PropIntMCLen
	case PropCCOfst:
		return PropCCLen
	case PropCSTSOfst:
		return PropCSTSLen
	case PropNSSROfst:
		return PropNSSRLen
	case PropAQAOfst:
		return PropAQALen
	case PropASQOfst:
		return PropASQLen
	case PropACQOfst:
		return PropACQLen
	case PropCMBLocOfst:
		return PropCMBLocLen
	case PropCMBSzOfst:
		return PropCMBSzLen
	default:
		return 0
	}
}
