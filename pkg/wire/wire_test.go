// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

package wire

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestFabricCommandSizes(t *testing.T) {
	assert.Equal(t, uintptr(64), unsafe.Sizeof(FabricConnectCmd{}))
	assert.Equal(t, uintptr(1024), unsafe.Sizeof(FabricConnectData{}))
	assert.Equal(t, uintptr(16), unsafe.Sizeof(FabricConnectRsp{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(FabricPropGetCmd{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(FabricPropSetCmd{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(FabricAuthSendCmd{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(FabricAuthRecvCmd{}))
}

func TestSuccessStatusCodeSpecific(t *testing.T) {
	v := SuccessStatusCodeSpecific(7, 1)
	assert.Equal(t, uint32(7)|uint32(1)<<16, v)
}

func TestPropertyLenKnownOffsets(t *testing.T) {
	cases := map[uint32]int{
		PropCapOfst:    8,
		PropVSOfst:     4,
		PropIntMSOfst:  4,
		PropIntMCOfst:  4,
		PropCCOfst:     4,
		PropCSTSOfst:   4,
		PropNSSROfst:   4,
		PropAQAOfst:    4,
		PropASQOfst:    8,
		PropACQOfst:    8,
		PropCMBLocOfst: 4,
		PropCMBSzOfst:  4,
	}
	for ofst, want := range cases {
		assert.Equal(t, want, PropertyLen(ofst))
	}
}

func TestPropertyLenUnknownOffset(t *testing.T) {
	assert.Equal(t, 0, PropertyLen(0x1000))
}
