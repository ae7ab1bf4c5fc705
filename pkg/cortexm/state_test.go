// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package cortexm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() StoredState {
	return StoredState{
		Regs:         [8]uint32{0x44444444, 0x55555555, 0x66666666, 0x77777777, 0x88888888, 0x99999999, 0xaaaaaaaa, 0xbbbbbbbb},
		ResumePC:     0x0000_0199,
		Status:       0x0100_0000,
		StackPointer: 0x2000_0fe0,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	state := sampleState()

	buf := make([]byte, SnapshotSize)
	n, err := state.EncodeTo(buf)
	require.NoError(t, err)
	require.Equal(t, SnapshotSize, n)

	decoded, err := DecodeStoredState(buf)
	require.NoError(t, err)

	assert.Equal(t, state.Regs, decoded.Regs)
	assert.Equal(t, state.ResumePC, decoded.ResumePC)
	assert.Equal(t, state.Status, decoded.Status)
	assert.Equal(t, state.StackPointer, decoded.StackPointer)

	_, active := decoded.PendingBatch()
	assert.False(t, active)
}

func TestSnapshotLayout(t *testing.T) {
	state := sampleState()

	buf := make([]byte, SnapshotSize)
	_, err := state.EncodeTo(buf)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(56), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, []byte("ctxm"), buf[8:12])
	assert.Equal(t, state.ResumePC, binary.LittleEndian.Uint32(buf[12:16]))
	assert.Equal(t, state.Status, binary.LittleEndian.Uint32(buf[16:20]))
	assert.Equal(t, state.StackPointer, binary.LittleEndian.Uint32(buf[20:24]))

	for i, reg := range state.Regs {
		assert.Equal(t, reg, binary.LittleEndian.Uint32(buf[24+i*4:28+i*4]))
	}
}

func TestSnapshotDropsBatch(t *testing.T) {
	state := sampleState()
	state.setBatch(Batch{Remaining: 3, Cursor: 0x2000_0100, Policy: ContinueOnError})

	buf := make([]byte, SnapshotSize)
	_, err := state.EncodeTo(buf)
	require.NoError(t, err)

	// Encoding must not disturb the live state.
	_, active := state.PendingBatch()
	require.True(t, active)

	decoded, err := DecodeStoredState(buf)
	require.NoError(t, err)

	_, active = decoded.PendingBatch()
	assert.False(t, active)
}

func TestEncodeToShortBuffer(t *testing.T) {
	state := sampleState()

	_, err := state.EncodeTo(make([]byte, SnapshotSize-1))
	require.ErrorIs(t, err, ErrStateSize)
}

func TestDecodeStoredStateRejects(t *testing.T) {
	state := sampleState()

	good := make([]byte, SnapshotSize)
	_, err := state.EncodeTo(good)
	require.NoError(t, err)

	corrupt := func(off int) []byte {
		buf := make([]byte, len(good))
		copy(buf, good)
		buf[off] ^= 0x01

		return buf
	}

	for _, tt := range []struct {
		name string
		buf  []byte
		err  error
	}{
		{name: "short", buf: good[:SnapshotSize-1], err: ErrStateSize},
		{name: "long", buf: append(append([]byte(nil), good...), 0), err: ErrStateSize},
		{name: "empty", buf: nil, err: ErrStateSize},
		{name: "bad version", buf: corrupt(0), err: ErrStateMismatch},
		{name: "bad record size", buf: corrupt(4), err: ErrStateMismatch},
		{name: "bad tag", buf: corrupt(8), err: ErrStateMismatch},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStoredState(tt.buf)
			require.ErrorIs(t, err, tt.err)
		})
	}
}
