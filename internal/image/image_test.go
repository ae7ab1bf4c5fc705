// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package image_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberos/trapgate/internal/image"
)

func sampleImage() image.Image {
	return image.Build(0x0, 4, 0x1000, []byte{0x00, 0xbf, 0x00, 0xbf, 0x00, 0xdf})
}

func TestRoundTrip(t *testing.T) {
	img := sampleImage()

	buf, err := img.Encode()
	require.NoError(t, err)
	require.Len(t, buf, image.HeaderSize+len(img.Text))

	decoded, err := image.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, img.LoadAddr, decoded.LoadAddr)
	assert.Equal(t, img.Entry, decoded.Entry)
	assert.Equal(t, img.MinRAM, decoded.MinRAM)
	assert.Equal(t, img.Text, decoded.Text)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	img := sampleImage()

	buf, err := img.Encode()
	require.NoError(t, err)

	decoded, err := image.Decode(buf)
	require.NoError(t, err)

	buf[image.HeaderSize] ^= 0xff
	assert.Equal(t, img.Text, decoded.Text)
}

func TestDecodeRejects(t *testing.T) {
	good, err := sampleImage().Encode()
	require.NoError(t, err)

	corrupt := func(off int, v byte) []byte {
		buf := make([]byte, len(good))
		copy(buf, good)
		buf[off] = v

		return buf
	}

	for _, tt := range []struct {
		name string
		buf  []byte
		err  error
	}{
		{name: "empty", buf: nil, err: image.ErrImageSize},
		{name: "header only truncated", buf: good[:image.HeaderSize-1], err: image.ErrImageSize},
		{name: "text truncated", buf: good[:len(good)-1], err: image.ErrImageSize},
		{name: "trailing bytes", buf: append(append([]byte(nil), good...), 0), err: image.ErrImageSize},
		{name: "bad magic", buf: corrupt(0, 'X'), err: image.ErrImageFormat},
		{name: "bad version", buf: corrupt(4, 9), err: image.ErrImageFormat},
		{name: "unaligned load address", buf: corrupt(8, 2), err: image.ErrImageFormat},
		{name: "odd entry offset", buf: corrupt(12, 3), err: image.ErrImageFormat},
		{name: "entry past text", buf: corrupt(12, 0x40), err: image.ErrImageFormat},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := image.Decode(tt.buf)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEncodeRejectsInconsistent(t *testing.T) {
	for _, tt := range []struct {
		name string
		img  image.Image
	}{
		{name: "entry below load address", img: image.Image{LoadAddr: 0x100, Entry: 0x80, Text: []byte{0, 0}}},
		{name: "entry past text", img: image.Image{LoadAddr: 0, Entry: 0x40, Text: []byte{0, 0}}},
		{name: "odd entry", img: image.Image{LoadAddr: 0, Entry: 1, Text: []byte{0, 0, 0, 0}}},
		{name: "unaligned load address", img: image.Image{LoadAddr: 2, Entry: 2, Text: []byte{0, 0}}},
		{name: "no text", img: image.Image{}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.img.Encode()
			require.ErrorIs(t, err, image.ErrImageFormat)
		})
	}
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.img")

	img := sampleImage()
	require.NoError(t, image.WriteFile(path, img))

	decoded, err := image.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, img.Text, decoded.Text)
	assert.Equal(t, img.Entry, decoded.Entry)

	_, err = image.ReadFile(filepath.Join(t.TempDir(), "missing.img"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
