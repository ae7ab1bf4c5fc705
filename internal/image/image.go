// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package image reads and writes the container format for user programs. An
// image is a fixed little-endian header followed by raw program text:
//
//	word 0  magic "EMBR"
//	word 1  format version
//	word 2  load address in flash
//	word 3  entry offset into the text
//	word 4  text length in bytes
//	word 5  minimum RAM in bytes
//
// The decoder rejects on any header mismatch rather than guessing; a program
// loaded at the wrong address or entered at the wrong offset fails in far
// less obvious ways than a refused image.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// HeaderSize is the byte length of the image header.
const HeaderSize = 24

const formatVersion = 1

var magic = binary.LittleEndian.Uint32([]byte("EMBR"))

// ErrImageSize is returned when an image's length does not match its header.
var ErrImageSize = errors.New("image size mismatch")

// ErrImageFormat is returned when an image's header fields are not valid.
var ErrImageFormat = errors.New("image format mismatch")

// Image is a loadable user program.
type Image struct {
	// LoadAddr is the flash address the text is loaded at.
	LoadAddr uint32

	// Entry is the absolute address of the first instruction.
	Entry uint32

	// MinRAM is the least process RAM the program needs to run.
	MinRAM uint32

	// Text is the program text.
	Text []byte
}

// Build assembles an image from text with the entry given as an offset into
// the text.
func Build(loadAddr, entryOff, minRAM uint32, text []byte) Image {
	return Image{
		LoadAddr: loadAddr,
		Entry:    loadAddr + entryOff,
		MinRAM:   minRAM,
		Text:     text,
	}
}

// Decode parses an encoded image. The buffer must hold exactly the header
// plus the text the header declares.
func Decode(buf []byte) (Image, error) {
	if len(buf) < HeaderSize {
		return Image{}, fmt.Errorf("%d bytes is shorter than the %d byte header: %w", len(buf), HeaderSize, ErrImageSize)
	}

	word := func(i int) uint32 {
		return binary.LittleEndian.Uint32(buf[i*4:])
	}

	if word(0) != magic {
		return Image{}, fmt.Errorf("magic %#x: %w", word(0), ErrImageFormat)
	}

	if v := word(1); v != formatVersion {
		return Image{}, fmt.Errorf("format version %d, want %d: %w", v, formatVersion, ErrImageFormat)
	}

	loadAddr := word(2)
	entryOff := word(3)
	textLen := word(4)
	minRAM := word(5)

	if uint64(len(buf)) != HeaderSize+uint64(textLen) {
		return Image{}, fmt.Errorf("%d bytes of text declared, %d present: %w", textLen, len(buf)-HeaderSize, ErrImageSize)
	}

	if loadAddr%4 != 0 {
		return Image{}, fmt.Errorf("load address %#x is not word aligned: %w", loadAddr, ErrImageFormat)
	}

	if entryOff%2 != 0 || entryOff >= textLen {
		return Image{}, fmt.Errorf("entry offset %#x in %d bytes of text: %w", entryOff, textLen, ErrImageFormat)
	}

	text := make([]byte, textLen)
	copy(text, buf[HeaderSize:])

	return Image{
		LoadAddr: loadAddr,
		Entry:    loadAddr + entryOff,
		MinRAM:   minRAM,
		Text:     text,
	}, nil
}

// Encode serializes the image. The same consistency rules the decoder
// enforces apply here, so an Encode result always decodes.
func (img Image) Encode() ([]byte, error) {
	if img.Entry < img.LoadAddr {
		return nil, fmt.Errorf("entry %#x below load address %#x: %w", img.Entry, img.LoadAddr, ErrImageFormat)
	}

	if uint64(len(img.Text)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%d bytes of text: %w", len(img.Text), ErrImageSize)
	}

	entryOff := img.Entry - img.LoadAddr
	if uint64(entryOff) >= uint64(len(img.Text)) || entryOff%2 != 0 {
		return nil, fmt.Errorf("entry offset %#x in %d bytes of text: %w", entryOff, len(img.Text), ErrImageFormat)
	}

	if img.LoadAddr%4 != 0 {
		return nil, fmt.Errorf("load address %#x is not word aligned: %w", img.LoadAddr, ErrImageFormat)
	}

	buf := make([]byte, 0, HeaderSize+len(img.Text))
	buf = binary.LittleEndian.AppendUint32(buf, magic)
	buf = binary.LittleEndian.AppendUint32(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, img.LoadAddr)
	buf = binary.LittleEndian.AppendUint32(buf, entryOff)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Text)))
	buf = binary.LittleEndian.AppendUint32(buf, img.MinRAM)

	return append(buf, img.Text...), nil
}

// ReadFile loads and decodes an image from disk.
func ReadFile(path string) (Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("reading image: %w", err)
	}

	img, err := Decode(buf)
	if err != nil {
		return Image{}, fmt.Errorf("decoding image %q: %w", path, err)
	}

	return img, nil
}

// WriteFile encodes the image and writes it to disk.
func WriteFile(path string, img Image) error {
	buf, err := img.Encode()
	if err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}

	return nil
}
