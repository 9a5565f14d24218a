// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package sparseimage parses Apple's sparsebundle/sparseimage band
// index header, per spec.md §4.4. Apple-origin: big-endian.
package sparseimage

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

const Signature = 0x73707273 // "sprs"

type Header struct {
	BandSize   uint32
	TotalBytes uint64
	TotalBands uint32
}

func ReadHeader(b []byte) (Header, error) {
	if len(b) < 64 {
		return Header{}, errtrace.New(errtrace.IoError, "sparseimage header shorter than 64 bytes")
	}
	if binary.BigEndian.Uint32(b[0:4]) != Signature {
		return Header{}, errtrace.New(errtrace.InvalidSignature, "missing sprs signature")
	}
	var h Header
	h.BandSize = binary.BigEndian.Uint32(b[12:16])
	h.TotalBytes = binary.BigEndian.Uint64(b[24:32])
	h.TotalBands = binary.BigEndian.Uint32(b[36:40])
	if h.BandSize == 0 {
		return Header{}, errtrace.Field("band_size", h.BandSize)
	}
	return h, nil
}

// BandName is the on-disk band file name within a sparsebundle: the
// band index rendered as lowercase hex, no padding, matching Apple's
// own bundle layout.
func BandName(bandIndex uint32) string {
	const hex = "0123456789abcdef"
	if bandIndex == 0 {
		return "0"
	}
	var buf [8]byte
	n := len(buf)
	for bandIndex > 0 {
		n--
		buf[n] = hex[bandIndex&0xf]
		bandIndex >>= 4
	}
	return string(buf[n:])
}
