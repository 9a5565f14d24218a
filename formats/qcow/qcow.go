// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package qcow parses QEMU QCOW v1-v3 headers and the two-level
// L1/L2 cluster lookup tables, per spec.md §4.4. QCOW is a
// Linux/QEMU-origin format whose multi-byte header and table fields
// are all big-endian on disk, and this package reads them big-endian.
package qcow

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

const Magic = 0x514649FB // "QFI\xfb"

const (
	CompressionBit = uint64(1) << 63 // set on an L2 entry => compressed cluster
)

type Header struct {
	Version           uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	ClusterBits       uint32
	Size              uint64
	CryptMethod       uint32
	L1Size            uint32
	L1TableOffset     uint64
	RefcountTableOffset uint64
	RefcountTableClusters uint32
	NbSnapshots       uint32
	SnapshotsOffset   uint64
	// v3+
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32
	HeaderLength         uint32
}

func ReadHeader(b []byte) (Header, error) {
	if len(b) < 72 {
		return Header{}, errtrace.New(errtrace.IoError, "QCOW header shorter than 72 bytes")
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return Header{}, errtrace.New(errtrace.InvalidSignature, "missing QFI magic")
	}
	var h Header
	h.Version = binary.BigEndian.Uint32(b[4:8])
	if h.Version < 1 || h.Version > 3 {
		return Header{}, errtrace.New(errtrace.Unsupported, "unsupported QCOW version")
	}
	h.BackingFileOffset = binary.BigEndian.Uint64(b[8:16])
	h.BackingFileSize = binary.BigEndian.Uint32(b[16:20])
	h.ClusterBits = binary.BigEndian.Uint32(b[20:24])
	h.Size = binary.BigEndian.Uint64(b[24:32])
	h.CryptMethod = binary.BigEndian.Uint32(b[32:36])
	h.L1Size = binary.BigEndian.Uint32(b[36:40])
	h.L1TableOffset = binary.BigEndian.Uint64(b[40:48])
	h.RefcountTableOffset = binary.BigEndian.Uint64(b[48:56])
	h.RefcountTableClusters = binary.BigEndian.Uint32(b[56:60])
	h.NbSnapshots = binary.BigEndian.Uint32(b[60:64])
	h.SnapshotsOffset = binary.BigEndian.Uint64(b[64:72])
	if h.ClusterBits == 0 {
		return Header{}, errtrace.Field("cluster_bits", h.ClusterBits)
	}
	if h.Version >= 3 && len(b) >= 104 {
		h.IncompatibleFeatures = binary.BigEndian.Uint64(b[72:80])
		h.CompatibleFeatures = binary.BigEndian.Uint64(b[80:88])
		h.AutoclearFeatures = binary.BigEndian.Uint64(b[88:96])
		h.RefcountOrder = binary.BigEndian.Uint32(b[96:100])
		h.HeaderLength = binary.BigEndian.Uint32(b[100:104])
	}
	return h, nil
}

func (h Header) ClusterSize() uint64 { return uint64(1) << h.ClusterBits }

// L1Entries decodes the L1 table: each entry is an 8-byte big-endian
// offset to an L2 table, bit 63 used for a "refcount table cluster"
// flag in recent revisions (ignored, out of scope: read-only address
// translation does not need copy-on-write refcounts).
func L1Entries(b []byte, count uint32) ([]uint64, error) {
	if uint32(len(b)) < count*8 {
		return nil, errtrace.New(errtrace.IoError, "L1 table shorter than declared size")
	}
	out := make([]uint64, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[i*8:]) &^ (uint64(1) << 63) &^ (uint64(1) << 62)
	}
	return out, nil
}

// L2Entries decodes an L2 table of clusterSize/8 entries.
func L2Entries(b []byte, clusterSize uint64) ([]uint64, error) {
	count := clusterSize / 8
	if uint64(len(b)) < count*8 {
		return nil, errtrace.New(errtrace.IoError, "L2 table shorter than declared size")
	}
	out := make([]uint64, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return out, nil
}

// DecodeL2Entry splits an L2 entry into its compressed flag, the
// physical host offset (or, for compressed clusters, the packed
// descriptor), and whether the cluster is allocated at all.
func DecodeL2Entry(raw uint64, clusterBits uint32) (compressed bool, hostOffset uint64, compressedDescriptor uint64, allocated bool) {
	if raw&CompressionBit != 0 {
		return true, 0, raw &^ CompressionBit, true
	}
	hostOffset = raw &^ (uint64(1) << 63) &^ (uint64(1) << 62)
	return false, hostOffset, 0, hostOffset != 0
}

// SplitCompressedDescriptor unpacks a compressed-cluster L2 entry per
// the QCOW2 format: the top (62-x) bits are the host byte offset of
// the compressed run, and the low x bits are the number of additional
// sectors the run occupies, where x = clusterBits - 8.
func SplitCompressedDescriptor(descriptor uint64, clusterBits uint32) (hostOffset uint64, extraSectors uint32) {
	x := clusterBits - 8
	mask := uint64(1)<<x - 1
	return descriptor >> x, uint32(descriptor & mask)
}
