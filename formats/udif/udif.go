// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package udif parses Apple's UDIF disk image trailer (koly block)
// and per-block-run chunk descriptor tables (mish/BLKX blocks), per
// spec.md §4.4. UDIF is Apple-origin: big-endian, matching the
// teacher's own Apple-format handling.
package udif

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

const KolySignature = 0x6B6F6C79 // "koly"
const BlkxSignature = 0x6D697368 // "mish"

// ChunkType values understood by spec.md §4.4; only these five plus
// Zero/Raw are decoded, everything else is reported Unsupported.
const (
	ChunkZero        = 0x00000000
	ChunkRaw         = 0x00000001
	ChunkIgnore      = 0x00000002
	ChunkComment     = 0x7FFFFFFE
	ChunkADC         = 0x80000004
	ChunkZlib        = 0x80000005
	ChunkBzip2       = 0x80000006
	ChunkLZFSE       = 0x80000007
	ChunkLZMA        = 0x80000008
	ChunkTerminator  = 0xFFFFFFFF
)

// Trailer is the 512-byte "koly" block at the end of the file.
type Trailer struct {
	Version          uint32
	DataForkLength   uint64
	XMLOffset        uint64
	XMLLength        uint64
	SectorCount      uint64
}

func ReadTrailer(b []byte) (Trailer, error) {
	if len(b) < 512 {
		return Trailer{}, errtrace.New(errtrace.IoError, "UDIF trailer shorter than 512 bytes")
	}
	if binary.BigEndian.Uint32(b[0:4]) != KolySignature {
		return Trailer{}, errtrace.New(errtrace.InvalidSignature, "missing koly signature")
	}
	var t Trailer
	t.Version = binary.BigEndian.Uint32(b[4:8])
	t.DataForkLength = binary.BigEndian.Uint64(b[40:48])
	t.XMLOffset = binary.BigEndian.Uint64(b[216:224])
	t.XMLLength = binary.BigEndian.Uint64(b[224:232])
	t.SectorCount = binary.BigEndian.Uint64(b[464:472])
	return t, nil
}

// BlockRun is one entry of the mish block's chunk descriptor table.
type BlockRun struct {
	Type            uint32
	Comment         uint32
	SectorStart     uint64
	SectorCount     uint64
	CompressedOffset uint64
	CompressedLength uint64
}

// BlkxTable holds the mish block header fields needed to translate
// virtual sector offsets into compressed-chunk descriptors.
type BlkxTable struct {
	FirstSector uint64
	SectorCount uint64
	Runs        []BlockRun
}

// ReadBlkxTable decodes a "mish" resource's binary payload (as
// extracted from the property-list "Block" blobs named by the XML
// plist at Trailer.XMLOffset — plist decoding itself is out of scope,
// treated as a read_data(bytes) collaborator per spec.md §1).
func ReadBlkxTable(b []byte) (BlkxTable, error) {
	if len(b) < 204 {
		return BlkxTable{}, errtrace.New(errtrace.IoError, "mish block shorter than 204 bytes")
	}
	if binary.BigEndian.Uint32(b[0:4]) != BlkxSignature {
		return BlkxTable{}, errtrace.New(errtrace.InvalidSignature, "missing mish signature")
	}
	var t BlkxTable
	t.FirstSector = binary.BigEndian.Uint64(b[8:16])
	t.SectorCount = binary.BigEndian.Uint64(b[16:24])
	numRuns := binary.BigEndian.Uint32(b[200:204])
	const runSize = 40
	need := 204 + int(numRuns)*runSize
	if len(b) < need {
		return BlkxTable{}, errtrace.New(errtrace.IoError, "mish block truncated before declared run count")
	}
	t.Runs = make([]BlockRun, numRuns)
	for i := range t.Runs {
		r := b[204+i*runSize:]
		run := BlockRun{
			Type:             binary.BigEndian.Uint32(r[0:4]),
			Comment:          binary.BigEndian.Uint32(r[4:8]),
			SectorStart:      binary.BigEndian.Uint64(r[8:16]),
			SectorCount:      binary.BigEndian.Uint64(r[16:24]),
			CompressedOffset: binary.BigEndian.Uint64(r[24:32]),
			CompressedLength: binary.BigEndian.Uint64(r[32:40]),
		}
		switch run.Type {
		case ChunkZero, ChunkRaw, ChunkIgnore, ChunkComment, ChunkADC, ChunkZlib, ChunkBzip2, ChunkLZFSE, ChunkLZMA, ChunkTerminator:
		default:
			return BlkxTable{}, errtrace.New(errtrace.Unsupported, "unrecognised UDIF chunk type")
		}
		t.Runs[i] = run
	}
	return t, nil
}

// SupportedChunkType reports whether this implementation can
// decompress the given run type: zero, raw, ignore, comment, zlib,
// bzip2 and LZMA runs report true. LZFSE and ADC runs report false;
// the UDIF layer has no decoder for either.
func SupportedChunkType(t uint32) bool {
	switch t {
	case ChunkZero, ChunkRaw, ChunkIgnore, ChunkComment, ChunkZlib, ChunkBzip2, ChunkLZMA:
		return true
	default:
		return false
	}
}
