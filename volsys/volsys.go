// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package volsys enumerates the partitions of an MBR, GPT, or APM
// volume system into named layer.Layer children, per spec.md §4.4's
// volume-system bullet: each partition becomes a Raw layer spanning
// its byte range on the parent image layer, addressed by the VFS
// path grammar's 1-based "mbrN"/"gptN"/"apmN" components.
package volsys

import (
	"fmt"

	"github.com/vfsforensics/corefs/formats/apm"
	"github.com/vfsforensics/corefs/formats/gpt"
	"github.com/vfsforensics/corefs/formats/mbr"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/layer"
	"github.com/vfsforensics/corefs/stream"
)

// Partition names one child of a volume system: its 1-based index
// (matching the VFS path grammar), the carved-out Layer, and a
// best-effort label for directory listings.
type Partition struct {
	Index      int
	Label      string
	UniqueGUID string // GPT unique partition GUID, formatted; empty for MBR/APM
	Layer      layer.Layer
}

const sectorSize512 = 512

// OpenMBR reads the partition table from a disk image layer and
// returns its primary (and, for an extended partition, logical)
// partitions in on-disk order. Primary slots always occupy 1-4
// (matching the fixed 4-entry master table, per
// keramics-formats/src/mbr/volume_system.rs's read_master_boot_record);
// an extended-partition entry (type 0x05/0x0F) is a container only and
// is never itself listed as an addressable partition. An all-zero
// partition table yields an empty, error-free slice per spec.md's MBR
// edge case.
func OpenMBR(disk layer.Layer) ([]Partition, error) {
	sector := make([]byte, sectorSize512)
	if err := stream.ReadExactAt(disk, sector, 0); err != nil {
		return nil, err
	}
	table, err := mbr.ReadMasterBootRecord(sector)
	if err != nil {
		return nil, err
	}

	var out []Partition
	haveExtended := false
	var extendedLBA int64
	for slot, p := range table.Partitions {
		if p.IsExtended() {
			if haveExtended {
				return nil, errtrace.New(errtrace.InvalidField, "more than one extended partition entry per boot record is not supported")
			}
			haveExtended = true
			extendedLBA = int64(p.StartLBA)
			continue
		}
		if p.IsEmpty() {
			continue
		}
		start := int64(p.StartLBA) * sectorSize512
		length := int64(p.NumSectors) * sectorSize512
		out = append(out, Partition{
			Index: slot + 1,
			Label: fmt.Sprintf("%#02x", p.TypeID),
			Layer: layer.NewRaw("mbr-partition", disk, start, length),
		})
	}
	if haveExtended {
		logical, err := readExtendedChain(disk, extendedLBA, 4)
		if err != nil {
			return nil, err
		}
		out = append(out, logical...)
	}
	return out, nil
}

// readExtendedChain walks the linked chain of extended boot records
// rooted at firstExtendedLBA. Each link contributes at most one
// addressable logical partition; firstEntryIndex (0-based) is the
// slot position reserved for that link and advances by 4 per
// recursion, mirroring the primary table's own 4-slot convention, so
// a chain's first logical partition always lands at 1-based index 5
// — per read_extended_boot_record's "first_entry_index + 4" recursive
// step, which never lists the link (type 0x05) entry itself either.
func readExtendedChain(disk layer.Layer, firstExtendedLBA int64, firstEntryIndex int) ([]Partition, error) {
	var out []Partition
	ebrLBA := firstExtendedLBA
	seen := make(map[int64]bool)
	for !seen[ebrLBA] {
		seen[ebrLBA] = true
		sector := make([]byte, sectorSize512)
		if err := stream.ReadExactAt(disk, sector, ebrLBA*sectorSize512); err != nil {
			return nil, err
		}
		ebr, err := mbr.ReadExtendedBootRecord(sector)
		if err != nil {
			return nil, err
		}
		if !ebr.Partition.IsEmpty() {
			start := (ebrLBA + int64(ebr.Partition.StartLBA)) * sectorSize512
			length := int64(ebr.Partition.NumSectors) * sectorSize512
			out = append(out, Partition{
				Index: firstEntryIndex + 1,
				Label: fmt.Sprintf("%#02x", ebr.Partition.TypeID),
				Layer: layer.NewRaw("mbr-partition", disk, start, length),
			})
		}
		if ebr.Next.IsEmpty() {
			break
		}
		ebrLBA = firstExtendedLBA + int64(ebr.Next.StartLBA)
		firstEntryIndex += 4
	}
	return out, nil
}

// OpenGPT reads the GPT header and partition entry array from a disk
// image layer and returns its non-empty partitions.
func OpenGPT(disk layer.Layer) ([]Partition, error) {
	headerSector := make([]byte, sectorSize512)
	if err := stream.ReadExactAt(disk, headerSector, sectorSize512); err != nil {
		return nil, err
	}
	header, err := gpt.ReadHeader(headerSector)
	if err != nil {
		return nil, err
	}

	entriesSize := int64(header.NumPartitionEntries) * int64(header.SizeOfPartitionEntry)
	entriesBuf := make([]byte, entriesSize)
	if err := stream.ReadExactAt(disk, entriesBuf, int64(header.PartitionEntryLBA)*sectorSize512); err != nil {
		return nil, err
	}

	var out []Partition
	idx := 1
	for i := uint32(0); i < header.NumPartitionEntries; i++ {
		raw := entriesBuf[i*header.SizeOfPartitionEntry:]
		entry, err := gpt.ReadPartitionEntry(raw)
		if err != nil {
			return nil, err
		}
		if entry.IsUnused() {
			continue
		}
		start := int64(entry.FirstLBA) * sectorSize512
		length := (int64(entry.LastLBA) - int64(entry.FirstLBA) + 1) * sectorSize512
		if length <= 0 {
			return nil, errtrace.New(errtrace.InvalidField, "GPT entry has non-positive length")
		}
		out = append(out, Partition{
			Index:      idx,
			Label:      entry.Name,
			UniqueGUID: gpt.FormatGUID(entry.UniqueGUID),
			Layer:      layer.NewRaw("gpt-partition", disk, start, length),
		})
		idx++
	}
	return out, nil
}

// OpenAPM reads the Apple Partition Map driver descriptor and entries.
func OpenAPM(disk layer.Layer) ([]Partition, error) {
	ddmBuf := make([]byte, sectorSize512)
	if err := stream.ReadExactAt(disk, ddmBuf, 0); err != nil {
		return nil, err
	}
	ddm, err := apm.ReadDriverDescriptorMap(ddmBuf)
	if err != nil {
		return nil, err
	}
	blockSize := int64(ddm.BlockSize)
	if blockSize == 0 {
		blockSize = sectorSize512
	}

	probe := make([]byte, 2)
	_, _ = disk.ReadAt(probe, sectorSize512)
	step := apm.MapEntryStep(ddm.BlockSize, probe)

	firstEntryBuf := make([]byte, step)
	if err := stream.ReadExactAt(disk, firstEntryBuf, step); err != nil {
		return nil, err
	}
	first, err := apm.ReadEntry(firstEntryBuf, 1)
	if err != nil {
		return nil, err
	}

	var out []Partition
	for i := uint32(1); i <= first.MapEntries; i++ {
		buf := make([]byte, step)
		if err := stream.ReadExactAt(disk, buf, int64(i)*step); err != nil {
			return nil, err
		}
		entry, err := apm.ReadEntry(buf, i)
		if err != nil {
			return nil, err
		}
		if entry.IsFree() {
			continue
		}
		start := int64(entry.StartBlock) * blockSize
		length := int64(entry.BlockCount) * blockSize
		out = append(out, Partition{
			Index: int(i),
			Label: entry.Name,
			Layer: layer.NewRaw("apm-partition", disk, start, length),
		})
	}
	return out, nil
}
