// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package fat builds a static io/fs.FS view of a FAT12/16/32 file
// system by walking its boot sector, FAT cluster chains, and
// directory entries (including VFAT long names) once at open time,
// per spec.md §4.6.
package fat

import (
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	fatfmt "github.com/vfsforensics/corefs/formats/fat"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/internal/fstree"
	"github.com/vfsforensics/corefs/layer"
	"github.com/vfsforensics/corefs/stream"
)

// Options controls optional, non-default behaviour.
type Options struct {
	// RecoverDeleted is accepted but has no effect: the directory walk
	// always skips 0xE5-prefixed (deleted) entries, so no deleted
	// entry is ever listed, whatever its value.
	RecoverDeleted bool
}

// FS is the opened, fully walked FAT file system.
type FS struct {
	tree *fstree.FS
}

func (f *FS) Open(name string) (fs.File, error)    { return f.tree.Open(name) }
func (f *FS) Stat(name string) (fs.FileInfo, error) { return f.tree.Stat(name) }

// Open reads the boot sector and recursively walks the root directory
// into a static tree.
func Open(vol layer.Layer, opts Options) (*FS, error) {
	bootBuf := make([]byte, 512)
	if err := stream.ReadExactAt(vol, bootBuf, 0); err != nil {
		return nil, err
	}
	boot, err := fatfmt.ReadBootSector(bootBuf)
	if err != nil {
		return nil, err
	}

	o := &opener{vol: vol, boot: boot, tree: fstree.New(), opts: opts}

	variant := boot.Variant()
	fatOffset := int64(boot.ReservedSectors0()) * int64(boot.BytesPerSector)
	fatSize := int64(boot.FATSize()) * int64(boot.BytesPerSector)
	fatBuf := make([]byte, fatSize)
	if err := stream.ReadExactAt(vol, fatBuf, fatOffset); err != nil {
		return nil, err
	}
	o.variant = variant
	o.fat = fatBuf

	if variant == fatfmt.Variant32 {
		if err := o.walkClusterChainDir(boot.RootCluster, "."); err != nil {
			return nil, err
		}
	} else {
		rootOffset := fatOffset + int64(boot.NumFATs32())*fatSize
		rootSize := int64(boot.RootEntryCount) * 32
		buf := make([]byte, rootSize)
		if err := stream.ReadExactAt(vol, buf, rootOffset); err != nil {
			return nil, err
		}
		if err := o.walkDirBuffer(buf, "."); err != nil {
			return nil, err
		}
	}
	return &FS{tree: o.tree}, nil
}

type opener struct {
	vol     layer.Layer
	boot    fatfmt.BootSector
	variant fatfmt.Variant
	fat     []byte
	tree    *fstree.FS
	opts    Options
}

func (o *opener) clusterOffset(cluster uint32) int64 {
	firstDataSector := o.boot.FirstDataSector()
	sector := int64(firstDataSector) + (int64(cluster)-2)*int64(o.boot.SectorsPerCluster)
	return sector * int64(o.boot.BytesPerSector)
}

func (o *opener) clusterSize() int64 {
	return int64(o.boot.SectorsPerCluster) * int64(o.boot.BytesPerSector)
}

func (o *opener) nextCluster(n uint32) (uint32, error) {
	switch o.variant {
	case fatfmt.Variant12:
		return fatfmt.NextCluster12(o.fat, n)
	case fatfmt.Variant16:
		return fatfmt.NextCluster16(o.fat, n)
	default:
		return fatfmt.NextCluster32(o.fat, n)
	}
}

func (o *opener) clusterChain(start uint32) ([]uint32, error) {
	var chain []uint32
	seen := map[uint32]bool{}
	n := start
	for n >= 2 && !fatfmt.IsEndOfChain(o.variant, n) {
		if seen[n] {
			return nil, errtrace.New(errtrace.InvalidField, "FAT cluster chain contains a cycle")
		}
		seen[n] = true
		chain = append(chain, n)
		next, err := o.nextCluster(n)
		if err != nil {
			return nil, err
		}
		n = next
	}
	return chain, nil
}

func (o *opener) walkClusterChainDir(startCluster uint32, dirPath string) error {
	chain, err := o.clusterChain(startCluster)
	if err != nil {
		return err
	}
	for _, cluster := range chain {
		buf := make([]byte, o.clusterSize())
		if err := stream.ReadExactAt(o.vol, buf, o.clusterOffset(cluster)); err != nil {
			return err
		}
		if err := o.walkDirBuffer(buf, dirPath); err != nil {
			return err
		}
	}
	return nil
}

func (o *opener) walkDirBuffer(buf []byte, dirPath string) error {
	var longNameParts []fatfmt.LongNameEntry
	for pos := 0; pos+32 <= len(buf); pos += 32 {
		raw := buf[pos : pos+32]
		if raw[0] == 0x00 {
			break // no more entries in this directory
		}
		entry, err := fatfmt.ReadDirectoryEntry(raw)
		if err != nil {
			return err
		}
		if entry.Deleted {
			longNameParts = nil
			continue
		}
		if entry.IsLongName {
			ln, err := fatfmt.ReadLongNameEntry(raw)
			if err != nil {
				return err
			}
			longNameParts = append(longNameParts, ln)
			continue
		}
		if entry.IsVolumeID {
			longNameParts = nil
			continue
		}
		name := entry.ShortName()
		if long := assembleLongName(longNameParts); long != "" {
			name = long
		}
		longNameParts = nil
		if name == "." || name == ".." {
			continue
		}
		if err := o.addEntry(entry, path.Join(dirPath, name)); err != nil {
			return err
		}
	}
	return nil
}

// assembleLongName reassembles a run of VFAT long-name entries (which
// are stored on disk in reverse order, highest sequence number first)
// into the final UTF-16-derived name.
func assembleLongName(parts []fatfmt.LongNameEntry) string {
	if len(parts) == 0 {
		return ""
	}
	var units []uint16
	for i := len(parts) - 1; i >= 0; i-- {
		for _, u := range parts[i].Chars {
			if u == 0 || u == 0xFFFF {
				goto done
			}
			units = append(units, u)
		}
	}
done:
	if len(units) == 0 {
		return ""
	}
	return decodeUTF16LE(units)
}

func decodeUTF16LE(units []uint16) string {
	var out []rune
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) && units[i+1] >= 0xDC00 && units[i+1] <= 0xDFFF {
			r := (rune(u-0xD800)<<10 | rune(units[i+1]-0xDC00)) + 0x10000
			out = append(out, r)
			i++
			continue
		}
		out = append(out, rune(u))
	}
	return strings.TrimRight(string(out), "\x00")
}

func (o *opener) addEntry(entry fatfmt.DirectoryEntry, entryPath string) error {
	mtime := time.Unix(0, 0)
	mode := fs.FileMode(0o555)
	if entry.Attr&fatfmt.AttrReadOnly == 0 {
		mode = 0o755
	}
	if entry.Attr&fatfmt.AttrDirectory != 0 {
		if err := o.tree.CreateDir(entryPath, mode, mtime); err != nil {
			return err
		}
		return o.walkClusterChainDir(entry.FirstCluster(), entryPath)
	}
	r := &clusterChainReader{o: o, start: entry.FirstCluster(), size: int64(entry.FileSize)}
	return o.tree.CreateFile(entryPath, r, int64(entry.FileSize), mode, mtime)
}

// clusterChainReader lazily walks a cluster chain on first read so
// opening a directory's files doesn't require resolving every chain
// up front.
type clusterChainReader struct {
	o      *opener
	start  uint32
	size   int64
	chain  []uint32
	loaded bool
}

func (r *clusterChainReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errtrace.New(errtrace.InvalidSeek, "negative offset")
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if !r.loaded {
		chain, err := r.o.clusterChain(r.start)
		if err != nil {
			return 0, err
		}
		r.chain = chain
		r.loaded = true
	}
	if int64(len(p)) > r.size-off {
		p = p[:r.size-off]
	}
	clusterSize := r.o.clusterSize()
	total := 0
	for total < len(p) {
		virt := off + int64(total)
		idx := virt / clusterSize
		inCluster := virt % clusterSize
		if int(idx) >= len(r.chain) {
			break
		}
		want := clusterSize - inCluster
		if remain := int64(len(p) - total); want > remain {
			want = remain
		}
		srcOffset := r.o.clusterOffset(r.chain[idx]) + inCluster
		if err := stream.ReadExactAt(r.o.vol, p[total:int64(total)+want], srcOffset); err != nil {
			return total, err
		}
		total += int(want)
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}
