// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package ext builds a static io/fs.FS view of an ext2/3/4 file
// system by walking its superblock, block group descriptors, inode
// table, and directory tree once at open time, per spec.md §4.6.
package ext

import (
	"io"
	"io/fs"
	"path"
	"time"

	extfmt "github.com/vfsforensics/corefs/formats/ext"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/internal/fstree"
	"github.com/vfsforensics/corefs/layer"
	"github.com/vfsforensics/corefs/stream"
)

// FS is the opened, fully walked ext2/3/4 file system.
type FS struct {
	tree *fstree.FS
	sb   extfmt.Superblock
}

// Open reads the superblock and recursively walks the root directory
// (inode 2) into a static tree.
func Open(vol layer.Layer) (*FS, error) {
	sbBuf := make([]byte, 264)
	if err := stream.ReadExactAt(vol, sbBuf, extfmt.SuperblockOffset); err != nil {
		return nil, err
	}
	sb, err := extfmt.ReadSuperblock(sbBuf)
	if err != nil {
		return nil, err
	}

	o := &opener{vol: vol, sb: sb, tree: fstree.New()}
	if err := o.walkDir(2, "."); err != nil {
		return nil, err
	}
	return &FS{tree: o.tree, sb: sb}, nil
}

func (f *FS) Open(name string) (fs.File, error) { return f.tree.Open(name) }
func (f *FS) Stat(name string) (fs.FileInfo, error) { return f.tree.Stat(name) }
func (f *FS) ReadLink(name string) (string, error) { return f.tree.ReadLink(name) }

type opener struct {
	vol  layer.Layer
	sb   extfmt.Superblock
	tree *fstree.FS
}

func (o *opener) readInode(number uint32) (extfmt.Inode, error) {
	if number == 0 {
		return extfmt.Inode{}, errtrace.New(errtrace.OutOfRange, "inode number zero is invalid")
	}
	index := number - 1
	group := uint64(index) / uint64(o.sb.InodesPerGroup)
	indexInGroup := uint64(index) % uint64(o.sb.InodesPerGroup)

	descSize := o.sb.GroupDescSize()
	gdBuf := make([]byte, descSize)
	gdOffset := int64(o.sb.BlockSize())
	if o.sb.BlockSize() == 1024 {
		gdOffset = 2048 // group descriptor table starts at the block after the superblock
	}
	if err := stream.ReadExactAt(o.vol, gdBuf, gdOffset+int64(group)*int64(descSize)); err != nil {
		return extfmt.Inode{}, err
	}
	gd, err := extfmt.ReadGroupDescriptor(gdBuf, descSize)
	if err != nil {
		return extfmt.Inode{}, err
	}

	inodeOffset := int64(gd.InodeTable)*int64(o.sb.BlockSize()) + int64(indexInGroup)*int64(o.sb.InodeSize)
	inodeBuf := make([]byte, 128)
	if err := stream.ReadExactAt(o.vol, inodeBuf, inodeOffset); err != nil {
		return extfmt.Inode{}, err
	}
	return extfmt.ReadInode(inodeBuf)
}

// dataBlocks resolves the full ordered list of logical block numbers
// for an inode's data, via extents (ext4) only; the legacy
// direct/indirect-block scheme is out of scope, matching spec.md's
// "modern ext4 images" framing for this component.
func (o *opener) dataBlocks(inode extfmt.Inode) ([]uint64, error) {
	if !inode.HasExtents() {
		return nil, errtrace.New(errtrace.Unsupported, "non-extent ext2/3 block mapping not supported")
	}
	var blocks []uint64
	var walk func(buf []byte) error
	walk = func(buf []byte) error {
		hdr, err := extfmt.ReadExtentHeader(buf)
		if err != nil {
			return err
		}
		for i := uint16(0); i < hdr.Entries; i++ {
			entry := buf[12+int(i)*12:]
			if hdr.Depth == 0 {
				leaf, err := extfmt.ReadExtentLeaf(entry)
				if err != nil {
					return err
				}
				for b := uint64(0); b < uint64(leaf.Length); b++ {
					blocks = append(blocks, leaf.PhysicalBlock+b)
				}
			} else {
				idx, err := extfmt.ReadExtentIndex(entry)
				if err != nil {
					return err
				}
				childBuf := make([]byte, o.sb.BlockSize())
				if err := stream.ReadExactAt(o.vol, childBuf, int64(idx.ChildBlock)*int64(o.sb.BlockSize())); err != nil {
					return err
				}
				if err := walk(childBuf); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(inode.Block[:]); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (o *opener) walkDir(inodeNum uint32, dirPath string) error {
	inode, err := o.readInode(inodeNum)
	if err != nil {
		return err
	}
	blocks, err := o.dataBlocks(inode)
	if err != nil {
		return err
	}
	blockSize := o.sb.BlockSize()

	for _, block := range blocks {
		buf := make([]byte, blockSize)
		if err := stream.ReadExactAt(o.vol, buf, int64(block)*int64(blockSize)); err != nil {
			return err
		}
		pos := 0
		for pos < len(buf) {
			rec, recLen, err := extfmt.ReadDirectoryRecord(buf[pos:], true)
			if err != nil {
				return err
			}
			if rec.Inode != 0 && rec.Name != "." && rec.Name != ".." {
				childPath := path.Join(dirPath, rec.Name)
				if err := o.addEntry(rec.Inode, childPath); err != nil {
					return err
				}
			}
			pos += recLen
		}
	}
	return nil
}

func (o *opener) addEntry(inodeNum uint32, entryPath string) error {
	inode, err := o.readInode(inodeNum)
	if err != nil {
		return err
	}
	mtime := time.Unix(0, 0)
	switch {
	case inode.IsDir():
		if err := o.tree.CreateDir(entryPath, fs.FileMode(inode.Mode&0o777), mtime); err != nil {
			return err
		}
		return o.walkDir(inodeNum, entryPath)
	case inode.IsSymlink():
		target, err := o.readSymlinkTarget(inode)
		if err != nil {
			return err
		}
		return o.tree.CreateSymlink(entryPath, target, fs.FileMode(inode.Mode&0o777), mtime)
	case inode.IsRegular():
		blocks, err := o.dataBlocks(inode)
		if err != nil {
			return err
		}
		r := &blockReader{vol: o.vol, blocks: blocks, blockSize: int64(o.sb.BlockSize()), size: int64(inode.Size())}
		return o.tree.CreateFile(entryPath, r, int64(inode.Size()), fs.FileMode(inode.Mode&0o777), mtime)
	default:
		return nil // device nodes, sockets, fifos: not modelled, silently skipped
	}
}

// readSymlinkTarget handles both the inline (<=59 byte target stored
// directly in i_block) and block-mapped symlink representations.
func (o *opener) readSymlinkTarget(inode extfmt.Inode) (string, error) {
	if inode.Size() <= 59 {
		n := inode.Size()
		return string(inode.Block[:n]), nil
	}
	blocks, err := o.dataBlocks(inode)
	if err != nil || len(blocks) == 0 {
		return "", err
	}
	buf := make([]byte, o.sb.BlockSize())
	if err := stream.ReadExactAt(o.vol, buf, int64(blocks[0])*int64(o.sb.BlockSize())); err != nil {
		return "", err
	}
	n := inode.Size()
	if n > uint64(len(buf)) {
		n = uint64(len(buf))
	}
	return string(buf[:n]), nil
}

// blockReader presents a (possibly non-contiguous) ext4 extent block
// list as one random-access file.
type blockReader struct {
	vol       layer.Layer
	blocks    []uint64
	blockSize int64
	size      int64
}

func (r *blockReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errtrace.New(errtrace.InvalidSeek, "negative offset")
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if int64(len(p)) > r.size-off {
		p = p[:r.size-off]
	}
	total := 0
	for total < len(p) {
		virt := off + int64(total)
		blockIdx := virt / r.blockSize
		inBlock := virt % r.blockSize
		if int(blockIdx) >= len(r.blocks) {
			break
		}
		want := r.blockSize - inBlock
		if remain := int64(len(p) - total); want > remain {
			want = remain
		}
		srcOffset := int64(r.blocks[blockIdx])*r.blockSize + inBlock
		if err := stream.ReadExactAt(r.vol, p[total:int64(total)+want], srcOffset); err != nil {
			return total, err
		}
		total += int(want)
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}
