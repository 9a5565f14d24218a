// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package blocktree implements the block-translation tree (C2): a
// fixed-fanout radix tree keyed by virtual offset, shared by multiple
// layers to map virtual to physical regions with O(log N) lookup and
// at-most-one-writer insertion.
//
// The insert algorithm mirrors keramics-formats' block_tree.rs root
// span growth and lazy branch materialisation line for line, adapted
// to Go generics so every image layer can share one implementation
// over its own region-descriptor type.
package blocktree

import "github.com/vfsforensics/corefs/internal/errtrace"

// Tree maps virtual offsets to shared region descriptors of type V.
// Not safe for concurrent Insert; concurrent Get calls after the tree
// is fully built (build-once, read-many) require no external locking
// of their own beyond what the caller already holds for the layer.
type Tree[V any] struct {
	dataSize   uint64
	fanout     uint64
	leafSize   uint64
	root       *node[V]
}

type nodeKind int

const (
	branch nodeKind = iota
	leaf
)

type node[V any] struct {
	kind     nodeKind
	offset   uint64
	span     uint64 // size represented by one slot of this node (child span for branch, value span for leaf)
	children []*node[V]
	values   []*V
}

// New constructs a tree over [0, dataSize) with the given fanout and
// leaf block size. leafSize must be a power-of-two-friendly alignment
// unit; fanout must be >= 2.
func New[V any](dataSize, fanout, leafSize uint64) *Tree[V] {
	return &Tree[V]{dataSize: dataSize, fanout: fanout, leafSize: leafSize}
}

// Insert records that the half-open virtual range [offset, offset+length)
// is described by value. Overlapping inserts fail with AlreadySet;
// misaligned offset/length fail with Misaligned; out-of-range inserts
// fail with OutOfRange.
func (t *Tree[V]) Insert(offset, length uint64, value V) error {
	if length == 0 {
		return nil
	}
	if offset+length > t.dataSize || offset+length < offset {
		return errtrace.New(errtrace.OutOfRange, "insert exceeds data_size")
	}
	if offset%t.leafSize != 0 || length%t.leafSize != 0 {
		return errtrace.New(errtrace.Misaligned, "offset/length not a multiple of leaf_block_size")
	}
	if t.root == nil {
		t.root = t.newRoot(length)
	}
	v := &value
	return t.root.insert(t.fanout, t.leafSize, offset, length, v)
}

func (t *Tree[V]) newRoot(firstInsertLength uint64) *node[V] {
	span := t.leafSize
	for t.dataSize/span > t.fanout {
		span *= t.fanout
	}
	kind := leaf
	if span > firstInsertLength {
		kind = branch
	}
	return &node[V]{kind: kind, offset: 0, span: span}
}

func (n *node[V]) insert(fanout, leafSize, offset, length uint64, value *V) error {
	if n.kind == branch {
		if n.children == nil {
			n.children = make([]*node[V], fanout)
		}
		firstIdx := (offset - n.offset) / n.span
		lastIdx := (offset+length-1-n.offset)/n.span + 1
		childSpan := leafSize
		for n.span/childSpan > fanout {
			childSpan *= fanout
		}
		childOffset := n.offset + firstIdx*n.span
		for idx := firstIdx; idx < lastIdx; idx++ {
			if int(idx) >= len(n.children) {
				return errtrace.New(errtrace.OutOfRange, "child index exceeds fanout")
			}
			subStart := max(offset, childOffset)
			subLen := min(offset+length, childOffset+n.span) - subStart
			if n.children[idx] == nil {
				childKind := leaf
				if childSpan > subLen {
					childKind = branch
				}
				n.children[idx] = &node[V]{kind: childKind, offset: childOffset, span: childSpan}
			}
			if err := n.children[idx].insert(fanout, leafSize, subStart, subLen, value); err != nil {
				return err
			}
			childOffset += n.span
		}
		return nil
	}

	// leaf
	if length%n.span != 0 {
		return errtrace.New(errtrace.Misaligned, "length not a multiple of leaf span")
	}
	if n.values == nil {
		n.values = make([]*V, fanout)
	}
	firstIdx := (offset - n.offset) / n.span
	count := length / n.span
	for i := uint64(0); i < count; i++ {
		idx := firstIdx + i
		if int(idx) >= len(n.values) {
			return errtrace.New(errtrace.OutOfRange, "leaf index exceeds fanout")
		}
		if n.values[idx] != nil {
			return errtrace.New(errtrace.AlreadySet, "overlapping insert")
		}
		n.values[idx] = value
	}
	return nil
}

// Get returns the descriptor covering offset, or nil if none has been
// inserted there (the caller should treat that as Parent/zero per the
// image layer's read_at algorithm).
func (t *Tree[V]) Get(offset uint64) *V {
	if t.root == nil || offset >= t.dataSize {
		return nil
	}
	n := t.root
	for n.kind == branch {
		idx := (offset - n.offset) / n.span
		if n.children == nil || int(idx) >= len(n.children) || n.children[idx] == nil {
			return nil
		}
		n = n.children[idx]
	}
	idx := (offset - n.offset) / n.span
	if n.values == nil || int(idx) >= len(n.values) {
		return nil
	}
	return n.values[idx]
}

// DataSize returns the size the tree was constructed over.
func (t *Tree[V]) DataSize() uint64 { return t.dataSize }

// LeafSize returns the configured leaf block size.
func (t *Tree[V]) LeafSize() uint64 { return t.leafSize }
