// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"bytes"
	"io"
	"testing"
)

// fakeStream is a minimal stream.PositionalByteStream over an in-memory
// buffer, used as the container backing ReadAtTranslated in tests.
type fakeStream struct{ data []byte }

func (f *fakeStream) Size() int64 { return int64(len(f.data)) }
func (f *fakeStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (f *fakeStream) Read(p []byte) (int, error)           { return f.ReadAt(p, 0) }
func (f *fakeStream) Seek(int64, int) (int64, error)       { return 0, nil }

// mapTree is a trivial RegionTree backed by a Go map of leaf offsets.
type mapTree map[int64]Region

func (m mapTree) Get(offset uint64) *Region {
	r, ok := m[int64(offset)]
	if !ok {
		return nil
	}
	return &r
}

func TestReadAtTranslatedRaw(t *testing.T) {
	container := &fakeStream{data: []byte("0123456789ABCDEF")}
	tree := mapTree{0: {Kind: RegionRaw, SourceOffset: 8}}
	lookup := func(off int64) Region { return LookupIn(tree, (off/8)*8) }

	buf := make([]byte, 8)
	n, err := ReadAtTranslated(buf, 0, 16, 8, lookup, RegionSource{Container: container}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || string(buf) != "89ABCDEF" {
		t.Errorf("got %q (n=%d), want 89ABCDEF (n=8)", buf, n)
	}
}

func TestReadAtTranslatedZero(t *testing.T) {
	tree := mapTree{0: {Kind: RegionZero}}
	lookup := func(off int64) Region { return LookupIn(tree, (off/8)*8) }

	buf := bytes.Repeat([]byte{0xFF}, 8)
	n, err := ReadAtTranslated(buf, 0, 8, 8, lookup, RegionSource{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || !bytes.Equal(buf, make([]byte, 8)) {
		t.Errorf("expected all-zero output, got %v", buf)
	}
}

// fakeParent is a minimal Layer that always returns a fixed fill byte.
type fakeParent struct {
	base
	fill byte
}

func newFakeParent(fill byte, size int64) *fakeParent {
	p := &fakeParent{fill: fill}
	p.base = base{kind: "fake-parent", size: size}
	p.base.readAtFn = func(dst []byte, off int64) (int, error) {
		for i := range dst {
			dst[i] = fill
		}
		return len(dst), nil
	}
	return p
}

func TestReadAtTranslatedNotPresentFallsBackToParent(t *testing.T) {
	tree := mapTree{0: {Kind: RegionNotPresent}}
	lookup := func(off int64) Region { return LookupIn(tree, (off/8)*8) }
	parent := newFakeParent(0x42, 8)

	buf := make([]byte, 8)
	n, err := ReadAtTranslated(buf, 0, 8, 8, lookup, RegionSource{}, parent)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || !bytes.Equal(buf, bytes.Repeat([]byte{0x42}, 8)) {
		t.Errorf("expected parent fill bytes, got %v", buf)
	}
}

func TestReadAtTranslatedNotPresentNoParentIsZero(t *testing.T) {
	tree := mapTree{0: {Kind: RegionNotPresent}}
	lookup := func(off int64) Region { return LookupIn(tree, (off/8)*8) }

	buf := bytes.Repeat([]byte{0xFF}, 8)
	n, err := ReadAtTranslated(buf, 0, 8, 8, lookup, RegionSource{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || !bytes.Equal(buf, make([]byte, 8)) {
		t.Errorf("expected all-zero fallback, got %v", buf)
	}
}

func TestReadAtTranslatedCompressed(t *testing.T) {
	cache := fakeChunkCache{1: []byte("decompressed-data-here!")}
	tree := mapTree{0: {Kind: RegionCompressed, ChunkID: 1, ChunkOffset: 4}}
	lookup := func(off int64) Region { return LookupIn(tree, (off/8)*8) }

	buf := make([]byte, 8)
	n, err := ReadAtTranslated(buf, 0, 8, 8, lookup, RegionSource{Chunks: cache}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || string(buf) != "mpressed" {
		t.Errorf("got %q, want %q", buf, "mpressed")
	}
}

func TestReadAtTranslatedTruncatesAtDataSize(t *testing.T) {
	container := &fakeStream{data: []byte("0123456789")}
	tree := mapTree{0: {Kind: RegionRaw, SourceOffset: 0}}
	lookup := func(off int64) Region { return LookupIn(tree, (off/8)*8) }

	buf := make([]byte, 8)
	n, err := ReadAtTranslated(buf, 6, 10, 8, lookup, RegionSource{Container: container}, nil)
	if err != io.EOF && err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("expected a short read of 4 bytes against a 10-byte stream at offset 6, got %d", n)
	}
}

type fakeChunkCache map[int64][]byte

func (f fakeChunkCache) Get(chunkID int64) ([]byte, error) { return f[chunkID], nil }
