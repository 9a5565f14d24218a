// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vfsforensics/corefs/stream"
)

func TestOSResolverCaseSensitiveMiss(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Parent.vhd"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &OS{Base: dir}
	if _, err := r.OpenByName("parent.vhd"); err == nil {
		t.Fatal("expected a case-sensitive miss when CaseFold is false")
	}
}

func TestOSResolverCaseFold(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Parent.vhd"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &OS{Base: dir, CaseFold: true}
	s, err := r.OpenByName("parent.vhd")
	if err != nil {
		t.Fatal(err)
	}
	if s.Size() != 1 {
		t.Errorf("Size() = %d, want 1", s.Size())
	}
}

// fakeDir is a minimal in-memory Dir, standing in for a *vfs.Mediator
// directory handle without importing vfs (which would be a cycle).
type fakeDir struct {
	files map[string][]byte
}

func (f *fakeDir) Open(name string) (stream.PositionalByteStream, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memStream{data: data}, nil
}

func (f *fakeDir) ReadDir() ([]string, error) {
	names := make([]string, 0, len(f.files))
	for n := range f.files {
		names = append(names, n)
	}
	return names, nil
}

type memStream struct{ data []byte }

func (m *memStream) Size() int64                    { return int64(len(m.data)) }
func (m *memStream) Read(p []byte) (int, error)      { return copy(p, m.data), nil }
func (m *memStream) Seek(int64, int) (int64, error)  { return 0, nil }
func (m *memStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func TestVFSResolverCaseFoldFallsBackToListing(t *testing.T) {
	d := &fakeDir{files: map[string][]byte{"Disk1.vmdk": {1, 2, 3}}}
	r := &VFS{Dir: d, CaseFold: true}
	s, err := r.OpenByName("disk1.vmdk")
	if err != nil {
		t.Fatal(err)
	}
	if s.Size() != 3 {
		t.Errorf("Size() = %d, want 3", s.Size())
	}
}

func TestVFSResolverNoMatch(t *testing.T) {
	d := &fakeDir{files: map[string][]byte{"Disk1.vmdk": {1}}}
	r := &VFS{Dir: d, CaseFold: true}
	if _, err := r.OpenByName("nonexistent.vmdk"); err == nil {
		t.Fatal("expected an error for a name with no match")
	}
}
