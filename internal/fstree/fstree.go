// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package fstree builds a static io/fs.FS from entries discovered by
// one walk of a file system's on-disk metadata, adapted from the
// teacher's internal/fskeleton builder idiom (CreateDir/CreateFile/
// CreateSymlink/NoMore) to a synchronous build-then-freeze lifecycle:
// every entry is known before Open is ever called, so there is no
// need for fskeleton's blocking-incomplete-directory machinery.
package fstree

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type kind int

const (
	kindDir kind = iota
	kindFile
	kindSymlink
)

type dirent struct {
	name     string
	mode     fs.FileMode
	modtime  time.Time
	size     int64
	kind     kind
	data     io.ReaderAt
	target   string // symlink target, absolute fs.ValidPath form
	children map[string]*dirent
	mu       sync.Mutex
}

// FS is a frozen static tree, safe for concurrent Open/ReadDir/Stat
// calls once construction finishes.
type FS struct {
	root *dirent
}

func New() *FS {
	return &FS{root: &dirent{name: ".", mode: fs.ModeDir | 0o555, kind: kindDir, children: map[string]*dirent{}}}
}

func split(name string) ([]string, error) {
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}
	if name == "." {
		return nil, nil
	}
	return strings.Split(name, "/"), nil
}

func (fsys *FS) walkTo(comps []string, create bool) (*dirent, error) {
	at := fsys.root
	for _, c := range comps {
		at.mu.Lock()
		child, ok := at.children[c]
		if !ok {
			if !create {
				at.mu.Unlock()
				return nil, fs.ErrNotExist
			}
			child = &dirent{name: c, mode: fs.ModeDir | 0o555, kind: kindDir, children: map[string]*dirent{}}
			at.children[c] = child
		}
		at.mu.Unlock()
		at = child
	}
	return at, nil
}

// CreateDir creates (or marks explicit) a directory, implicitly
// creating missing parents.
func (fsys *FS) CreateDir(name string, mode fs.FileMode, mtime time.Time) error {
	comps, err := split(name)
	if err != nil {
		return err
	}
	if len(comps) == 0 {
		fsys.root.mode = mode | fs.ModeDir
		fsys.root.modtime = mtime
		return nil
	}
	parent, err := fsys.walkTo(comps[:len(comps)-1], true)
	if err != nil {
		return err
	}
	leaf := comps[len(comps)-1]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	d, ok := parent.children[leaf]
	if !ok {
		d = &dirent{children: map[string]*dirent{}}
		parent.children[leaf] = d
	}
	d.name, d.mode, d.modtime, d.kind = leaf, mode|fs.ModeDir, mtime, kindDir
	if d.children == nil {
		d.children = map[string]*dirent{}
	}
	return nil
}

// CreateFile creates a regular file backed by r (a random-access view
// over, typically, a blocktree-translated layer.Layer), implicitly
// creating missing parents.
func (fsys *FS) CreateFile(name string, r io.ReaderAt, size int64, mode fs.FileMode, mtime time.Time) error {
	comps, err := split(name)
	if err != nil || len(comps) == 0 {
		return fs.ErrInvalid
	}
	parent, err := fsys.walkTo(comps[:len(comps)-1], true)
	if err != nil {
		return err
	}
	leaf := comps[len(comps)-1]
	d := &dirent{name: leaf, mode: mode &^ fs.ModeDir, modtime: mtime, kind: kindFile, data: r, size: size}
	parent.mu.Lock()
	parent.children[leaf] = d
	parent.mu.Unlock()
	return nil
}

// CreateSymlink creates a symbolic link pointing at an absolute
// (fs.ValidPath) target.
func (fsys *FS) CreateSymlink(name, target string, mode fs.FileMode, mtime time.Time) error {
	if !fs.ValidPath(target) {
		return fs.ErrInvalid
	}
	comps, err := split(name)
	if err != nil || len(comps) == 0 {
		return fs.ErrInvalid
	}
	parent, err := fsys.walkTo(comps[:len(comps)-1], true)
	if err != nil {
		return err
	}
	leaf := comps[len(comps)-1]
	d := &dirent{name: leaf, mode: mode | fs.ModeSymlink, modtime: mtime, kind: kindSymlink, target: target}
	parent.mu.Lock()
	parent.children[leaf] = d
	parent.mu.Unlock()
	return nil
}

func (fsys *FS) lookup(name string) (*dirent, error) {
	comps, err := split(name)
	if err != nil {
		return nil, err
	}
	at := fsys.root
	for i, c := range comps {
		at.mu.Lock()
		child, ok := at.children[c]
		at.mu.Unlock()
		if !ok {
			return nil, fs.ErrNotExist
		}
		if child.kind == kindSymlink {
			if child.target == "" {
				return nil, fs.ErrNotExist
			}
			rest := comps[i+1:]
			joined := child.target
			if len(rest) > 0 {
				joined = path.Join(child.target, path.Join(rest...))
			}
			return fsys.lookup(joined)
		}
		at = child
	}
	return at, nil
}

func (fsys *FS) Open(name string) (fs.File, error) {
	d, err := fsys.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	switch d.kind {
	case kindDir:
		return &openDir{dirent: d}, nil
	case kindSymlink:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	default:
		return &openFile{dirent: d, r: io.NewSectionReader(d.data, 0, d.size)}, nil
	}
}

func (fsys *FS) Stat(name string) (fs.FileInfo, error) {
	d, err := fsys.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return fileInfo{d}, nil
}

func (fsys *FS) ReadLink(name string) (string, error) {
	comps, err := split(name)
	if err != nil || len(comps) == 0 {
		return "", fs.ErrInvalid
	}
	at := fsys.root
	for _, c := range comps {
		at.mu.Lock()
		child, ok := at.children[c]
		at.mu.Unlock()
		if !ok {
			return "", fs.ErrNotExist
		}
		at = child
	}
	if at.kind != kindSymlink {
		return "", fs.ErrInvalid
	}
	return at.target, nil
}

type fileInfo struct{ d *dirent }

func (i fileInfo) Name() string       { return i.d.name }
func (i fileInfo) Size() int64        { return i.d.size }
func (i fileInfo) Mode() fs.FileMode  { return i.d.mode }
func (i fileInfo) ModTime() time.Time { return i.d.modtime }
func (i fileInfo) IsDir() bool        { return i.d.kind == kindDir }
func (i fileInfo) Sys() any           { return nil }

type dirEntry struct{ d *dirent }

func (e dirEntry) Name() string               { return e.d.name }
func (e dirEntry) IsDir() bool                { return e.d.kind == kindDir }
func (e dirEntry) Type() fs.FileMode          { return e.d.mode.Type() }
func (e dirEntry) Info() (fs.FileInfo, error) { return fileInfo{e.d}, nil }

type openDir struct {
	*dirent
	entries []fs.DirEntry
	pos     int
}

func (o *openDir) Stat() (fs.FileInfo, error) { return fileInfo{o.dirent}, nil }
func (o *openDir) Read([]byte) (int, error)   { return 0, &fs.PathError{Op: "read", Path: o.name, Err: fs.ErrInvalid} }
func (o *openDir) Close() error               { return nil }

func (o *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if o.entries == nil {
		o.dirent.mu.Lock()
		names := make([]string, 0, len(o.dirent.children))
		for name := range o.dirent.children {
			names = append(names, name)
		}
		sort.Strings(names)
		o.entries = make([]fs.DirEntry, len(names))
		for i, name := range names {
			o.entries[i] = dirEntry{o.dirent.children[name]}
		}
		o.dirent.mu.Unlock()
	}
	if n <= 0 {
		rest := o.entries[o.pos:]
		o.pos = len(o.entries)
		return rest, nil
	}
	if o.pos >= len(o.entries) {
		return nil, io.EOF
	}
	end := o.pos + n
	if end > len(o.entries) {
		end = len(o.entries)
	}
	out := o.entries[o.pos:end]
	o.pos = end
	return out, nil
}

type openFile struct {
	*dirent
	r *io.SectionReader
}

func (o *openFile) Stat() (fs.FileInfo, error)             { return fileInfo{o.dirent}, nil }
func (o *openFile) Read(p []byte) (int, error)             { return o.r.Read(p) }
func (o *openFile) ReadAt(p []byte, off int64) (int, error) { return o.r.ReadAt(p, off) }
func (o *openFile) Seek(offset int64, whence int) (int64, error) { return o.r.Seek(offset, whence) }
func (o *openFile) Close() error                            { return nil }
