// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package resolver implements the file resolver (C8): open_by_name,
// used to find sibling files a container format needs beyond its own
// bytes (a VHD differencing parent, additional EWF segments, sparse
// bundle bands), per spec.md §4.8. Name matching is case-sensitive
// unless the caller sets CaseFold; with it set, a name that does not
// open as given is matched case-insensitively against the directory
// listing. Neither implementation queries its backing directory for
// its case rule.
package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

// Resolver is the C8 contract: find a sibling file by name.
type Resolver interface {
	OpenByName(name string) (stream.PositionalByteStream, error)
	CaseSensitive() bool
}

// OS resolves sibling files from a real directory on disk, the way an
// operator pointing the CLI at a loose VHDX/E01 set expects.
type OS struct {
	Base     string
	CaseFold bool // true when the backing volume is case-insensitive (NTFS/FAT)
}

func (o *OS) CaseSensitive() bool { return !o.CaseFold }

func (o *OS) OpenByName(name string) (stream.PositionalByteStream, error) {
	p := filepath.Join(o.Base, name)
	f, err := stream.OpenOSFile(p)
	if err == nil {
		return f, nil
	}
	if !o.CaseFold {
		return nil, err
	}
	entries, derr := os.ReadDir(o.Base)
	if derr != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return stream.OpenOSFile(filepath.Join(o.Base, e.Name()))
		}
	}
	return nil, err
}

// Dir is the minimal directory contract resolver.VFS needs from its
// enclosing layer: open a sibling by name, and (for the case-folding
// fallback) list sibling names. A *vfs.Mediator directory handle
// satisfies this without vfs needing to import resolver's concrete
// types, avoiding an import cycle between the two packages.
type Dir interface {
	Open(name string) (stream.PositionalByteStream, error)
	ReadDir() ([]string, error)
}

// VFS resolves sibling files against a nested directory inside the
// composed VFS tree, so a differencing VHDX living beside its parent
// inside a GPT partition resolves the parent against that same
// partition's directory rather than the host OS's, per spec.md §4.8.
type VFS struct {
	Dir      Dir
	CaseFold bool
}

func (v *VFS) CaseSensitive() bool { return !v.CaseFold }

func (v *VFS) OpenByName(name string) (stream.PositionalByteStream, error) {
	s, err := v.Dir.Open(name)
	if err == nil {
		return s, nil
	}
	if !v.CaseFold {
		return nil, err
	}
	names, derr := v.Dir.ReadDir()
	if derr != nil {
		return nil, err
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return v.Dir.Open(n)
		}
	}
	return nil, errtrace.New(errtrace.NoSuchEntry, name)
}
