// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package vfs

import (
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob matches pattern (a doublestar pattern, per spec.md §4.7's glob
// support) against every file-system path reachable under root, which
// must already name a container/volume/file-system chain (e.g.
// "/vhdx1/mbr2/ntfs1") the way Open's path argument does. Glob does
// not itself enumerate which container or partition indices exist at
// a boundary — that requires running the format-specific signature
// and partition-table probes the resolution algorithm already runs on
// demand — so, like the rest of this package, it composes with Open
// rather than duplicating it: the caller names the image/volume
// prefix, and matching happens over the file-system namespace below
// it. Grounded on the teacher's path.go glob(), simplified to a
// single sequential walk rather than the teacher's round-robin
// channel worker pool: this module's composed trees are shallow (a
// handful of nested layers deep, not an archive containing thousands
// of nested archives), so the concurrency the teacher needed to keep
// a deep StuffIt-of-ZIPs-of-tarballs walk responsive isn't earning
// its complexity here.
func (m *Mediator) Glob(root, pattern string) ([]string, error) {
	var out []string
	err := m.walk(root, func(p string) error {
		rel := strings.TrimPrefix(trimLeadingSlash(p), trimLeadingSlash(root))
		rel = strings.TrimPrefix(rel, "/")
		matched, err := doublestar.Match(pattern, rel)
		if err != nil {
			return err
		}
		if matched {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

// walk visits every file and directory under p, including p itself,
// calling visit with each one's full path.
func (m *Mediator) walk(p string, visit func(string) error) error {
	if err := visit(p); err != nil {
		return err
	}
	f, err := m.Open(p)
	if err != nil {
		return err
	}
	rd, ok := f.(fs.ReadDirFile)
	if !ok {
		return f.Close()
	}
	entries, err := rd.ReadDir(-1)
	f.Close()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.walk(path.Join(p, e.Name()), visit); err != nil {
			return err
		}
	}
	return nil
}
