// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command corefs is a thin CLI over the vfs package: point it at a
// source image and ask for a directory listing, a single entry's
// metadata, or a file's bytes, addressed with the vfs path grammar
// (e.g. "/gpt2/ntfs1/Windows/System32/config/SAM").
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/vfsforensics/corefs/resolver"
	"github.com/vfsforensics/corefs/stream"
	"github.com/vfsforensics/corefs/vfs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: corefs <hierarchy|entry|path|info> --source FILE [path]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet(sub, flag.ContinueOnError)
	var source string
	var recoverDeleted bool
	fs.StringVar(&source, "source", "", "root image file (raw disk, VHD/VHDX/QCOW/UDIF/EWF/sparseimage, ...)")
	fs.BoolVar(&recoverDeleted, "recover-deleted", false, "accepted for FAT volumes but has no effect: deleted directory entries are always skipped")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("-source is required")
	}
	path := "/"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	root, err := stream.OpenOSFile(source)
	if err != nil {
		return err
	}
	res := &resolver.OS{Base: dirOf(source)}
	m := vfs.Open(root, res, vfs.Options{RecoverDeletedFAT: recoverDeleted})

	switch sub {
	case "hierarchy":
		return printHierarchy(m, path, 0)
	case "entry":
		meta, err := m.Metadata(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s\tsize=%d\tdir=%v\tmodtime=%s\n", path, meta.Size, meta.IsDir, meta.ModTime)
		return nil
	case "path":
		names, err := m.Enumerate(path)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "info":
		meta, err := m.Metadata(path)
		if err != nil {
			return err
		}
		if meta.IsDir {
			return fmt.Errorf("%s is a directory", path)
		}
		f, err := m.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f.(io.Reader))
		return err
	default:
		return fmt.Errorf("unknown subcommand %q", sub)
	}
}

func printHierarchy(m *vfs.Mediator, path string, depth int) error {
	meta, err := m.Metadata(path)
	if err != nil {
		return err
	}
	for i := 0; i < depth; i++ {
		fmt.Print("  ")
	}
	fmt.Println(path)
	if !meta.IsDir {
		return nil
	}
	names, err := m.Enumerate(path)
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := printHierarchy(m, joinPath(path, n), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}
