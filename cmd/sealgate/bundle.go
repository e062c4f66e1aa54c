package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"

	"xdao.co/sealgate/blobstore"
)

func cmdBundle(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) < 1 {
		printBundleUsage(errOut)
		return 2
	}
	switch args[0] {
	case "export":
		return cmdBundleExport(args[1:], out, errOut)
	case "import":
		return cmdBundleImport(args[1:], out, errOut)
	case "help", "-h", "--help":
		printBundleUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown bundle command: %s\n\n", args[0])
		printBundleUsage(errOut)
		return 2
	}
}

func printBundleUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sealgate bundle export (--config <file> | --store-dir <dir>) [--out <file>] [--name <identity>=<cid:size>]... <cid:size>...")
	fmt.Fprintln(w, "  sealgate bundle import (--config <file> | --store-dir <dir>) [--retention N] [<file>]")
}

func cmdBundleExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("bundle export", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var f sessionFlags
	var outPath string
	var names stringList
	f.register(fs, false)
	fs.StringVar(&outPath, "out", "", "Output file (default stdout)")
	fs.Var(&names, "name", "Index entry <name>=<cid:size> (repeatable); named handles are exported too")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var handles []blobstore.Handle
	for _, s := range fs.Args() {
		h, err := blobstore.ParseHandle(s)
		if err != nil {
			fmt.Fprintf(errOut, "invalid handle: %v\n", err)
			return 2
		}
		handles = append(handles, h)
	}
	named := map[string]blobstore.Handle{}
	for _, n := range names {
		k, v, ok := strings.Cut(n, "=")
		if !ok || k == "" {
			fmt.Fprintf(errOut, "invalid --name %q (want <name>=<cid:size>)\n", n)
			return 2
		}
		h, err := blobstore.ParseHandle(v)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --name %q: %v\n", n, err)
			return 2
		}
		named[k] = h
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		fmt.Fprintln(errOut, "nothing to export")
		return 2
	}

	s, err := f.open(errOut, false, false, true)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()
	var buf bytes.Buffer
	if err := s.blobs.Export(ctx, &buf, handles, named); err != nil {
		return fail(errOut, "bundle export", err)
	}
	if err := writeOutput(outPath, out, buf.Bytes()); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return 1
	}
	return 0
}

func cmdBundleImport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("bundle import", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var f sessionFlags
	var retention uint
	f.register(fs, false)
	fs.UintVar(&retention, "retention", 0, "Storage epochs to retain imported blobs for (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(errOut, "usage: sealgate bundle import [flags] [<file>]")
		return 2
	}
	b, err := readInput(fs.Arg(0), stdin)
	if err != nil {
		fmt.Fprintf(errOut, "read: %v\n", err)
		return 1
	}
	s, err := f.open(errOut, false, false, true)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()
	epochs := s.cfg.Retention
	if retention > 0 {
		epochs = uint32(retention)
	}

	ctx, cancel := commandContext()
	defer cancel()
	handles, err := s.blobs.Import(ctx, bytes.NewReader(b), epochs)
	if err != nil {
		return fail(errOut, "bundle import", err)
	}
	for _, h := range handles {
		_, _ = fmt.Fprintln(out, h.String())
	}
	return 0
}
